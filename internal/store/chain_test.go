package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChainLinkAndLoad(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	slug, err := env.store.ChainLink(ctx, "auth", "jwt", "use RS256")
	if err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	if slug != "jwt" {
		t.Fatalf("expected slug jwt, got %q", slug)
	}

	links, total, err := env.store.ChainLoad(ctx, "auth", 0, 0)
	if err != nil {
		t.Fatalf("ChainLoad: %v", err)
	}
	if total != 1 || len(links) != 1 {
		t.Fatalf("expected one link, got %d/%d", len(links), total)
	}
	if links[0].Content != "use RS256" {
		t.Fatalf("content mismatch: %q", links[0].Content)
	}
}

func TestChainSlugCollision(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	first, err := env.store.ChainLink(ctx, "auth", "jwt", "A")
	if err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	second, err := env.store.ChainLink(ctx, "auth", "jwt", "B")
	if err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	third, err := env.store.ChainLink(ctx, "auth", "jwt", "C")
	if err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	if first != "jwt" || second != "jwt-2" || third != "jwt-3" {
		t.Fatalf("expected jwt, jwt-2, jwt-3; got %q, %q, %q", first, second, third)
	}

	links, _, err := env.store.ChainLoad(ctx, "auth", 0, 0)
	if err != nil {
		t.Fatalf("ChainLoad: %v", err)
	}
	seen := map[string]string{}
	for _, l := range links {
		if _, dup := seen[l.Slug]; dup {
			t.Fatalf("duplicate slug %q", l.Slug)
		}
		seen[l.Slug] = l.Content
	}
	if seen["jwt"] != "A" || seen["jwt-2"] != "B" {
		t.Fatalf("slug/content pairing wrong: %v", seen)
	}
}

func TestChainLoadNewestFirst(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"one", "two", "three"} {
		if _, err := env.store.ChainLink(ctx, "deploy", slug, slug); err != nil {
			t.Fatalf("ChainLink %s: %v", slug, err)
		}
	}

	links, total, err := env.store.ChainLoad(ctx, "deploy", 0, 0)
	if err != nil {
		t.Fatalf("ChainLoad: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if links[0].Slug != "three" || links[2].Slug != "one" {
		t.Fatalf("expected newest first, got %+v", links)
	}

	page, total, err := env.store.ChainLoad(ctx, "deploy", 1, 1)
	if err != nil {
		t.Fatalf("ChainLoad paged: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].Slug != "two" {
		t.Fatalf("paging wrong: %+v (total %d)", page, total)
	}
}

func TestChainLoadMissing(t *testing.T) {
	env := newTestStore(t)

	_, _, err := env.store.ChainLoad(context.Background(), "ghost", 0, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChainList(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	if _, err := env.store.ChainLink(ctx, "older", "a", "x"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := env.store.ChainLink(ctx, "newer", "a", "x"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	if _, err := env.store.ChainLink(ctx, "newer", "b", "y"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}

	chains, err := env.store.ChainList(ctx)
	if err != nil {
		t.Fatalf("ChainList: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(chains))
	}
	if chains[0].Name != "newer" || chains[0].LinkCount != 2 {
		t.Fatalf("expected newer (2 links) first, got %+v", chains[0])
	}
}

func TestChainDelete(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	if _, err := env.store.ChainLink(ctx, "gone", "a", "x"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}
	if err := env.store.ChainDelete(ctx, "gone"); err != nil {
		t.Fatalf("ChainDelete: %v", err)
	}

	if _, _, err := env.store.ChainLoad(ctx, "gone", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	chains, err := env.store.ChainList(ctx)
	if err != nil {
		t.Fatalf("ChainList: %v", err)
	}
	if len(chains) != 0 {
		t.Fatalf("expected empty chain list, got %+v", chains)
	}

	// Deleting frees the slug for reuse.
	slug, err := env.store.ChainLink(ctx, "gone", "a", "again")
	if err != nil {
		t.Fatalf("ChainLink after delete: %v", err)
	}
	if slug != "a" {
		t.Fatalf("expected slug a reusable, got %q", slug)
	}
}

func TestChainSearchFuzzy(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"auth", "author-notes", "deploy"} {
		if _, err := env.store.ChainLink(ctx, name, "s", "c"); err != nil {
			t.Fatalf("ChainLink %s: %v", name, err)
		}
	}

	matches, err := env.store.ChainSearch(ctx, "auth")
	if err != nil {
		t.Fatalf("ChainSearch: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected matches for auth")
	}
	if matches[0].Name != "auth" {
		t.Fatalf("expected exact name first, got %q", matches[0].Name)
	}
	if matches[0].Score != 1.0 {
		t.Fatalf("exact match with substring bonus should cap at 1.0, got %f", matches[0].Score)
	}
	for _, m := range matches {
		if m.Name == "deploy" {
			t.Fatal("deploy should score below the cutoff for query auth")
		}
		if m.Score < chainScoreCutoff {
			t.Fatalf("match %q below cutoff: %f", m.Name, m.Score)
		}
	}
}
