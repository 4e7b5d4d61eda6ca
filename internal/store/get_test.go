package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGetLinkRoundTrip(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	if _, err := env.store.ChainLink(ctx, "auth", "jwt", "use RS256 everywhere"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}

	chunk, err := env.store.Get(ctx, "chain:auth:jwt", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if chunk.Kind != "chain" || chunk.Chunk != "use RS256 everywhere" {
		t.Fatalf("round-trip mismatch: %+v", chunk)
	}
	if chunk.NextOffset != nil {
		t.Fatalf("short content should have no next offset")
	}
}

func TestGetWholeChainNewestFirst(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"first", "second"} {
		if _, err := env.store.ChainLink(ctx, "log", slug, "body of "+slug); err != nil {
			t.Fatalf("ChainLink: %v", err)
		}
	}

	chunk, err := env.store.Get(ctx, "chain:log", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Index(chunk.Chunk, "second") > strings.Index(chunk.Chunk, "first") {
		t.Fatalf("expected newest link first:\n%s", chunk.Chunk)
	}
}

func TestGetPagination(t *testing.T) {
	env := newTestStore(t)
	ctx := context.Background()

	content := strings.Repeat("abcdefghij", 10) // 100 chars
	if _, err := env.store.ChainLink(ctx, "big", "blob", content); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}

	var got strings.Builder
	offset := 0
	for {
		chunk, err := env.store.Get(ctx, "chain:big:blob", offset, 30)
		if err != nil {
			t.Fatalf("Get at %d: %v", offset, err)
		}
		if chunk.TotalChars != 100 {
			t.Fatalf("expected total 100, got %d", chunk.TotalChars)
		}
		got.WriteString(chunk.Chunk)
		if chunk.NextOffset == nil {
			break
		}
		offset = *chunk.NextOffset
	}
	if got.String() != content {
		t.Fatalf("reassembled content mismatch")
	}
}

func TestGetArtifactText(t *testing.T) {
	env := newTestStore(t)
	env.store.extract = func([]byte, string) string { return "extracted words" }
	ctx := context.Background()
	path := writeTempFile(t, "a.pdf", []byte("%PDF-stub"))

	id, err := env.store.ArtifactSave(ctx, path, "Doc", "fallback description")
	if err != nil {
		t.Fatalf("ArtifactSave: %v", err)
	}

	chunk, err := env.store.Get(ctx, "artifact:"+id, 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if chunk.Kind != "artifact" || chunk.Chunk != "extracted words" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestGetSessionRecord(t *testing.T) {
	env := newTestStore(t)
	sess := mustSession(t, env.store)

	chunk, err := env.store.Get(context.Background(), "session:"+sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if chunk.Kind != "session" || !strings.Contains(chunk.Chunk, sess.ID) {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestGetBadIdentifier(t *testing.T) {
	env := newTestStore(t)

	_, err := env.store.Get(context.Background(), "bogus:thing", 0, 0)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}
