package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// ChainMatch is one fuzzy chain-name result.
type ChainMatch struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// SearchResult is one ranked text-search hit across chains and artifacts.
type SearchResult struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

const (
	chainScoreCutoff = 0.4
	substringBonus   = 0.2
	maxSearchResults = 20
	snippetWidth     = 120
)

// ChainSearch ranks chain names against the query by normalized edit
// distance, with a bonus for exact substring containment. Results under
// the cutoff are dropped; ties break toward the most recently updated.
func (s *Store) ChainSearch(ctx context.Context, query string) ([]ChainMatch, error) {
	chains, err := s.ChainList(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain search: %w", err)
	}
	q := strings.ToLower(query)
	type scored struct {
		ChainMatch
		updatedAt int64
	}
	matches := make([]scored, 0, len(chains))
	for _, c := range chains {
		name := strings.ToLower(c.Name)
		score := fuzzyScore(q, name)
		if score < chainScoreCutoff {
			continue
		}
		matches = append(matches, scored{ChainMatch{Name: c.Name, Score: score}, c.UpdatedAt})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].updatedAt > matches[j].updatedAt
	})
	out := make([]ChainMatch, len(matches))
	for i, m := range matches {
		out[i] = m.ChainMatch
	}
	return out, nil
}

func fuzzyScore(query, name string) float64 {
	if query == "" || name == "" {
		return 0
	}
	d := levenshtein.Distance(query, name, nil)
	denom := len(query)
	if len(name) > denom {
		denom = len(name)
	}
	score := 1 - float64(d)/float64(denom)
	if strings.Contains(name, query) {
		score += substringBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Search scans the lowercased search bodies of every chain link and
// artifact for the query. Score is the occurrence count plus 2 when the
// query also appears in the chain name/slug or artifact title/description.
// Top 20 by score, ties broken by most recent update.
func (s *Store) Search(ctx context.Context, query string) ([]SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, fmt.Errorf("empty query: %w", ErrBadRequest)
	}
	type scored struct {
		SearchResult
		recency int64
	}
	var hits []scored

	chains, err := s.ChainList(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	for _, c := range chains {
		prefix := searchChainKey(c.Name, "")
		keys, err := s.scanKeys(ctx, prefix+"*")
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		for _, key := range keys {
			slug := strings.TrimPrefix(key, prefix)
			var body string
			err := s.do(ctx, func() error {
				var err error
				body, err = s.rdb.Get(ctx, key).Result()
				return err
			})
			if err != nil {
				continue
			}
			score := float64(strings.Count(body, q))
			if strings.Contains(strings.ToLower(c.Name), q) || strings.Contains(strings.ToLower(slug), q) {
				score += 2
			}
			if score == 0 {
				continue
			}
			hits = append(hits, scored{
				SearchResult{
					ID:      "chain:" + c.Name + ":" + slug,
					Kind:    "chain",
					Snippet: snippet(body, q),
					Score:   score,
				},
				c.UpdatedAt,
			})
		}
	}

	arts, err := s.ListArtifacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	for _, a := range arts {
		var body string
		err := s.do(ctx, func() error {
			var err error
			body, err = s.rdb.Get(ctx, searchArtKey(a.ID)).Result()
			return err
		})
		if err != nil {
			continue
		}
		score := float64(strings.Count(body, q))
		if strings.Contains(strings.ToLower(a.Title), q) || strings.Contains(strings.ToLower(a.Description), q) {
			score += 2
		}
		if score == 0 {
			continue
		}
		hits = append(hits, scored{
			SearchResult{
				ID:      "artifact:" + a.ID,
				Kind:    "artifact",
				Snippet: snippet(body, q),
				Score:   score,
			},
			a.CreatedAt,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].recency > hits[j].recency
	})
	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = h.SearchResult
	}
	return out, nil
}

// snippet returns up to snippetWidth characters of context centered on the
// first occurrence of q, with ellipses marking truncation.
func snippet(body, q string) string {
	idx := strings.Index(body, q)
	if idx < 0 {
		idx = 0
	}
	runes := []rune(body)
	// Recompute the index in runes; body and q are both lowercased UTF-8.
	ridx := len([]rune(body[:idx]))
	start := ridx - (snippetWidth-len(q))/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWidth
	if end > len(runes) {
		end = len(runes)
		start = end - snippetWidth
		if start < 0 {
			start = 0
		}
	}
	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}
