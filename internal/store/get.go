package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Chunk is one page of content resolved through the identifier grammar.
type Chunk struct {
	Kind       string `json:"kind"`
	Chunk      string `json:"chunk"`
	TotalChars int    `json:"total_chars"`
	NextOffset *int   `json:"next_offset,omitempty"`
}

const defaultMaxChars = 4000

// Get resolves an external identifier and returns one page of its content:
//
//	chain:<name>:<slug>  one link's content
//	chain:<name>         the whole chain, newest link first
//	artifact:<id>        extracted text, falling back to the description
//	session:<id>         the session record as JSON
//
// offset and maxChars page through the content in characters.
func (s *Store) Get(ctx context.Context, id string, offset, maxChars int) (Chunk, error) {
	kind, content, err := s.resolve(ctx, id)
	if err != nil {
		return Chunk{}, err
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	if offset < 0 {
		offset = 0
	}
	runes := []rune(content)
	total := len(runes)
	if offset > total {
		offset = total
	}
	end := offset + maxChars
	if end > total {
		end = total
	}
	chunk := Chunk{Kind: kind, Chunk: string(runes[offset:end]), TotalChars: total}
	if end < total {
		next := end
		chunk.NextOffset = &next
	}
	return chunk, nil
}

func (s *Store) resolve(ctx context.Context, id string) (kind, content string, err error) {
	switch {
	case strings.HasPrefix(id, "chain:"):
		rest := strings.TrimPrefix(id, "chain:")
		if name, slug, found := strings.Cut(rest, ":"); found {
			content, err = s.linkContent(ctx, name, slug)
			if err != nil {
				return "", "", err
			}
			return "chain", content, nil
		}
		content, err = s.wholeChain(ctx, rest)
		if err != nil {
			return "", "", err
		}
		return "chain", content, nil

	case strings.HasPrefix(id, "artifact:"):
		art, err := s.GetArtifact(ctx, strings.TrimPrefix(id, "artifact:"))
		if err != nil {
			return "", "", err
		}
		content = art.ExtractedText
		if content == "" {
			content = art.Description
		}
		return "artifact", content, nil

	case strings.HasPrefix(id, "session:"):
		sess, err := s.GetSession(ctx, strings.TrimPrefix(id, "session:"))
		if err != nil {
			return "", "", err
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return "", "", fmt.Errorf("encode session: %w", err)
		}
		return "session", string(data), nil
	}
	return "", "", fmt.Errorf("unrecognized identifier %q: %w", id, ErrBadRequest)
}

func (s *Store) linkContent(ctx context.Context, name, slug string) (string, error) {
	links, _, err := s.ChainLoad(ctx, name, 0, 0)
	if err != nil {
		return "", err
	}
	for _, l := range links {
		if l.Slug == slug {
			return l.Content, nil
		}
	}
	return "", fmt.Errorf("link %s:%s: %w", name, slug, ErrNotFound)
}

func (s *Store) wholeChain(ctx context.Context, name string) (string, error) {
	links, _, err := s.ChainLoad(ctx, name, 0, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, l := range links {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(l.Slug)
		b.WriteString("\n")
		b.WriteString(l.Content)
	}
	return b.String(), nil
}
