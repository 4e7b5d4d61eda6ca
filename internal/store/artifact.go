package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Artifact is a content-addressed file reference. The id is the first 12
// hex characters of the SHA-256 of the file bytes, so re-saving identical
// bytes always yields the same id.
type Artifact struct {
	ID            string `json:"id"`
	FilePath      string `json:"file_path"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ExtractedText string `json:"extracted_text,omitempty"`
	MimeHint      string `json:"mime_hint"`
	SizeBytes     int64  `json:"size_bytes"`
	CreatedAt     int64  `json:"created_at"`
}

const artifactIDLen = 12

// ArtifactSave reads the file, derives the content id, and persists the
// record plus its search body. Saving bytes already in the store updates
// title and description only. Files beyond the configured cap are refused.
func (s *Store) ArtifactSave(ctx context.Context, filePath, title, description string) (string, error) {
	if !filepath.IsAbs(filePath) {
		return "", fmt.Errorf("file_path must be absolute: %w", ErrBadRequest)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("file %s: %v: %w", filePath, err, ErrBadRequest)
	}
	if info.Size() > s.maxArtifactBytes {
		return "", fmt.Errorf("file %s exceeds %d bytes: %w", filePath, s.maxArtifactBytes, ErrBadRequest)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("file %s: %v: %w", filePath, err, ErrBadRequest)
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])[:artifactIDLen]

	var exists int64
	err = s.do(ctx, func() error {
		var err error
		exists, err = s.rdb.Exists(ctx, artKey(id)).Result()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("artifact save: %w", err)
	}

	if exists > 0 {
		err = s.do(ctx, func() error {
			_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, artKey(id), "title", title, "description", description)
				return nil
			})
			return err
		})
		if err != nil {
			return "", fmt.Errorf("artifact save: %w", err)
		}
		if err := s.writeArtifactSearchBody(ctx, id); err != nil {
			return "", err
		}
		s.emit("artifact", id)
		return id, nil
	}

	mimeHint := http.DetectContentType(data)
	extracted := ""
	if s.extract != nil {
		extracted = s.extract(data, mimeHint)
	}

	art := Artifact{
		ID:            id,
		FilePath:      filePath,
		Title:         title,
		Description:   description,
		ExtractedText: extracted,
		MimeHint:      mimeHint,
		SizeBytes:     int64(len(data)),
		CreatedAt:     nowMillis(),
	}
	err = s.do(ctx, func() error {
		_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, artKey(id),
				"id", art.ID,
				"file_path", art.FilePath,
				"title", art.Title,
				"description", art.Description,
				"extracted_text", art.ExtractedText,
				"mime_hint", art.MimeHint,
				"size_bytes", art.SizeBytes,
				"created_at", art.CreatedAt,
			)
			pipe.Set(ctx, searchArtKey(id), artifactSearchBody(art), 0)
			pipe.ZAdd(ctx, keyAllArtifacts, redis.Z{Score: float64(art.CreatedAt), Member: id})
			return nil
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("artifact save: %w", err)
	}
	s.emit("artifact", id)
	return id, nil
}

func artifactSearchBody(a Artifact) string {
	return strings.ToLower(a.Title + "\n" + a.Description + "\n" + a.ExtractedText)
}

func (s *Store) writeArtifactSearchBody(ctx context.Context, id string) error {
	art, err := s.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		return s.rdb.Set(ctx, searchArtKey(id), artifactSearchBody(art), 0).Err()
	})
	if err != nil {
		return fmt.Errorf("artifact search body: %w", err)
	}
	return nil
}

// GetArtifact loads an artifact record.
func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	var fields map[string]string
	err := s.do(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, artKey(id)).Result()
		return err
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	if len(fields) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	size, _ := strconv.ParseInt(fields["size_bytes"], 10, 64)
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return Artifact{
		ID:            fields["id"],
		FilePath:      fields["file_path"],
		Title:         fields["title"],
		Description:   fields["description"],
		ExtractedText: fields["extracted_text"],
		MimeHint:      fields["mime_hint"],
		SizeBytes:     size,
		CreatedAt:     created,
	}, nil
}

// ListArtifacts returns all artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var ids []string
	err := s.do(ctx, func() error {
		var err error
		ids, err = s.rdb.ZRevRange(ctx, keyAllArtifacts, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]Artifact, 0, len(ids))
	for _, id := range ids {
		art, err := s.GetArtifact(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// ArtifactDelete removes an artifact and its search body, index first.
func (s *Store) ArtifactDelete(ctx context.Context, id string) error {
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return err
	}
	err := s.do(ctx, func() error {
		return s.rdb.ZRem(ctx, keyAllArtifacts, id).Err()
	})
	if err != nil {
		return fmt.Errorf("artifact delete: %w", err)
	}
	err = s.do(ctx, func() error {
		return s.rdb.Del(ctx, artKey(id), searchArtKey(id)).Err()
	})
	if err != nil {
		return fmt.Errorf("artifact delete: %w", err)
	}
	s.emit("artifact", id)
	return nil
}
