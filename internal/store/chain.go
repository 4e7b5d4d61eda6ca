package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Link is one checkpoint within a chain.
type Link struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// ChainInfo summarizes a chain for listings.
type ChainInfo struct {
	Name      string `json:"name"`
	LinkCount int64  `json:"link_count"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

const maxSlugProbes = 1000

// ChainLink appends a checkpoint to the named chain, creating the chain on
// first use. Slug collisions resolve to the lowest unused numeric suffix
// (jwt, jwt-2, jwt-3, ...). Returns the slug actually used.
//
// The search body key doubles as the slug reservation: SETNX on it is the
// atomic claim, so two concurrent writers with the same slug cannot both
// win the bare name.
func (s *Store) ChainLink(ctx context.Context, name, slug, content string) (string, error) {
	if name == "" || slug == "" {
		return "", fmt.Errorf("chain name and slug are required: %w", ErrBadRequest)
	}
	ts := nowMillis()
	body := strings.ToLower(content)

	used := ""
	for i := 1; i <= maxSlugProbes; i++ {
		candidate := slug
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		var ok bool
		err := s.do(ctx, func() error {
			var err error
			ok, err = s.rdb.SetNX(ctx, searchChainKey(name, candidate), body, 0).Result()
			return err
		})
		if err != nil {
			return "", fmt.Errorf("chain link: reserve slug: %w", err)
		}
		if ok {
			used = candidate
			break
		}
	}
	if used == "" {
		return "", fmt.Errorf("chain %s: no free slug for %q: %w", name, slug, ErrConflict)
	}

	entry, err := json.Marshal(Link{Slug: used, Content: content, TS: ts})
	if err != nil {
		return "", fmt.Errorf("chain link: encode: %w", err)
	}
	err = s.do(ctx, func() error {
		_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, chainLinksKey(name), entry)
			pipe.HSetNX(ctx, chainKey(name), "created_at", ts)
			pipe.HSet(ctx, chainKey(name), "updated_at", ts)
			pipe.HIncrBy(ctx, chainKey(name), "link_count", 1)
			pipe.SAdd(ctx, keyAllChains, name)
			return nil
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("chain link: %w", err)
	}
	s.emit("chain", name)
	return used, nil
}

// ChainLoad returns the chain's links newest first, along with the total
// link count. limit <= 0 means all remaining links.
func (s *Store) ChainLoad(ctx context.Context, name string, limit, offset int) ([]Link, int, error) {
	raw, err := s.listRange(ctx, chainLinksKey(name))
	if err != nil {
		return nil, 0, fmt.Errorf("chain load: %w", err)
	}
	if len(raw) == 0 {
		return nil, 0, fmt.Errorf("chain %s: %w", name, ErrNotFound)
	}
	links := make([]Link, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var l Link
		if err := json.Unmarshal([]byte(raw[i]), &l); err == nil {
			links = append(links, l)
		}
	}
	total := len(links)
	if offset >= total {
		return []Link{}, total, nil
	}
	links = links[offset:]
	if limit > 0 && limit < len(links) {
		links = links[:limit]
	}
	return links, total, nil
}

// ChainList returns every chain, most recently updated first.
func (s *Store) ChainList(ctx context.Context) ([]ChainInfo, error) {
	var names []string
	err := s.do(ctx, func() error {
		var err error
		names, err = s.rdb.SMembers(ctx, keyAllChains).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain list: %w", err)
	}
	out := make([]ChainInfo, 0, len(names))
	for _, name := range names {
		info, err := s.chainInfo(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *Store) chainInfo(ctx context.Context, name string) (ChainInfo, error) {
	var fields map[string]string
	err := s.do(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, chainKey(name)).Result()
		return err
	})
	if err != nil {
		return ChainInfo{}, err
	}
	if len(fields) == 0 {
		return ChainInfo{}, fmt.Errorf("chain %s: %w", name, ErrNotFound)
	}
	count, _ := strconv.ParseInt(fields["link_count"], 10, 64)
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return ChainInfo{Name: name, LinkCount: count, CreatedAt: created, UpdatedAt: updated}, nil
}

// ChainDelete removes a chain, its links, and its search bodies. The index
// entry goes first so readers never find a dangling name.
func (s *Store) ChainDelete(ctx context.Context, name string) error {
	if _, err := s.chainInfo(ctx, name); err != nil {
		return err
	}
	err := s.do(ctx, func() error {
		return s.rdb.SRem(ctx, keyAllChains, name).Err()
	})
	if err != nil {
		return fmt.Errorf("chain delete: %w", err)
	}
	keys, err := s.scanKeys(ctx, searchChainKey(name, "*"))
	if err != nil {
		return fmt.Errorf("chain delete: scan: %w", err)
	}
	keys = append(keys, chainLinksKey(name), chainKey(name))
	err = s.do(ctx, func() error {
		return s.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("chain delete: %w", err)
	}
	s.emit("chain", name)
	return nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		var batch []string
		err := s.do(ctx, func() error {
			var err error
			batch, cursor, err = s.rdb.Scan(ctx, cursor, pattern, 100).Result()
			return err
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}
