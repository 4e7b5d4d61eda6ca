// Package store is the typed facade over the Redis backend. It owns every
// persistent mutation: sessions, hook/message logs, questions, chains,
// artifacts, and the search bodies maintained alongside them. All other
// components read and write through this package; nothing else touches the
// keyspace directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Boundary error kinds. Handlers classify with errors.Is and map these to
// transport status codes.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBadRequest         = errors.New("bad request")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

const (
	defaultPoolSize         = 8
	defaultMappingTTL       = 24 * time.Hour
	defaultMaxArtifactBytes = 50 << 20
	retryBackoff            = 100 * time.Millisecond
)

// Extractor turns raw file bytes into searchable text. Returning "" is
// always acceptable; artifact saves never fail on extraction.
type Extractor func(data []byte, mimeHint string) string

// Options configures a Store. Client is required; everything else has a
// usable zero-value default.
type Options struct {
	Client           *redis.Client
	Logger           *zap.Logger
	Extract          Extractor
	Notify           func(kind, id string) // event-bus hook, may be nil
	MappingTTL       time.Duration
	MaxArtifactBytes int64
}

// Store wraps the Redis client. Safe for concurrent use; the client's
// connection pool is the only shared resource.
type Store struct {
	rdb              *redis.Client
	log              *zap.Logger
	extract          Extractor
	notify           func(kind, id string)
	mappingTTL       time.Duration
	maxArtifactBytes int64
}

// New builds a Store around an existing client (tests hand in a miniredis
// client here).
func New(opts Options) *Store {
	s := &Store{
		rdb:              opts.Client,
		log:              opts.Logger,
		extract:          opts.Extract,
		notify:           opts.Notify,
		mappingTTL:       opts.MappingTTL,
		maxArtifactBytes: opts.MaxArtifactBytes,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.mappingTTL <= 0 {
		s.mappingTTL = defaultMappingTTL
	}
	if s.maxArtifactBytes <= 0 {
		s.maxArtifactBytes = defaultMaxArtifactBytes
	}
	return s
}

// Open connects to the Redis URL, verifies the connection, and returns a
// Store. The pool size defaults to 8 connections.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ropts.PoolSize == 0 {
		ropts.PoolSize = defaultPoolSize
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	opts.Client = client
	return New(opts), nil
}

// Client exposes the shared Redis client so the rendezvous layer can
// subscribe on the same backend the store publishes to.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, func() error { return s.rdb.Ping(ctx).Err() })
}

// --- Keyspace ---

func sessKey(id string) string        { return "sess:" + id }
func claudeKey(csid string) string    { return "sess:claude:" + csid }
func hooksKey(id string) string       { return sessKey(id) + ":hooks" }
func msgsKey(id string) string        { return sessKey(id) + ":msgs" }
func pendingKey(id string) string     { return sessKey(id) + ":pending" }
func questionKey(qid string) string   { return "q:" + qid }
func chainKey(name string) string     { return "chain:" + name }
func chainLinksKey(name string) string { return chainKey(name) + ":links" }
func artKey(id string) string         { return "art:" + id }

func searchChainKey(name, slug string) string { return "search:chain:" + name + ":" + slug }
func searchArtKey(id string) string           { return "search:art:" + id }

const (
	keyActiveSessions = "sess:active"
	keyAllSessions    = "sess:all"
	keyPendingGlobal  = "q:pending"
	keyAllChains      = "chains:all"
	keyAllArtifacts   = "arts:all"
)

// AnswerChannel is the pub/sub channel carrying terminal transitions for a
// question. The store publishes on it after every answer or expiry so
// waiters in other processes wake up.
func AnswerChannel(qid string) string { return "answers:" + qid }

// --- Backend retry ---

// do runs fn, retrying once after a short backoff when the failure looks
// transient. Persistent failure surfaces as ErrBackendUnavailable.
func (s *Store) do(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err = fn(); err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return err
	}
	return nil
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed)
}

func (s *Store) emit(kind, id string) {
	if s.notify != nil {
		s.notify(kind, id)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
