// Package rendezvous joins an agent's blocking ask with a human's answer.
// The persistent question record lives in the store; this package owns only
// the in-process waiter table plus the Redis subscription that lets answers
// written by another process wake a local waiter. The in-process signal is
// a latency optimization — the stored record is always re-read before a
// waiter returns.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/store"
)

// ErrExpired is returned when an ask times out or its session ends before
// an answer arrives.
var ErrExpired = errors.New("question expired")

const (
	// DefaultAskTimeout is the server-side deadline for an ask when New is
	// given no positive timeout.
	DefaultAskTimeout = 300 * time.Second
	sweepInterval     = time.Second
)

// Rendezvous coordinates blocking asks. Safe for concurrent use.
type Rendezvous struct {
	store      *store.Store
	rdb        *redis.Client
	log        *zap.Logger
	askTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan string
}

// New creates a Rendezvous. The client must point at the same backend as
// the store so cross-process publishes arrive.
func New(st *store.Store, rdb *redis.Client, log *zap.Logger, askTimeout time.Duration) *Rendezvous {
	if log == nil {
		log = zap.NewNop()
	}
	if askTimeout <= 0 {
		askTimeout = DefaultAskTimeout
	}
	return &Rendezvous{
		store:      st,
		rdb:        rdb,
		log:        log,
		askTimeout: askTimeout,
		waiters:    make(map[string]chan string),
	}
}

// Ask creates a question for the session and blocks until a human answers,
// the deadline passes, or the session is marked done. A disconnecting
// caller (ctx cancellation) does NOT expire the question; it stays pending
// for the TUI.
func (r *Rendezvous) Ask(ctx context.Context, sessionID, question string) (string, error) {
	q, err := r.store.CreateQuestion(ctx, sessionID, question)
	if err != nil {
		return "", err
	}

	signal := make(chan string, 1)
	r.mu.Lock()
	r.waiters[q.ID] = signal
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, q.ID)
		r.mu.Unlock()
	}()

	// Answers delivered by another process arrive here.
	sub := r.rdb.Subscribe(ctx, store.AnswerChannel(q.ID))
	defer sub.Close() //nolint:errcheck

	timer := time.NewTimer(r.askTimeout)
	defer timer.Stop()

	for {
		select {
		case <-signal:
		case <-sub.Channel():
		case <-timer.C:
			return r.expire(ctx, q.ID)
		case <-ctx.Done():
			return "", ctx.Err()
		}

		// The signal payload is a hint; the stored record is authoritative.
		got, err := r.store.GetQuestion(ctx, q.ID)
		if err != nil {
			return "", err
		}
		switch got.State {
		case store.QuestionAnswered:
			return got.Answer, nil
		case store.QuestionExpired:
			return "", fmt.Errorf("question %s: %w", q.ID, ErrExpired)
		}
		// Spurious wake; keep waiting.
	}
}

func (r *Rendezvous) expire(ctx context.Context, qid string) (string, error) {
	q, _, err := r.store.ExpireQuestion(ctx, qid)
	if err != nil {
		return "", err
	}
	// A racing answer wins over the timeout.
	if q.State == store.QuestionAnswered {
		return q.Answer, nil
	}
	return "", fmt.Errorf("question %s: %w", qid, ErrExpired)
}

// Deliver persists an answer and wakes the waiter. Idempotent: delivering
// to an already-terminal question returns the stored answer unchanged.
func (r *Rendezvous) Deliver(ctx context.Context, qid, answer string) (string, error) {
	q, changed, err := r.store.AnswerQuestion(ctx, qid, answer)
	if err != nil {
		return "", err
	}
	if changed {
		r.signal(qid, q.Answer)
	}
	return q.Answer, nil
}

// signal wakes the local waiter for qid, if any. Non-blocking: the channel
// is buffered and a waiter that already left simply never reads it.
func (r *Rendezvous) signal(qid, payload string) {
	r.mu.Lock()
	ch, ok := r.waiters[qid]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Sweep periodically expires pending questions that outlived the ask
// deadline. It is the safety net for waiters whose in-process signal or
// subscription was lost (e.g. across a server restart). Blocks until ctx
// is cancelled.
func (r *Rendezvous) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		qids, err := r.store.OverduePending(ctx, r.askTimeout)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("expiry sweep", zap.Error(err))
			}
			continue
		}
		for _, qid := range qids {
			if _, _, err := r.store.ExpireQuestion(ctx, qid); err != nil {
				r.log.Error("sweep expire", zap.String("qid", qid), zap.Error(err))
			}
		}
	}
}

// DrainPending expires every pending question. Used during orderly
// shutdown so open asks return instead of hanging until the deadline.
func (r *Rendezvous) DrainPending(ctx context.Context) {
	pending, err := r.store.PendingQuestions(ctx)
	if err != nil {
		r.log.Error("drain pending", zap.Error(err))
		return
	}
	for _, q := range pending {
		if _, _, err := r.store.ExpireQuestion(ctx, q.ID); err != nil {
			r.log.Error("drain expire", zap.String("qid", q.ID), zap.Error(err))
		}
		r.signal(q.ID, store.QuestionExpired)
	}
}
