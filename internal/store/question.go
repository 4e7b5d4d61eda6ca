package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Question states.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
	QuestionExpired  = "expired"
)

// Question is the rendezvous entity. It transitions pending -> answered or
// pending -> expired exactly once; after that the record is immutable.
type Question struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Question   string `json:"question"`
	CreatedAt  int64  `json:"created_at"`
	State      string `json:"state"`
	Answer     string `json:"answer,omitempty"`
	AnsweredAt int64  `json:"answered_at,omitempty"`
}

// createQuestionScript refuses questions on done sessions and writes the
// record plus both pending indexes in one atomic step.
var createQuestionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -2 end
if st == 'done' then return -1 end
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'session_id', ARGV[2], 'question', ARGV[3], 'created_at', ARGV[4], 'state', 'pending')
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// terminalScript performs the single pending -> terminal transition. When
// the question is already terminal it returns the stored state and answer
// unchanged so callers stay idempotent.
var terminalScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if not st then return {'missing', ''} end
if st ~= 'pending' then return {st, redis.call('HGET', KEYS[1], 'answer') or ''} end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'answer', ARGV[3], 'answered_at', ARGV[4])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {ARGV[2], ARGV[3], 'changed'}
`)

// CreateQuestion writes a pending question for the session. Fails with
// ErrConflict when the session is already done.
func (s *Store) CreateQuestion(ctx context.Context, sessionID, text string) (Question, error) {
	q := Question{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Question:  text,
		CreatedAt: nowMillis(),
		State:     QuestionPending,
	}
	var res int64
	err := s.do(ctx, func() error {
		n, err := createQuestionScript.Run(ctx, s.rdb,
			[]string{sessKey(sessionID), questionKey(q.ID), pendingKey(sessionID), keyPendingGlobal},
			q.ID, q.SessionID, q.Question, q.CreatedAt,
		).Int64()
		if err != nil {
			return err
		}
		res = n
		return nil
	})
	if err != nil {
		return Question{}, fmt.Errorf("create question: %w", err)
	}
	switch res {
	case -2:
		return Question{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	case -1:
		return Question{}, fmt.Errorf("session %s is done: %w", sessionID, ErrConflict)
	}
	s.emit("question", q.ID)
	return q, nil
}

// AnswerQuestion transitions the question to answered. The bool reports
// whether this call performed the transition; when false the returned
// record carries the pre-existing terminal state and answer.
func (s *Store) AnswerQuestion(ctx context.Context, qid, answer string) (Question, bool, error) {
	return s.terminate(ctx, qid, QuestionAnswered, answer)
}

// ExpireQuestion transitions the question to expired. Same idempotence
// shape as AnswerQuestion: a racing answer wins and is returned.
func (s *Store) ExpireQuestion(ctx context.Context, qid string) (Question, bool, error) {
	return s.terminate(ctx, qid, QuestionExpired, "")
}

func (s *Store) terminate(ctx context.Context, qid, state, answer string) (Question, bool, error) {
	q, err := s.GetQuestion(ctx, qid)
	if err != nil {
		return Question{}, false, err
	}
	var reply []interface{}
	err = s.do(ctx, func() error {
		res, err := terminalScript.Run(ctx, s.rdb,
			[]string{questionKey(qid), keyPendingGlobal, pendingKey(q.SessionID)},
			qid, state, answer, nowMillis(),
		).Slice()
		if err != nil {
			return err
		}
		reply = res
		return nil
	})
	if err != nil {
		return Question{}, false, fmt.Errorf("terminate question: %w", err)
	}
	gotState, _ := reply[0].(string)
	if gotState == "missing" {
		return Question{}, false, fmt.Errorf("question %s: %w", qid, ErrNotFound)
	}
	changed := len(reply) > 2
	q, err = s.GetQuestion(ctx, qid)
	if err != nil {
		return Question{}, false, err
	}
	if changed {
		// Wake waiters in every process, then the local TUI.
		err = s.do(ctx, func() error {
			return s.rdb.Publish(ctx, AnswerChannel(qid), q.State).Err()
		})
		if err != nil {
			s.log.Error("publish answer", zap.String("qid", qid), zap.Error(err))
		}
		s.emit("question", qid)
	}
	return q, changed, nil
}

// GetQuestion loads a question record.
func (s *Store) GetQuestion(ctx context.Context, qid string) (Question, error) {
	var fields map[string]string
	err := s.do(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, questionKey(qid)).Result()
		return err
	})
	if err != nil {
		return Question{}, fmt.Errorf("get question: %w", err)
	}
	if len(fields) == 0 {
		return Question{}, fmt.Errorf("question %s: %w", qid, ErrNotFound)
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	answered, _ := strconv.ParseInt(fields["answered_at"], 10, 64)
	return Question{
		ID:         fields["id"],
		SessionID:  fields["session_id"],
		Question:   fields["question"],
		CreatedAt:  created,
		State:      fields["state"],
		Answer:     fields["answer"],
		AnsweredAt: answered,
	}, nil
}

// PendingQuestions returns every pending question in creation order, ties
// broken by qid (the sorted set orders equal scores lexicographically).
func (s *Store) PendingQuestions(ctx context.Context) ([]Question, error) {
	var qids []string
	err := s.do(ctx, func() error {
		var err error
		qids, err = s.rdb.ZRange(ctx, keyPendingGlobal, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pending questions: %w", err)
	}
	out := make([]Question, 0, len(qids))
	for _, qid := range qids {
		q, err := s.GetQuestion(ctx, qid)
		if err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// OverduePending returns ids of pending questions created before the
// deadline window. The expiry sweeper feeds these to ExpireQuestion.
func (s *Store) OverduePending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := nowMillis() - olderThan.Milliseconds()
	var qids []string
	err := s.do(ctx, func() error {
		var err error
		qids, err = s.rdb.ZRangeByScore(ctx, keyPendingGlobal, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("overdue pending: %w", err)
	}
	return qids, nil
}
