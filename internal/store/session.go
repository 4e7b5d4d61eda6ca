package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Session statuses.
const (
	StatusActive = "active"
	StatusDone   = "done"
)

// Session is one agent run. Once done it stays queryable forever; the
// status never transitions back.
type Session struct {
	ID        string `json:"id"`
	Agent     string `json:"agent"`
	Cwd       string `json:"cwd"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	Summary   string `json:"summary,omitempty"`
}

// HookEvent is one entry in a session's append-only hook log. Seq is
// assigned server-side and is gap-free per session.
type HookEvent struct {
	Seq  int64           `json:"seq"`
	Kind string          `json:"kind"`
	Task string          `json:"task"`
	Meta json.RawMessage `json:"meta,omitempty"`
	TS   int64           `json:"ts"`
}

// Message is one entry in a session's append-only message log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// appendScript guards the append-only logs: it refuses once the session is
// done and assigns the gap-free sequence number in the same atomic step.
// ARGV[2]=="1" injects the sequence into the stored entry.
var appendScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -2 end
if st == 'done' then return -1 end
local e = cjson.decode(ARGV[1])
local seq = redis.call('LLEN', KEYS[2]) + 1
if ARGV[2] == '1' then e.seq = seq end
redis.call('RPUSH', KEYS[2], cjson.encode(e))
return seq
`)

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// CreateSession writes a new session record and its indexes. The returned
// id is a 128-bit random hex string.
func (s *Store) CreateSession(ctx context.Context, agent, cwd, name string) (Session, error) {
	sess := Session{
		ID:        newSessionID(),
		Agent:     agent,
		Cwd:       cwd,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: nowMillis(),
	}
	err := s.do(ctx, func() error {
		_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessKey(sess.ID),
				"id", sess.ID,
				"agent", sess.Agent,
				"cwd", sess.Cwd,
				"name", sess.Name,
				"status", sess.Status,
				"created_at", sess.CreatedAt,
			)
			pipe.SAdd(ctx, keyActiveSessions, sess.ID)
			pipe.ZAdd(ctx, keyAllSessions, redis.Z{Score: float64(sess.CreatedAt), Member: sess.ID})
			return nil
		})
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.emit("session", sess.ID)
	return sess, nil
}

// StartSession resolves a claude session id to a tinymem session, reusing
// the mapped session while the mapping TTL holds and the session is still
// active. Otherwise it creates a fresh session and rewrites the mapping.
func (s *Store) StartSession(ctx context.Context, claudeSID, agent, cwd string) (Session, error) {
	var mapped string
	err := s.do(ctx, func() error {
		v, err := s.rdb.Get(ctx, claudeKey(claudeSID)).Result()
		if err == redis.Nil {
			return nil
		}
		mapped = v
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	if mapped != "" {
		sess, err := s.GetSession(ctx, mapped)
		if err == nil && sess.Status == StatusActive {
			_ = s.rdb.Expire(ctx, claudeKey(claudeSID), s.mappingTTL).Err()
			return sess, nil
		}
	}
	sess, err := s.CreateSession(ctx, agent, cwd, "")
	if err != nil {
		return Session{}, err
	}
	err = s.do(ctx, func() error {
		return s.rdb.Set(ctx, claudeKey(claudeSID), sess.ID, s.mappingTTL).Err()
	})
	if err != nil {
		return Session{}, fmt.Errorf("start session: map: %w", err)
	}
	return sess, nil
}

// GetSession loads a session record.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var fields map[string]string
	err := s.do(ctx, func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, sessKey(id)).Result()
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessionFromFields(fields), nil
}

func sessionFromFields(f map[string]string) Session {
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)
	return Session{
		ID:        f["id"],
		Agent:     f["agent"],
		Cwd:       f["cwd"],
		Name:      f["name"],
		Status:    f["status"],
		CreatedAt: created,
		Summary:   f["summary"],
	}
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var ids []string
	err := s.do(ctx, func() error {
		var err error
		ids, err = s.rdb.ZRevRange(ctx, keyAllSessions, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			continue // index may briefly lead the record on deletion
		}
		out = append(out, sess)
	}
	return out, nil
}

// ActiveSessions returns the sessions currently marked active, newest first.
func (s *Store) ActiveSessions(ctx context.Context) ([]Session, error) {
	var ids []string
	err := s.do(ctx, func() error {
		var err error
		ids, err = s.rdb.SMembers(ctx, keyActiveSessions).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// MarkDone transitions a session to done and expires every question still
// pending on it, publishing each expiry so waiters return promptly.
// Calling it on an already-done session is a no-op that still returns nil.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	err := s.do(ctx, func() error {
		_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, sessKey(id), "status", StatusDone)
			pipe.SRem(ctx, keyActiveSessions, id)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}

	var qids []string
	err = s.do(ctx, func() error {
		var err error
		qids, err = s.rdb.SMembers(ctx, pendingKey(id)).Result()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark done: pending: %w", err)
	}
	for _, qid := range qids {
		if _, _, err := s.ExpireQuestion(ctx, qid); err != nil {
			s.log.Error("expire pending question on done", zap.String("qid", qid), zap.Error(err))
		}
	}
	s.emit("session", id)
	return nil
}

// SetSummary stores the agent-provided summary text on the session record.
// Allowed on done sessions; summaries typically arrive at shutdown.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	err := s.do(ctx, func() error {
		return s.rdb.HSet(ctx, sessKey(id), "summary", summary).Err()
	})
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	s.emit("session", id)
	return nil
}

// AppendHook appends a hook event to the session log and returns its
// gap-free sequence number. Refused once the session is done.
func (s *Store) AppendHook(ctx context.Context, id, kind, task string, meta json.RawMessage) (int64, error) {
	entry, err := json.Marshal(HookEvent{Kind: kind, Task: task, Meta: meta, TS: nowMillis()})
	if err != nil {
		return 0, fmt.Errorf("append hook: encode: %w", err)
	}
	seq, err := s.appendEntry(ctx, id, hooksKey(id), entry, true)
	if err != nil {
		return 0, fmt.Errorf("append hook: %w", err)
	}
	s.emit("hook", id)
	return seq, nil
}

// AppendMsg appends a message to the session log. Refused once the session
// is done.
func (s *Store) AppendMsg(ctx context.Context, id, role, content string) error {
	entry, err := json.Marshal(Message{Role: role, Content: content, TS: nowMillis()})
	if err != nil {
		return fmt.Errorf("append msg: encode: %w", err)
	}
	if _, err := s.appendEntry(ctx, id, msgsKey(id), entry, false); err != nil {
		return fmt.Errorf("append msg: %w", err)
	}
	s.emit("msg", id)
	return nil
}

func (s *Store) appendEntry(ctx context.Context, sessionID, listKey string, entry []byte, withSeq bool) (int64, error) {
	seqFlag := "0"
	if withSeq {
		seqFlag = "1"
	}
	var n int64
	err := s.do(ctx, func() error {
		res, err := appendScript.Run(ctx, s.rdb, []string{sessKey(sessionID), listKey}, string(entry), seqFlag).Int64()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, err
	}
	switch n {
	case -2:
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	case -1:
		return 0, fmt.Errorf("session %s is done: %w", sessionID, ErrConflict)
	}
	return n, nil
}

// Hooks returns the session's hook log in append order.
func (s *Store) Hooks(ctx context.Context, id string) ([]HookEvent, error) {
	raw, err := s.listRange(ctx, hooksKey(id))
	if err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}
	out := make([]HookEvent, 0, len(raw))
	for _, item := range raw {
		var h HookEvent
		if err := json.Unmarshal([]byte(item), &h); err == nil {
			out = append(out, h)
		}
	}
	return out, nil
}

// Messages returns the session's message log in append order.
func (s *Store) Messages(ctx context.Context, id string) ([]Message, error) {
	raw, err := s.listRange(ctx, msgsKey(id))
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) listRange(ctx context.Context, key string) ([]string, error) {
	var raw []string
	err := s.do(ctx, func() error {
		var err error
		raw, err = s.rdb.LRange(ctx, key, 0, -1).Result()
		return err
	})
	return raw, err
}
