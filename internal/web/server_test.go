package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/config"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

const testToken = "test-token"

type testEnv struct {
	srv   *Server
	store *store.Store
	rdv   *rendezvous.Rendezvous
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithTimeout(t, 30*time.Second)
}

func newTestEnvWithTimeout(t *testing.T, askTimeout time.Duration) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(store.Options{Client: rdb, Logger: zap.NewNop()})
	rdv := rendezvous.New(st, rdb, zap.NewNop(), askTimeout)
	cfg := &config.Config{Port: 0, Token: testToken}
	return &testEnv{
		srv:   New(cfg, st, rdv, zap.NewNop()),
		store: st,
		rdv:   rdv,
	}
}

// request performs an authenticated request against the mux.
func (e *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createSession(t *testing.T, e *testEnv) string {
	t.Helper()
	w := e.request(t, "POST", "/session", `{"agent":"claude-code","cwd":"/tmp/w"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", w.Code, w.Body.String())
	}
	return decodeBody[idResponse](t, w).ID
}

// --- Auth ---

func TestMissingTokenUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/session", nil)
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWrongTokenUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/session", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHealthzNeedsNoToken(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	e.srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// --- Sessions ---

func TestCreateAndGetSession(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	w := e.request(t, "GET", "/session/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get session: %d", w.Code)
	}
	sess := decodeBody[store.Session](t, w)
	if sess.ID != id || sess.Agent != "claude-code" || sess.Status != "active" {
		t.Fatalf("unexpected record: %+v", sess)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.request(t, "GET", "/session/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e)
	createSession(t, e)

	w := e.request(t, "GET", "/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions: %d", w.Code)
	}
	sessions := decodeBody[[]store.Session](t, w)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestMalformedJSONBadRequest(t *testing.T) {
	e := newTestEnv(t)

	w := e.request(t, "POST", "/session", `{"agent":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	e := newTestEnv(t)

	w := e.request(t, "POST", "/session", `{"agent":"a","cwd":"/c","surprise":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unknown fields must be ignored, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartReusesMapping(t *testing.T) {
	e := newTestEnv(t)

	body := `{"claude_session_id":"cs-1","agent":"claude-code","cwd":"/tmp"}`
	a := decodeBody[idResponse](t, e.request(t, "POST", "/start", body))
	b := decodeBody[idResponse](t, e.request(t, "POST", "/start", body))
	if a.ID != b.ID {
		t.Fatalf("expected same session, got %s and %s", a.ID, b.ID)
	}
}

func TestDoneIdempotent(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	for i := 0; i < 2; i++ {
		w := e.request(t, "POST", "/session/"+id+"/done", "")
		if w.Code != http.StatusOK {
			t.Fatalf("done call %d: %d", i+1, w.Code)
		}
	}

	w := e.request(t, "GET", "/session/"+id, "")
	if decodeBody[store.Session](t, w).Status != "done" {
		t.Fatal("session should stay done")
	}
}

// --- Hooks and messages ---

func TestHookSequence(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	for i := 1; i <= 3; i++ {
		w := e.request(t, "POST", "/session/"+id+"/hook", `{"kind":"pre","task":"Bash","meta":{"cmd":"ls"}}`)
		if w.Code != http.StatusOK {
			t.Fatalf("hook %d: %d %s", i, w.Code, w.Body.String())
		}
		if seq := decodeBody[seqResponse](t, w).Seq; seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestHookOnDoneSessionConflict(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)
	e.request(t, "POST", "/session/"+id+"/done", "")

	w := e.request(t, "POST", "/session/"+id+"/hook", `{"kind":"post","task":"Edit"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestHookInvalidKind(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	w := e.request(t, "POST", "/session/"+id+"/hook", `{"kind":"during","task":"Bash"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMsgEndpoint(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	w := e.request(t, "POST", "/session/"+id+"/msg", `{"role":"assistant","content":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("msg: %d", w.Code)
	}
	if !decodeBody[okResponse](t, w).OK {
		t.Fatal("expected ok response")
	}
}

func TestSummaryRawBody(t *testing.T) {
	e := newTestEnv(t)
	id := createSession(t, e)

	w := e.request(t, "POST", "/session/"+id+"/summary", "shipped the fix, tests green")
	if w.Code != http.StatusOK {
		t.Fatalf("summary: %d", w.Code)
	}

	sess, err := e.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Summary != "shipped the fix, tests green" {
		t.Fatalf("summary mismatch: %q", sess.Summary)
	}
}
