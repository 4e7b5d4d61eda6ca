package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *store.Store, *rendezvous.Rendezvous) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(store.Options{Client: rdb, Logger: zap.NewNop()})
	rdv := rendezvous.New(st, rdb, zap.NewNop(), 30*time.Second)
	return NewServer(st, rdv, zap.NewNop()), st, rdv
}

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

func createSession(t *testing.T, st *store.Store) store.Session {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), "claude-code", "/tmp", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// --- Tests ---

func TestToolListComplete(t *testing.T) {
	s, _, _ := newTestServer(t)

	names := map[string]bool{}
	for _, tool := range s.tools() {
		names[tool.Tool.Name] = true
	}
	for _, want := range []string{
		"tinymem_ask", "tinymem_msg", "tinymem_chain_link", "tinymem_chain_load",
		"tinymem_chain_list", "tinymem_chain_search", "tinymem_artifact_save",
		"tinymem_search", "tinymem_get",
	} {
		if !names[want] {
			t.Fatalf("missing tool %s", want)
		}
	}
}

func TestMsgTool(t *testing.T) {
	s, st, _ := newTestServer(t)
	sess := createSession(t, st)

	result, err := s.handleMsg(context.Background(), makeRequest("tinymem_msg", map[string]any{
		"session_id": sess.ID,
		"role":       "assistant",
		"content":    "checkpoint reached",
	}))
	if err != nil {
		t.Fatalf("handleMsg: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}

	msgs, err := st.Messages(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "checkpoint reached" {
		t.Fatalf("message not stored: %+v", msgs)
	}
}

func TestMsgToolSessionFallback(t *testing.T) {
	s, st, _ := newTestServer(t)
	sess := createSession(t, st)
	s.sessionID = sess.ID

	result, err := s.handleMsg(context.Background(), makeRequest("tinymem_msg", map[string]any{
		"role":    "assistant",
		"content": "implicit session",
	}))
	if err != nil {
		t.Fatalf("handleMsg: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
}

func TestMsgToolMissingSession(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleMsg(context.Background(), makeRequest("tinymem_msg", map[string]any{
		"role":    "assistant",
		"content": "no session anywhere",
	}))
	if err != nil {
		t.Fatalf("handleMsg: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error without a session id")
	}
}

func TestChainTools(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleChainLink(ctx, makeRequest("tinymem_chain_link", map[string]any{
		"chain_name": "auth",
		"slug":       "jwt",
		"content":    "use RS256",
	}))
	if err != nil {
		t.Fatalf("handleChainLink: %v", err)
	}
	var linkResp map[string]string
	if err := json.Unmarshal([]byte(resultText(t, result)), &linkResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if linkResp["slug_used"] != "jwt" {
		t.Fatalf("unexpected slug: %v", linkResp)
	}

	result, err = s.handleChainLoad(ctx, makeRequest("tinymem_chain_load", map[string]any{
		"chain_name": "auth",
	}))
	if err != nil {
		t.Fatalf("handleChainLoad: %v", err)
	}
	if !strings.Contains(resultText(t, result), "use RS256") {
		t.Fatalf("load missing content: %s", resultText(t, result))
	}

	result, err = s.handleChainList(ctx, makeRequest("tinymem_chain_list", nil))
	if err != nil {
		t.Fatalf("handleChainList: %v", err)
	}
	if !strings.Contains(resultText(t, result), "auth") {
		t.Fatalf("list missing chain: %s", resultText(t, result))
	}

	result, err = s.handleChainSearch(ctx, makeRequest("tinymem_chain_search", map[string]any{
		"query": "auht",
	}))
	if err != nil {
		t.Fatalf("handleChainSearch: %v", err)
	}
	if !strings.Contains(resultText(t, result), "auth") {
		t.Fatalf("fuzzy search missed: %s", resultText(t, result))
	}
}

func TestChainLoadMissingIsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	result, err := s.handleChainLoad(context.Background(), makeRequest("tinymem_chain_load", map[string]any{
		"chain_name": "ghost",
	}))
	if err != nil {
		t.Fatalf("handleChainLoad: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(resultText(t, result), "-32002") {
		t.Fatalf("expected not_found code, got: %s", resultText(t, result))
	}
}

func TestGetToolRoundTrip(t *testing.T) {
	s, st, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := st.ChainLink(ctx, "auth", "jwt", "the content"); err != nil {
		t.Fatalf("ChainLink: %v", err)
	}

	result, err := s.handleGet(ctx, makeRequest("tinymem_get", map[string]any{
		"id": "chain:auth:jwt",
	}))
	if err != nil {
		t.Fatalf("handleGet: %v", err)
	}
	var chunk store.Chunk
	if err := json.Unmarshal([]byte(resultText(t, result)), &chunk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if chunk.Chunk != "the content" {
		t.Fatalf("round-trip mismatch: %+v", chunk)
	}
}

func TestAskToolAnswered(t *testing.T) {
	s, st, rdv := newTestServer(t)
	sess := createSession(t, st)

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		result, err := s.handleAsk(context.Background(), makeRequest("tinymem_ask", map[string]any{
			"session_id": sess.ID,
			"question":   "proceed?",
		}))
		if err == nil {
			done <- result
		}
	}()

	var qid string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && qid == "" {
		pending, err := st.PendingQuestions(context.Background())
		if err != nil {
			t.Fatalf("PendingQuestions: %v", err)
		}
		if len(pending) == 1 {
			qid = pending[0].ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	if qid == "" {
		t.Fatal("ask never registered a pending question")
	}
	if _, err := rdv.Deliver(context.Background(), qid, "yes"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case result := <-done:
		if result.IsError {
			t.Fatalf("unexpected tool error: %s", resultText(t, result))
		}
		if !strings.Contains(resultText(t, result), `"answer":"yes"`) {
			t.Fatalf("unexpected result: %s", resultText(t, result))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ask tool never returned")
	}
}

func TestAskToolTimeoutCode(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(store.Options{Client: rdb, Logger: zap.NewNop()})
	rdv := rendezvous.New(st, rdb, zap.NewNop(), 50*time.Millisecond)
	s := NewServer(st, rdv, zap.NewNop())
	sess := createSession(t, st)

	result, err := s.handleAsk(context.Background(), makeRequest("tinymem_ask", map[string]any{
		"session_id": sess.ID,
		"question":   "anyone?",
	}))
	if err != nil {
		t.Fatalf("handleAsk: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected timeout tool error")
	}
	if !strings.Contains(resultText(t, result), "-32005") {
		t.Fatalf("expected timeout code, got: %s", resultText(t, result))
	}
}
