package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joestump/tinymem/api"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps an error kind to its status code and a short reason.
// Internal details stay in the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeErr(w, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrBadRequest):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rendezvous.ErrExpired):
		writeErr(w, http.StatusGatewayTimeout, "expired")
	case errors.Is(err, store.ErrBackendUnavailable):
		writeErr(w, http.StatusServiceUnavailable, "backend unavailable")
	default:
		s.log.Error("internal error", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a JSON body, tolerating unknown fields and rejecting
// structural errors.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", store.ErrBadRequest)
	}
	return nil
}

func parseLimitOffset(r *http.Request) (limit, offset int, err error) {
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer: %w", store.ErrBadRequest)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer: %w", store.ErrBadRequest)
		}
	}
	return limit, offset, nil
}

// --- Auth ---

// auth enforces the bearer token with a constant-time compare.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Agent == "" || req.Cwd == "" {
		writeErr(w, http.StatusBadRequest, "agent and cwd are required")
		return
	}
	sess, err := s.store.CreateSession(r.Context(), req.Agent, req.Cwd, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: sess.ID})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ClaudeSessionID == "" || req.Agent == "" || req.Cwd == "" {
		writeErr(w, http.StatusBadRequest, "claude_session_id, agent, and cwd are required")
		return
	}
	sess, err := s.store.StartSession(r.Context(), req.ClaudeSessionID, req.Agent, req.Cwd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: sess.ID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Kind != "pre" && req.Kind != "post" {
		writeErr(w, http.StatusBadRequest, "kind must be pre or post")
		return
	}
	if req.Task == "" {
		writeErr(w, http.StatusBadRequest, "task is required")
		return
	}
	seq, err := s.store.AppendHook(r.Context(), r.PathValue("id"), req.Kind, req.Task, req.Meta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seqResponse{Seq: seq})
}

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	var req msgRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Role == "" || req.Content == "" {
		writeErr(w, http.StatusBadRequest, "role and content are required")
		return
	}
	if err := s.store.AppendMsg(r.Context(), r.PathValue("id"), req.Role, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeErr(w, http.StatusBadRequest, "question is required")
		return
	}
	answer, err := s.rdv.Ask(r.Context(), r.PathValue("id"), req.Question)
	if err != nil {
		// A disconnected client can no longer read the response; the
		// question stays pending for the TUI either way.
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.store.SetSummary(r.Context(), r.PathValue("id"), string(body)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkDone(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleChainLink(w http.ResponseWriter, r *http.Request) {
	var req chainLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ChainName == "" || req.Slug == "" || req.Content == "" {
		writeErr(w, http.StatusBadRequest, "chain_name, slug, and content are required")
		return
	}
	slug, err := s.store.ChainLink(r.Context(), req.ChainName, req.Slug, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slugResponse{SlugUsed: slug})
}

func (s *Server) handleChainLoad(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	links, total, err := s.store.ChainLoad(r.Context(), r.PathValue("name"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := chainLoadResponse{Links: make([]linkBody, len(links)), Total: total}
	for i, l := range links {
		resp.Links[i] = linkBody{Slug: l.Slug, Content: l.Content, TS: l.TS}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	chains, err := s.store.ChainList(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleArtifactSave(w http.ResponseWriter, r *http.Request) {
	var req artifactSaveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.FilePath == "" {
		writeErr(w, http.StatusBadRequest, "file_path is required")
		return
	}
	id, err := s.store.ArtifactSave(r.Context(), req.FilePath, req.Title, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	results, err := s.store.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	maxChars := 0
	if v := r.URL.Query().Get("max_chars"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "max_chars must be a non-negative integer")
			return
		}
		maxChars = n
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	chunk, err := s.store.Get(r.Context(), r.PathValue("id"), offset, maxChars)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}
