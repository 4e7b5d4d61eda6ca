// Package web is the HTTP surface consumed by agent hook scripts. Every
// route except the liveness probe requires the bearer token; handlers
// validate, call the store or rendezvous, and translate error kinds to
// status codes.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/config"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

// Server is the tinymem HTTP API server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	rdv    *rendezvous.Rendezvous
	log    *zap.Logger
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// New creates the server and registers all routes.
func New(cfg *config.Config, st *store.Store, rdv *rendezvous.Rendezvous, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:   cfg,
		store: st,
		rdv:   rdv,
		log:   log,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,
		// An ask holds its connection up to the full server-side deadline,
		// so writes must not time out underneath it.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Listen binds the configured port. Kept separate from Serve so the caller
// can turn a bind failure into its own exit code.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}
	s.ln = ln
	return nil
}

// Serve blocks serving requests on the bound listener until Shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("http api listening", zap.String("addr", s.ln.Addr().String()))
	if err := s.server.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /api/openapi.yaml", s.auth(s.handleOpenAPISpec))

	s.mux.HandleFunc("POST /session", s.auth(s.handleCreateSession))
	s.mux.HandleFunc("POST /start", s.auth(s.handleStart))
	s.mux.HandleFunc("GET /session", s.auth(s.handleListSessions))
	s.mux.HandleFunc("GET /session/{id}", s.auth(s.handleGetSession))
	s.mux.HandleFunc("POST /session/{id}/hook", s.auth(s.handleHook))
	s.mux.HandleFunc("POST /session/{id}/msg", s.auth(s.handleMsg))
	s.mux.HandleFunc("POST /session/{id}/ask", s.auth(s.handleAsk))
	s.mux.HandleFunc("POST /session/{id}/summary", s.auth(s.handleSummary))
	s.mux.HandleFunc("POST /session/{id}/done", s.auth(s.handleDone))

	s.mux.HandleFunc("POST /chain/link", s.auth(s.handleChainLink))
	s.mux.HandleFunc("GET /chain/{name}", s.auth(s.handleChainLoad))
	s.mux.HandleFunc("GET /chains", s.auth(s.handleChainList))

	s.mux.HandleFunc("POST /artifact/save", s.auth(s.handleArtifactSave))

	s.mux.HandleFunc("GET /search", s.auth(s.handleSearch))
	s.mux.HandleFunc("GET /get/{id}", s.auth(s.handleGet))
}
