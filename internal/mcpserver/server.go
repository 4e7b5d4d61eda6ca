// Package mcpserver exposes the tinymem operations as typed MCP tools over
// stdio JSON-RPC for one embedded agent runtime. Requests are processed
// serially by the stdio server's single reader, so tool calls never
// interleave on the wire.
package mcpserver

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/config"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

// JSON-RPC error codes surfaced by the stdio transport, one per boundary
// error kind.
const (
	codeInternal           = -32000
	codeUnauthorized       = -32001
	codeNotFound           = -32002
	codeConflict           = -32003
	codeBadRequest         = -32004
	codeTimeout            = -32005
	codeBackendUnavailable = -32006
)

// Server holds the MCP tool handlers' dependencies.
type Server struct {
	store *store.Store
	rdv   *rendezvous.Rendezvous
	log   *zap.Logger

	// sessionID is the TINYMEM_SESSION fallback used when a tool call
	// omits session_id.
	sessionID string
}

// NewServer creates the handler set. The session fallback is read from the
// environment once at startup.
func NewServer(st *store.Store, rdv *rendezvous.Rendezvous, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     st,
		rdv:       rdv,
		log:       logger,
		sessionID: os.Getenv("TINYMEM_SESSION"),
	}
}

// Run starts the MCP stdio server. It blocks until the context is
// cancelled or stdin is closed.
func Run(ctx context.Context, st *store.Store, rdv *rendezvous.Rendezvous, logger *zap.Logger) error {
	s := NewServer(st, rdv, logger)

	mcpServer := server.NewMCPServer(
		"tinymem",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(s.tools()...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// rpcCode maps a boundary error to its numeric JSON-RPC code.
func rpcCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return codeNotFound
	case errors.Is(err, store.ErrConflict):
		return codeConflict
	case errors.Is(err, store.ErrBadRequest):
		return codeBadRequest
	case errors.Is(err, rendezvous.ErrExpired):
		return codeTimeout
	case errors.Is(err, store.ErrBackendUnavailable):
		return codeBackendUnavailable
	default:
		return codeInternal
	}
}
