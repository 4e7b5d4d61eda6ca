package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: askTool(), Handler: s.handleAsk},
		{Tool: msgTool(), Handler: s.handleMsg},
		{Tool: chainLinkTool(), Handler: s.handleChainLink},
		{Tool: chainLoadTool(), Handler: s.handleChainLoad},
		{Tool: chainListTool(), Handler: s.handleChainList},
		{Tool: chainSearchTool(), Handler: s.handleChainSearch},
		{Tool: artifactSaveTool(), Handler: s.handleArtifactSave},
		{Tool: searchTool(), Handler: s.handleSearch},
		{Tool: getTool(), Handler: s.handleGet},
	}
}

// --- Tool definitions ---

func askTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_ask",
		"Ask the human operator a blocking question. Waits up to five minutes for an answer from the tinymem terminal.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session to ask under (defaults to TINYMEM_SESSION)"
				},
				"question": {
					"type": "string",
					"description": "Question text shown to the operator"
				}
			},
			"required": ["question"]
		}`),
	)
}

func msgTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_msg",
		"Record a message on the session log.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session to record under (defaults to TINYMEM_SESSION)"
				},
				"role": {
					"type": "string",
					"description": "Message role (e.g. assistant, user)"
				},
				"content": {
					"type": "string",
					"description": "Message text"
				}
			},
			"required": ["role", "content"]
		}`),
	)
}

func chainLinkTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_chain_link",
		"Append a checkpoint to a named chain, creating the chain if needed. Slug collisions get a numeric suffix.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"chain_name": {
					"type": "string",
					"description": "Chain name"
				},
				"slug": {
					"type": "string",
					"description": "Checkpoint slug, unique within the chain"
				},
				"content": {
					"type": "string",
					"description": "Checkpoint content"
				}
			},
			"required": ["chain_name", "slug", "content"]
		}`),
	)
}

func chainLoadTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_chain_load",
		"Load a chain's checkpoints, newest first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"chain_name": {
					"type": "string",
					"description": "Chain name"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum links to return (0 = all)"
				},
				"offset": {
					"type": "integer",
					"description": "Links to skip from the newest end"
				}
			},
			"required": ["chain_name"]
		}`),
	)
}

func chainListTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_chain_list",
		"List all chains with link counts, most recently updated first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {}
		}`),
	)
}

func chainSearchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_chain_search",
		"Fuzzy-match chain names against a query.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Approximate chain name"
				}
			},
			"required": ["query"]
		}`),
	)
}

func artifactSaveTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_artifact_save",
		"Save a file as a content-addressed artifact. PDFs get their text extracted for search.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {
					"type": "string",
					"description": "Absolute path to the file"
				},
				"title": {
					"type": "string",
					"description": "Artifact title"
				},
				"description": {
					"type": "string",
					"description": "Artifact description"
				}
			},
			"required": ["file_path"]
		}`),
	)
}

func searchTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_search",
		"Full-text search across chain content and artifact text.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Search query"
				}
			},
			"required": ["query"]
		}`),
	)
}

func getTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"tinymem_get",
		"Retrieve content by identifier: chain:<name>:<slug>, chain:<name>, artifact:<id>, or session:<id>. Paginated by characters.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {
					"type": "string",
					"description": "Identifier to resolve"
				},
				"offset": {
					"type": "integer",
					"description": "Character offset to start from"
				},
				"max_chars": {
					"type": "integer",
					"description": "Maximum characters to return"
				}
			},
			"required": ["id"]
		}`),
	)
}

// --- Helpers ---

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError renders a boundary error as a tool failure with its numeric
// code. Internal details stay out of the message.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s (code %d)", reason(err), rpcCode(err)))
}

func reason(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, rendezvous.ErrExpired):
		return "timeout"
	case errors.Is(err, store.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}

// session resolves the session id from the call, falling back to the
// environment value captured at startup.
func (s *Server) session(id string) string {
	if id != "" {
		return id
	}
	return s.sessionID
}

// --- Handlers ---

type askArgs struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args askArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sid := s.session(args.SessionID)
	if sid == "" || args.Question == "" {
		return mcp.NewToolResultError("session_id and question are required"), nil
	}
	answer, err := s.rdv.Ask(ctx, sid, args.Question)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]string{"answer": answer})
}

type msgArgs struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (s *Server) handleMsg(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args msgArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sid := s.session(args.SessionID)
	if sid == "" || args.Role == "" || args.Content == "" {
		return mcp.NewToolResultError("session_id, role, and content are required"), nil
	}
	if err := s.store.AppendMsg(ctx, sid, args.Role, args.Content); err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]bool{"ok": true})
}

type chainLinkArgs struct {
	ChainName string `json:"chain_name"`
	Slug      string `json:"slug"`
	Content   string `json:"content"`
}

func (s *Server) handleChainLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args chainLinkArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChainName == "" || args.Slug == "" || args.Content == "" {
		return mcp.NewToolResultError("chain_name, slug, and content are required"), nil
	}
	slug, err := s.store.ChainLink(ctx, args.ChainName, args.Slug, args.Content)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]string{"slug_used": slug})
}

type chainLoadArgs struct {
	ChainName string `json:"chain_name"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (s *Server) handleChainLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args chainLoadArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ChainName == "" {
		return mcp.NewToolResultError("chain_name is required"), nil
	}
	links, total, err := s.store.ChainLoad(ctx, args.ChainName, args.Limit, args.Offset)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]any{"links": links, "total": total})
}

func (s *Server) handleChainList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chains, err := s.store.ChainList(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(chains)
}

type queryArgs struct {
	Query string `json:"query"`
}

func (s *Server) handleChainSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	matches, err := s.store.ChainSearch(ctx, args.Query)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(matches)
}

type artifactSaveArgs struct {
	FilePath    string `json:"file_path"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleArtifactSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args artifactSaveArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.FilePath == "" {
		return mcp.NewToolResultError("file_path is required"), nil
	}
	id, err := s.store.ArtifactSave(ctx, args.FilePath, args.Title, args.Description)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(map[string]string{"id": id})
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	results, err := s.store.Search(ctx, args.Query)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(results)
}

type getArgs struct {
	ID       string `json:"id"`
	Offset   int    `json:"offset"`
	MaxChars int    `json:"max_chars"`
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ID == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	chunk, err := s.store.Get(ctx, args.ID, args.Offset, args.MaxChars)
	if err != nil {
		return toolError(err), nil
	}
	return resultJSON(chunk)
}
