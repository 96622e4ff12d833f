// Package mcp exposes a *scheduler.Scheduler over the Model Context
// Protocol: tools to push file contents through the scheduler and to read
// back diagnostics and per-file/cache statistics.
package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gotuscheduler/tuscheduler/internal/astworker"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/scheduler"
)

const (
	serverName    = "tuscheduler"
	serverVersion = "0.1.0"

	// updateIdleTimeout bounds how long tusched_update waits for the build
	// it triggered to settle before reading back diagnostics.
	updateIdleTimeout = 10 * time.Second
)

// Server wraps the MCP SDK server with tuscheduler tool registrations.
type Server struct {
	mcp   *mcpsdk.Server
	sched *scheduler.Scheduler
}

// NewServer builds an MCP server exposing sched's file lifecycle and read
// operations as tools. sched is expected to already be running (owned by a
// caller such as cmd/tuscheduler-lsp).
func NewServer(sched *scheduler.Scheduler) *Server {
	srv := &Server{
		sched: sched,
		mcp: mcpsdk.NewServer(
			&mcpsdk.Implementation{Name: serverName, Version: serverVersion},
			nil,
		),
	}

	srv.registerTools()

	return srv
}

// MCPServer returns the underlying MCP SDK server.
func (s *Server) MCPServer() *mcpsdk.Server { return s.mcp }

// Run starts the server on stdio, blocking until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	err := s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "tusched_update",
		Description: "Push new file contents through the scheduler and return the resulting diagnostics once the build settles.",
		InputSchema: updateInputSchema,
	}, s.handleUpdate)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "tusched_stats",
		Description: "Return build counts and cache statistics for a tracked file, or for every file with a cached AST when no file is given.",
		InputSchema: statsInputSchema,
	}, s.handleStats)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        "tusched_remove",
		Description: "Stop tracking a file and evict its cached AST and preamble state.",
		InputSchema: removeInputSchema,
	}, s.handleRemove)
}

var updateInputSchema = jsonSchemaObject(`{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "File path or URI identifying the tracked file"},
		"contents": {"type": "string", "description": "Full new file contents"},
		"force_rebuild": {"type": "boolean", "description": "Bypass preamble reuse and AST no-op detection for this update"}
	},
	"required": ["file", "contents"]
}`)

var statsInputSchema = jsonSchemaObject(`{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "File path or URI; omit to list every file with a cached AST"}
	}
}`)

var removeInputSchema = jsonSchemaObject(`{
	"type": "object",
	"properties": {
		"file": {"type": "string", "description": "File path or URI to stop tracking"}
	},
	"required": ["file"]
}`)

func (s *Server) handleUpdate(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	return s.updateWithArgs(ctx, args), nil
}

// updateWithArgs implements tusched_update from already-parsed arguments,
// kept separate from handleUpdate so it can be exercised directly in tests
// without constructing an SDK request.
func (s *Server) updateWithArgs(ctx context.Context, args map[string]any) *mcpsdk.CallToolResult {
	file := getStringArg(args, "file")
	if file == "" {
		return errResult("file is required")
	}

	contents := getStringArg(args, "contents")

	inputs := parsing.ParseInputs{
		File:         file,
		Contents:     []byte(contents),
		ForceRebuild: getBoolArg(args, "force_rebuild"),
	}
	s.sched.Update(ctx, file, inputs, astworker.WantYes)

	s.sched.BlockUntilIdle(updateIdleTimeout)

	var result astworker.InputsAndAST

	s.sched.RunWithAST(ctx, "mcp.tusched_update", file, false, func(r astworker.InputsAndAST) {
		result = r
	})

	if result.Err != nil {
		return errResult(result.Err.Error())
	}

	return jsonResult(result.AST.Diagnostics)
}

func (s *Server) handleStats(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	return s.statsWithArgs(args), nil
}

func (s *Server) statsWithArgs(args map[string]any) *mcpsdk.CallToolResult {
	file := getStringArg(args, "file")
	if file == "" {
		return jsonResult(s.sched.GetFilesWithCachedAST())
	}

	stats, ok := s.sched.FileStats(file)
	if !ok {
		return errResult(fmt.Sprintf("file not tracked: %s", file))
	}

	return jsonResult(stats)
}

func (s *Server) handleRemove(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	return s.removeWithArgs(args), nil
}

func (s *Server) removeWithArgs(args map[string]any) *mcpsdk.CallToolResult {
	file := getStringArg(args, "file")
	if file == "" {
		return errResult("file is required")
	}

	s.sched.Remove(file)

	return jsonResult(map[string]string{"status": "removed", "file": file})
}
