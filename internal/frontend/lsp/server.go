// Package lsp exposes the scheduler over the Language Server Protocol:
// didOpen/didChange/didClose drive scheduler updates, and completed AST
// builds are published back as textDocument/publishDiagnostics.
package lsp

import (
	"context"
	"sync"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	"github.com/gotuscheduler/tuscheduler/internal/astworker"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/scheduler"
)

// versionCounter tracks per-URI monotonic versions since didChange in LSP
// full-sync mode does not carry an authoritative version of its own.
type versionCounter struct {
	mu   sync.Mutex
	next map[string]parsing.Version
}

func newVersionCounter() *versionCounter {
	return &versionCounter{next: make(map[string]parsing.Version)}
}

func (vc *versionCounter) bump(uri string) parsing.Version {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.next[uri]++

	return vc.next[uri]
}

// Server adapts a *scheduler.Scheduler to glsp's stdio transport and, as a
// parsing.Callbacks implementation, publishes diagnostics for the results
// the scheduler produces.
type Server struct {
	sched   *scheduler.Scheduler
	handler protocol.Handler
	vc      *versionCounter

	connMu sync.RWMutex
	conn   *glsp.Context
}

// NewServer builds the Scheduler and the LSP frontend together: the
// frontend must be the scheduler's parsing.Callbacks so diagnostics flow
// back to the client, and the scheduler must exist before requests arrive,
// so opts.ParsingCallbacks is set to srv here and any caller-supplied
// value is ignored.
func NewServer(opts scheduler.Options) *Server {
	srv := &Server{vc: newVersionCounter()}
	opts.ParsingCallbacks = srv
	srv.sched = scheduler.New(opts)

	srv.handler = protocol.Handler{
		Initialize:            srv.initialize,
		Initialized:           srv.initialized,
		Shutdown:              srv.shutdown,
		SetTrace:              srv.setTrace,
		TextDocumentDidOpen:   srv.didOpen,
		TextDocumentDidChange: srv.didChange,
		TextDocumentDidClose:  srv.didClose,
	}

	return srv
}

// Scheduler exposes the underlying scheduler, e.g. for stats reporting.
func (srv *Server) Scheduler() *scheduler.Scheduler { return srv.sched }

// Run starts the server on stdio, blocking until the client disconnects.
func (srv *Server) Run() error {
	lspServer := server.NewServer(&srv.handler, "tuscheduler", false)

	return lspServer.RunStdio()
}

func (srv *Server) initialize(ctx *glsp.Context, _ *protocol.InitializeParams) (any, error) {
	srv.connMu.Lock()
	srv.conn = ctx
	srv.connMu.Unlock()

	capabilities := srv.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = protocol.TextDocumentSyncKindFull
	version := "0.1.0"

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    "tuscheduler",
			Version: &version,
		},
	}, nil
}

func (srv *Server) initialized(_ *glsp.Context, _ *protocol.InitializedParams) error {
	return nil
}

func (srv *Server) shutdown(_ *glsp.Context) error {
	protocol.SetTraceValue(protocol.TraceValueOff)

	return srv.sched.Shutdown(context.Background())
}

func (srv *Server) setTrace(_ *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)

	return nil
}

func (srv *Server) didOpen(_ *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	inputs := parsing.ParseInputs{
		File:     uri,
		Contents: []byte(params.TextDocument.Text),
		Version:  srv.vc.bump(uri),
	}

	srv.sched.Update(context.Background(), uri, inputs, astworker.WantYes)

	return nil
}

func (srv *Server) didChange(_ *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	if len(params.ContentChanges) == 0 {
		return nil
	}

	change, ok := params.ContentChanges[0].(map[string]any)
	if !ok {
		return nil
	}

	text, ok := change["text"].(string)
	if !ok {
		return nil
	}

	inputs := parsing.ParseInputs{
		File:     uri,
		Contents: []byte(text),
		Version:  srv.vc.bump(uri),
	}

	srv.sched.Update(context.Background(), uri, inputs, astworker.WantAuto)

	return nil
}

func (srv *Server) didClose(_ *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	srv.sched.Remove(params.TextDocument.URI)

	return nil
}

// OnPreambleAST is a no-op; the LSP frontend only surfaces AST diagnostics.
func (srv *Server) OnPreambleAST(context.Context, string, parsing.Version, *parsing.PreambleArtifact) {
}

// OnPreamblePublished is a no-op for the same reason.
func (srv *Server) OnPreamblePublished(string) {}

// OnMainAST forwards the build's diagnostics report to publish once the
// gated publish closure runs (spec §4.6's want=Auto/Yes/No policy).
func (srv *Server) OnMainAST(_ context.Context, file string, artifact *parsing.ASTArtifact, publish parsing.PublishFunc) {
	publish(func() { srv.notifyDiagnostics(file, artifact.Diagnostics) })
}

// OnFailedAST forwards diags the same way for a build that produced no AST.
func (srv *Server) OnFailedAST(_ context.Context, file string, _ parsing.Version, diags parsing.DiagnosticsReport, publish parsing.PublishFunc) {
	publish(func() { srv.notifyDiagnostics(file, diags) })
}

func (srv *Server) notifyDiagnostics(uri string, report parsing.DiagnosticsReport) {
	srv.connMu.RLock()
	conn := srv.conn
	srv.connMu.RUnlock()

	if conn == nil {
		return
	}

	diags := make([]protocol.Diagnostic, 0, len(report.Diagnostics))

	for _, d := range report.Diagnostics {
		line := protocol.UInteger(d.Line)
		col := protocol.UInteger(d.Column)

		diags = append(diags, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: line, Character: col},
				End:   protocol.Position{Line: line, Character: col + 1},
			},
			Severity: severityFor(d.Severity),
			Message:  d.Message,
		})
	}

	conn.Notify("textDocument/publishDiagnostics", &protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

func severityFor(s string) *protocol.DiagnosticSeverity {
	sev := protocol.DiagnosticSeverityError

	switch s {
	case "warning":
		sev = protocol.DiagnosticSeverityWarning
	case "information":
		sev = protocol.DiagnosticSeverityInformation
	case "hint":
		sev = protocol.DiagnosticSeverityHint
	}

	return &sev
}
