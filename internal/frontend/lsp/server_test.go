package lsp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/gotuscheduler/tuscheduler/internal/astworker"
	"github.com/gotuscheduler/tuscheduler/internal/debounce"
	"github.com/gotuscheduler/tuscheduler/internal/parsing"
	"github.com/gotuscheduler/tuscheduler/internal/scheduler"
)

type fakeBackend struct{}

func (fakeBackend) BuildPreamble(_ context.Context, inputs parsing.ParseInputs, _ *parsing.PreambleArtifact) (*parsing.PreambleArtifact, error) {
	return &parsing.PreambleArtifact{File: inputs.File, Version: inputs.Version}, nil
}

func (fakeBackend) BuildAST(_ context.Context, inputs parsing.ParseInputs, _ *parsing.PreambleArtifact) (*parsing.ASTArtifact, error) {
	return &parsing.ASTArtifact{
		File: inputs.File, Version: inputs.Version, Inputs: inputs,
		Diagnostics: parsing.DiagnosticsReport{
			File: inputs.File, Version: inputs.Version,
			Diagnostics: []parsing.Diagnostic{{Line: 1, Column: 2, Severity: "warning", Message: "unused variable"}},
		},
	}, nil
}

func (fakeBackend) Fingerprint(inputs parsing.ParseInputs) parsing.Fingerprint {
	return parsing.Fingerprint(inputs.File)
}

func TestVersionCounterBumpsMonotonically(t *testing.T) {
	vc := newVersionCounter()

	assert.Equal(t, parsing.Version(1), vc.bump("a.cc"))
	assert.Equal(t, parsing.Version(2), vc.bump("a.cc"))
	assert.Equal(t, parsing.Version(1), vc.bump("b.cc"))
}

func TestSeverityForMapsKnownLevels(t *testing.T) {
	assert.Equal(t, protocol.DiagnosticSeverityError, *severityFor("error"))
	assert.Equal(t, protocol.DiagnosticSeverityWarning, *severityFor("warning"))
	assert.Equal(t, protocol.DiagnosticSeverityInformation, *severityFor("information"))
	assert.Equal(t, protocol.DiagnosticSeverityHint, *severityFor("hint"))
	assert.Equal(t, protocol.DiagnosticSeverityError, *severityFor("unknown"))
}

func TestDidOpenAndDidCloseDriveScheduler(t *testing.T) {
	srv := NewServer(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		Backend:           fakeBackend{},
	})

	err := srv.didOpen(nil, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///a.cc", Text: "int x;"},
	})
	require.NoError(t, err)

	stats, ok := srv.Scheduler().FileStats("file:///a.cc")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.ASTBuilds)

	err = srv.didClose(nil, &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.cc"},
	})
	require.NoError(t, err)

	var got astworker.InputsAndAST
	srv.sched.RunWithAST(context.Background(), "read", "file:///a.cc", false, func(r astworker.InputsAndAST) { got = r })
	assert.ErrorIs(t, got.Err, astworker.ErrFileNotTracked)
}

func TestNotifyDiagnosticsIsNoopBeforeInitialize(t *testing.T) {
	srv := NewServer(scheduler.Options{
		AsyncThreadsCount: 0,
		UpdateDebounce:    debounce.FixedPolicy(time.Millisecond),
		Backend:           fakeBackend{},
	})

	// No glsp connection captured yet; must not panic.
	srv.notifyDiagnostics("file:///a.cc", parsing.DiagnosticsReport{})
}
