// Package parsing defines the data model and callback contract the
// scheduler core uses to talk to the parser collaborator (spec §3, §4.9),
// plus a concrete tree-sitter based implementation.
package parsing

import (
	"context"
	"time"
)

// Version identifies a particular set of ParseInputs in the order the AST
// worker saw them. Monotonically increasing per file.
type Version uint64

// CompileCommand is the argv/working-directory/heuristic-flag triple a
// build runs under (spec §3's Data Model), resolved by the caller or the
// scheduler from the compile-command database.
type CompileCommand struct {
	Argv      []string
	Dir       string
	Heuristic bool
}

// ParseInputs is the versioned content a preamble or AST is built from.
type ParseInputs struct {
	File     string
	Contents []byte
	Version  Version
	// CompileCommand is the compile command in force for File, used to
	// decide preamble reuse and folded into Fingerprint.
	CompileCommand CompileCommand
	// FSToken is an opaque snapshot token produced by the caller's
	// filesystem collaborator. Two ParseInputs with the same Contents,
	// CompileCommand and FSToken are content-equivalent (spec §4.5's
	// no-op update exception).
	FSToken      string
	ForceRebuild bool
}

// CompileCommandEqual reports whether a and b would produce the same
// preprocessing, ignoring the Heuristic provenance flag.
func CompileCommandEqual(a, b CompileCommand) bool {
	if a.Dir != b.Dir || len(a.Argv) != len(b.Argv) {
		return false
	}

	for i, arg := range a.Argv {
		if b.Argv[i] != arg {
			return false
		}
	}

	return true
}

// Fingerprint is an equality-comparable digest of ParseInputs, used for
// cache hit/miss decisions and no-op update detection. Two ParseInputs with
// the same Fingerprint are treated as byte-identical for caching purposes.
type Fingerprint string

// PreambleArtifact is the opaque output of a preamble build.
type PreambleArtifact struct {
	File        string
	Version     Version
	SizeBytes   int
	ContentHash string
	BuildTime   time.Duration
	// Includes lists the header paths the preamble parsed out of the
	// file's leading directives, feeding the includer cache (spec §4.7).
	Includes []string
	Opaque   any
}

// ASTArtifact is the opaque output of an AST build.
type ASTArtifact struct {
	File        string
	Version     Version
	Inputs      ParseInputs
	Fingerprint Fingerprint
	Diagnostics DiagnosticsReport
	Signals     any
	Opaque      any
}

// Diagnostic is a single parser-reported issue.
type Diagnostic struct {
	Line     int
	Column   int
	Severity string
	Message  string
}

// DiagnosticsReport is produced once per AST build that passes the publish
// gate (spec §4.5).
type DiagnosticsReport struct {
	File        string
	Version     Version
	Diagnostics []Diagnostic
	ContentHash string
}

// PublishFunc defers fn to the per-file publish queue, which strictly
// serializes diagnostic deliveries for one file (spec §5).
type PublishFunc func(fn func())

// Callbacks is the consumer-supplied contract the scheduler drives during
// preamble and AST builds. The scheduler never calls these re-entrantly for
// the same file; they may overlap across files.
type Callbacks interface {
	// OnPreambleAST is called synchronously during preamble build.
	OnPreambleAST(ctx context.Context, file string, version Version, artifact *PreambleArtifact)
	// OnPreamblePublished fires after a new distinct preamble is installed.
	OnPreamblePublished(file string)
	// OnMainAST is called during a successful AST build. publish defers
	// diagnostic delivery to the per-file publish queue.
	OnMainAST(ctx context.Context, file string, artifact *ASTArtifact, publish PublishFunc)
	// OnFailedAST is called for AST builds that produce no AST but do
	// produce diagnostics.
	OnFailedAST(ctx context.Context, file string, version Version, diags DiagnosticsReport, publish PublishFunc)
}

// Backend is the external collaborator that actually builds preambles and
// ASTs from ParseInputs. It is assumed not re-entrant for a single file;
// the Preamble/AST workers' own serialization guarantees that.
type Backend interface {
	BuildPreamble(ctx context.Context, inputs ParseInputs, prev *PreambleArtifact) (*PreambleArtifact, error)
	BuildAST(ctx context.Context, inputs ParseInputs, preamble *PreambleArtifact) (*ASTArtifact, error)
	Fingerprint(inputs ParseInputs) Fingerprint
}
