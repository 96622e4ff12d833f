package parsing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	forestc "github.com/alexaandru/go-sitter-forest/c"
	forestcpp "github.com/alexaandru/go-sitter-forest/cpp"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
	"github.com/src-d/enry/v2"

	"github.com/gotuscheduler/tuscheduler/pkg/textutil"
)

// errBinaryContent is returned when the file's leading bytes look binary,
// sparing tree-sitter a parse it cannot meaningfully diagnose.
var errBinaryContent = errors.New("treesitter: file appears to be binary")

// errUnsupportedLanguage is returned for files enry cannot attribute to a
// language this backend carries a grammar for.
var errUnsupportedLanguage = errors.New("treesitter: unsupported language")

// errNoRootNode mirrors the DSL parser's check: a tree with no root node is
// unusable even though tree-sitter reports no error.
var errNoRootNode = errors.New("treesitter: parse produced no root node")

// errPoolType guards the sync.Pool type assertion, mirroring the DSL
// parser's own defensive check on its parser pool.
var errPoolType = errors.New("treesitter: pool returned unexpected type")

// TreeSitterBackend builds preambles and ASTs with tree-sitter, detecting
// the file's language with enry and pooling one *sitter.Parser per language
// to avoid repeated grammar setup, the way the DSL parser pools per-language
// parsers.
type TreeSitterBackend struct {
	mu      sync.Mutex
	parsers map[string]*sync.Pool
}

// NewTreeSitterBackend returns a backend ready to parse C and C++ files.
func NewTreeSitterBackend() *TreeSitterBackend {
	return &TreeSitterBackend{parsers: make(map[string]*sync.Pool)}
}

func (b *TreeSitterBackend) poolFor(lang string) (*sync.Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.parsers[lang]; ok {
		return p, nil
	}

	tsLang, err := languageFor(lang)
	if err != nil {
		return nil, err
	}

	pool := &sync.Pool{
		New: func() any {
			p := sitter.NewParser()
			p.SetLanguage(tsLang)

			return p
		},
	}
	b.parsers[lang] = pool

	return pool, nil
}

func languageFor(lang string) (*sitter.Language, error) {
	switch lang {
	case "C":
		return sitter.NewLanguage(forestc.GetLanguage()), nil
	case "C++":
		return sitter.NewLanguage(forestcpp.GetLanguage()), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedLanguage, lang)
	}
}

func detectLanguage(file string, contents []byte) string {
	return enry.GetLanguage(file, contents)
}

// BuildPreamble parses the file's leading includes and reports a preamble
// artifact sized by the byte span tree-sitter attributes to preprocessor
// directives. prev is advisory; this backend does not attempt incremental
// reparse of the preamble region.
func (b *TreeSitterBackend) BuildPreamble(
	ctx context.Context, inputs ParseInputs, _ *PreambleArtifact,
) (*PreambleArtifact, error) {
	start := time.Now()

	tree, lang, err := b.parse(ctx, inputs)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	size := preambleSize(tree, inputs.Contents)
	_ = lang

	return &PreambleArtifact{
		File:        inputs.File,
		Version:     inputs.Version,
		SizeBytes:   size,
		ContentHash: hashBytes(inputs.Contents[:size]),
		BuildTime:   time.Since(start),
		Includes:    extractIncludes(tree, inputs.Contents),
	}, nil
}

// BuildAST parses the full file and reports an AST artifact. preamble is
// advisory context; this backend reparses the whole file rather than
// splicing a cached preamble tree, matching the DSL parser's one-shot
// ParseString call.
func (b *TreeSitterBackend) BuildAST(
	ctx context.Context, inputs ParseInputs, _ *PreambleArtifact,
) (*ASTArtifact, error) {
	tree, _, err := b.parse(ctx, inputs)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return nil, errNoRootNode
	}

	diags := collectDiagnostics(inputs, root)

	return &ASTArtifact{
		File:        inputs.File,
		Version:     inputs.Version,
		Inputs:      inputs,
		Fingerprint: b.Fingerprint(inputs),
		Diagnostics: diags,
		Opaque:      root,
	}, nil
}

// Fingerprint hashes the tuple of content, compile command and filesystem
// token (spec Glossary); two ParseInputs with identical values for all
// three hash to the same fingerprint regardless of version number.
func (b *TreeSitterBackend) Fingerprint(inputs ParseInputs) Fingerprint {
	h := sha256.New()
	h.Write(inputs.Contents)

	for _, arg := range inputs.CompileCommand.Argv {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}

	h.Write([]byte{0})
	h.Write([]byte(inputs.CompileCommand.Dir))
	h.Write([]byte{0})
	h.Write([]byte(inputs.FSToken))

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func (b *TreeSitterBackend) parse(ctx context.Context, inputs ParseInputs) (*sitter.Tree, string, error) {
	if textutil.IsBinary(inputs.Contents) {
		return nil, "", fmt.Errorf("%w: %s", errBinaryContent, inputs.File)
	}

	lang := detectLanguage(inputs.File, inputs.Contents)

	pool, err := b.poolFor(lang)
	if err != nil {
		return nil, lang, err
	}

	p, ok := pool.Get().(*sitter.Parser)
	if !ok {
		return nil, lang, errPoolType
	}

	defer pool.Put(p)

	tree, err := p.ParseString(ctx, nil, inputs.Contents)
	if err != nil {
		return nil, lang, fmt.Errorf("treesitter: parse %s: %w", inputs.File, err)
	}

	return tree, lang, nil
}

// preambleSize approximates the preamble span as the byte offset of the
// first non-preprocessor top-level child, or the whole file if every
// top-level node is a directive.
func preambleSize(tree *sitter.Tree, contents []byte) int {
	root := tree.RootNode()
	if root.IsNull() {
		return len(contents)
	}

	for idx := range root.NamedChildCount() {
		child := root.NamedChild(idx)
		if child.IsNull() {
			continue
		}

		if child.Type() != "preproc_include" && child.Type() != "preproc_def" {
			return int(child.StartByte())
		}
	}

	return len(contents)
}

// preprocIncludeType is the tree-sitter node type for a #include directive
// in both the C and C++ grammars this backend carries.
const preprocIncludeType = "preproc_include"

// extractIncludes walks the tree for #include directives and returns the
// header paths they name, stripped of their quote or angle-bracket
// delimiters, feeding the includer cache (spec §4.7).
func extractIncludes(tree *sitter.Tree, contents []byte) []string {
	root := tree.RootNode()
	if root.IsNull() {
		return nil
	}

	var includes []string

	var walk func(n sitter.Node)
	walk = func(n sitter.Node) {
		if n.Type() == preprocIncludeType {
			for idx := range n.NamedChildCount() {
				child := n.NamedChild(idx)
				if child.IsNull() {
					continue
				}

				switch child.Type() {
				case "string_literal", "system_lib_string":
					path := string(contents[child.StartByte():child.EndByte()])
					includes = append(includes, trimIncludeDelimiters(path))
				}
			}
		}

		for idx := range n.NamedChildCount() {
			child := n.NamedChild(idx)
			if !child.IsNull() {
				walk(child)
			}
		}
	}
	walk(root)

	return includes
}

// trimIncludeDelimiters strips the surrounding "" or <> an #include
// directive's path token carries.
func trimIncludeDelimiters(s string) string {
	if len(s) < 2 {
		return s
	}

	first, last := s[0], s[len(s)-1]
	if (first == '"' && last == '"') || (first == '<' && last == '>') {
		return s[1 : len(s)-1]
	}

	return s
}

// errorNodeType is what tree-sitter names a node it could not fit to the
// grammar; MISSING nodes share this type with a zero byte span.
const errorNodeType = "ERROR"

func collectDiagnostics(inputs ParseInputs, root sitter.Node) DiagnosticsReport {
	var diags []Diagnostic

	var walk func(n sitter.Node)
	walk = func(n sitter.Node) {
		if n.Type() == errorNodeType {
			point := n.StartPoint()
			diags = append(diags, Diagnostic{
				Line:     int(point.Row) + 1,
				Column:   int(point.Column) + 1,
				Severity: "error",
				Message:  "syntax error",
			})
		}

		for idx := range n.NamedChildCount() {
			child := n.NamedChild(idx)
			if !child.IsNull() {
				walk(child)
			}
		}
	}
	walk(root)

	return DiagnosticsReport{
		File:        inputs.File,
		Version:     inputs.Version,
		Diagnostics: diags,
		ContentHash: hashBytes(inputs.Contents),
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}
