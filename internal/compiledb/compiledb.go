// Package compiledb models the compile-command database collaborator: an
// in-memory compile_commands.json-shaped lookup, validated against a JSON
// schema the way the teacher validates UAST documents.
package compiledb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// entrySchema is the JSON Schema a raw compile_commands.json entry must
// satisfy before being accepted into the database.
const entrySchema = `{
	"type": "object",
	"required": ["file", "arguments"],
	"properties": {
		"file": {"type": "string"},
		"directory": {"type": "string"},
		"arguments": {"type": "array", "items": {"type": "string"}}
	}
}`

// CompileCommand is one file's build invocation.
type CompileCommand struct {
	File      string
	Directory string
	Arguments []string
}

// Kind distinguishes a command the database authoritatively knows for a
// file from one synthesized by a heuristic (spec §4.7).
type Kind int

const (
	// KindNone means no command is known for the file.
	KindNone Kind = iota
	// KindHeuristic means the command was inferred, not declared.
	KindHeuristic
	// KindAuthoritative means the command came directly from the database.
	KindAuthoritative
)

// Database is an in-memory compile command lookup. Entries loaded via LoadJSON
// are validated against entrySchema; malformed entries are rejected.
type Database struct {
	mu        sync.RWMutex
	schema    gojsonschema.JSONLoader
	commands  map[string]CompileCommand
	heuristic map[string]bool
}

// New returns an empty database.
func New() *Database {
	return &Database{
		schema:    gojsonschema.NewStringLoader(entrySchema),
		commands:  make(map[string]CompileCommand),
		heuristic: make(map[string]bool),
	}
}

// LoadJSON parses a compile_commands.json-shaped byte slice (an array of
// entries) and installs each validated entry.
func (d *Database) LoadJSON(raw []byte) error {
	var rawEntries []map[string]any

	if err := json.Unmarshal(raw, &rawEntries); err != nil {
		return fmt.Errorf("compiledb: decode: %w", err)
	}

	for _, re := range rawEntries {
		if err := d.validate(re); err != nil {
			return err
		}

		cmd := entryToCommand(re)
		d.Put(cmd.File, cmd, false)
	}

	return nil
}

func (d *Database) validate(entry map[string]any) error {
	result, err := gojsonschema.Validate(d.schema, gojsonschema.NewGoLoader(entry))
	if err != nil {
		return fmt.Errorf("compiledb: schema validation error: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("compiledb: invalid entry for %v: %v", entry["file"], result.Errors())
	}

	return nil
}

func entryToCommand(entry map[string]any) CompileCommand {
	cmd := CompileCommand{}

	if f, ok := entry["file"].(string); ok {
		cmd.File = f
	}

	if dir, ok := entry["directory"].(string); ok {
		cmd.Directory = dir
	}

	if args, ok := entry["arguments"].([]any); ok {
		for _, a := range args {
			if s, ok := a.(string); ok {
				cmd.Arguments = append(cmd.Arguments, s)
			}
		}
	}

	return cmd
}

// Put installs or replaces the command for file. heuristic marks it as
// inferred rather than declared.
func (d *Database) Put(file string, cmd CompileCommand, heuristic bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands[file] = cmd
	d.heuristic[file] = heuristic
}

// Remove deletes any command known for file.
func (d *Database) Remove(file string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.commands, file)
	delete(d.heuristic, file)
}

// Lookup returns the command known for file and whether it is authoritative
// or heuristic. KindNone is returned if nothing is known.
func (d *Database) Lookup(file string) (CompileCommand, Kind) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cmd, ok := d.commands[file]
	if !ok {
		return CompileCommand{}, KindNone
	}

	if d.heuristic[file] {
		return cmd, KindHeuristic
	}

	return cmd, KindAuthoritative
}
