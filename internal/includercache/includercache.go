// Package includercache implements the header-to-main-file association of
// spec §4.7: when a header has no authoritative compile command, it
// borrows the command of a main file whose preamble includes it.
package includercache

import (
	"sync"

	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
)

// association is the header's current (main file, command, validity).
type association struct {
	mainFile string
	command  compiledb.CompileCommand
	valid    bool
}

// Cache maps header files to the main file whose compile command should be
// used for them. Guarded by a single mutex; operations are short, per the
// "short critical sections, never held across parser calls" rule (spec §5).
type Cache struct {
	mu       sync.Mutex
	byHeader map[string]*association
	// byMain indexes which headers a given main file has established
	// associations for, so a main file's removal from the database can
	// invalidate all of them (spec §4.7's "M disappears" rule).
	byMain map[string]map[string]struct{}
}

// New returns an empty includer cache.
func New() *Cache {
	return &Cache{
		byHeader: make(map[string]*association),
		byMain:   make(map[string]map[string]struct{}),
	}
}

// Establish records that mainFile's preamble build included header, and
// mainFile's own compile command (cmd) should stand in for header's. An
// existing association rooted at a different main is replaced only if cmd
// is authoritative; a heuristic command never displaces an existing valid
// association (spec §4.7: "whose own command is authoritative may
// replace").
func (c *Cache) Establish(header, mainFile string, cmd compiledb.CompileCommand, authoritative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.byHeader[header]
	if ok && existing.valid && existing.mainFile != mainFile && !authoritative {
		return
	}

	c.byHeader[header] = &association{mainFile: mainFile, command: cmd, valid: true}

	if c.byMain[mainFile] == nil {
		c.byMain[mainFile] = make(map[string]struct{})
	}

	c.byMain[mainFile][header] = struct{}{}
}

// Invalidate marks header's association as stale without removing it,
// because mainFile's latest preamble build no longer includes it.
func (c *Cache) Invalidate(header, mainFile string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.byHeader[header]
	if !ok || a.mainFile != mainFile {
		return
	}

	a.valid = false
}

// InvalidateMain invalidates every association rooted at mainFile, used
// when mainFile disappears from the compile command database entirely.
func (c *Cache) InvalidateMain(mainFile string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for header := range c.byMain[mainFile] {
		if a, ok := c.byHeader[header]; ok && a.mainFile == mainFile {
			a.valid = false
		}
	}
}

// CompileCommand returns the command that should be used for header, and
// whether a valid association exists.
func (c *Cache) CompileCommand(header string) (compiledb.CompileCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.byHeader[header]
	if !ok || !a.valid {
		return compiledb.CompileCommand{}, false
	}

	return a.command, true
}

// Dependents returns the headers currently associated with mainFile,
// regardless of validity. Useful for observability and for re-establishing
// associations after a preamble rebuild.
func (c *Cache) Dependents(mainFile string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	headers := c.byMain[mainFile]
	out := make([]string, 0, len(headers))

	for h := range headers {
		out = append(out, h)
	}

	return out
}
