package includercache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotuscheduler/tuscheduler/internal/compiledb"
	"github.com/gotuscheduler/tuscheduler/internal/includercache"
)

func TestEstablishThenCompileCommandReturnsMainsCommand(t *testing.T) {
	c := includercache.New()

	mainCmd := compiledb.CompileCommand{File: "main.cc", Arguments: []string{"-DMAIN"}}
	c.Establish("no_cmd.h", "main.cc", mainCmd, true)

	got, ok := c.CompileCommand("no_cmd.h")
	require.True(t, ok)
	assert.Equal(t, mainCmd, got)
}

func TestCompileCommandOnUnknownHeaderMisses(t *testing.T) {
	c := includercache.New()

	_, ok := c.CompileCommand("unknown.h")
	assert.False(t, ok)
}

func TestInvalidateKeepsAssociationButMarksInvalid(t *testing.T) {
	c := includercache.New()
	c.Establish("h.h", "main.cc", compiledb.CompileCommand{}, true)

	c.Invalidate("h.h", "main.cc")

	_, ok := c.CompileCommand("h.h")
	assert.False(t, ok)
}

func TestAuthoritativeReplacesExistingAssociation(t *testing.T) {
	c := includercache.New()
	c.Establish("h.h", "a.cc", compiledb.CompileCommand{File: "a.cc"}, true)
	c.Establish("h.h", "b.cc", compiledb.CompileCommand{File: "b.cc"}, true)

	got, ok := c.CompileCommand("h.h")
	require.True(t, ok)
	assert.Equal(t, "b.cc", got.File)
}

func TestHeuristicDoesNotDisplaceValidAssociation(t *testing.T) {
	c := includercache.New()
	c.Establish("h.h", "a.cc", compiledb.CompileCommand{File: "a.cc"}, true)
	c.Establish("h.h", "b.cc", compiledb.CompileCommand{File: "b.cc"}, false)

	got, ok := c.CompileCommand("h.h")
	require.True(t, ok)
	assert.Equal(t, "a.cc", got.File)
}

func TestInvalidateMainInvalidatesAllItsAssociations(t *testing.T) {
	c := includercache.New()
	c.Establish("h1.h", "main.cc", compiledb.CompileCommand{}, true)
	c.Establish("h2.h", "main.cc", compiledb.CompileCommand{}, true)

	c.InvalidateMain("main.cc")

	_, ok1 := c.CompileCommand("h1.h")
	_, ok2 := c.CompileCommand("h2.h")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestReestablishAfterInvalidateMainWorks(t *testing.T) {
	c := includercache.New()
	c.Establish("h.h", "main.cc", compiledb.CompileCommand{}, true)
	c.InvalidateMain("main.cc")

	c.Establish("h.h", "other.cc", compiledb.CompileCommand{File: "other.cc"}, true)

	got, ok := c.CompileCommand("h.h")
	require.True(t, ok)
	assert.Equal(t, "other.cc", got.File)
}

func TestDependentsReturnsHeadersForMain(t *testing.T) {
	c := includercache.New()
	c.Establish("h1.h", "main.cc", compiledb.CompileCommand{}, true)
	c.Establish("h2.h", "main.cc", compiledb.CompileCommand{}, true)

	deps := c.Dependents("main.cc")
	assert.ElementsMatch(t, []string{"h1.h", "h2.h"}, deps)
}
