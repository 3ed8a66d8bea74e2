package testutil

import (
	"io"
	"log/slog"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/require"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/ir"
)

// Definition compiles src, which must declare a top-level store, and fails
// the test on any compile or validation error.
func Definition(t testing.TB, src string) *ir.StoreDefinition {
	t.Helper()
	v := cuecontext.New().CompileString(src, cue.Filename("test.cue"))
	require.NoError(t, v.Err())
	def, err := compiler.CompileStore(v.LookupPath(cue.ParsePath("store")))
	require.NoError(t, err)
	require.Empty(t, compiler.Validate(def))
	return def
}

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
