package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/multistore/internal/engine"
)

func TestFixedSession(t *testing.T) {
	var gen engine.SessionGenerator = NewFixedSession("s-1")
	assert.Equal(t, "s-1", gen.Generate())
	assert.Equal(t, "s-1", gen.Generate())

	assert.Equal(t, DefaultSession, NewFixedSession("").Generate())
}

func TestDefinition(t *testing.T) {
	def := Definition(t, `store: { name: "t", reducers: n: kind: "counter" }`)
	assert.Equal(t, "t", def.Name)
	assert.Len(t, def.Reducers, 1)
}
