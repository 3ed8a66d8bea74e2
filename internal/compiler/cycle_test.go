package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/multistore/internal/ir"
)

func relay(name, then string, when ...string) ir.EffectSpec {
	return ir.EffectSpec{Name: name, When: when, Then: ir.ThenSpec{Type: then}}
}

func TestAnalyzeCyclesNone(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(nil))
	assert.Empty(t, AnalyzeCycles([]ir.EffectSpec{
		relay("a", "b/x", "a/x"),
		relay("b", "c/x", "b/x"),
	}))
}

func TestAnalyzeCyclesSelfLoop(t *testing.T) {
	warnings := AnalyzeCycles([]ir.EffectSpec{relay("echo", "ping/x", "ping/x")})
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"echo", "echo"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
}

func TestAnalyzeCyclesMultiNode(t *testing.T) {
	warnings := AnalyzeCycles([]ir.EffectSpec{
		relay("a", "b/x", "a/x"),
		relay("b", "c/x", "b/x"),
		relay("c", "a/x", "c/x"),
		relay("d", "a/x", "d/x"),
	})
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a", "b", "c", "a"}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "a -> b -> c -> a")
}

func TestAnalyzeCyclesSeparateComponents(t *testing.T) {
	warnings := AnalyzeCycles([]ir.EffectSpec{
		relay("y", "y/x", "y/x"),
		relay("p", "q/x", "p/x"),
		relay("q", "p/x", "q/x"),
	})
	require.Len(t, warnings, 2)
	assert.Equal(t, "p", warnings[0].Path[0])
	assert.Equal(t, "y", warnings[1].Path[0])
}
