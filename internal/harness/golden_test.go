package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/multistore/internal/ir"
)

func TestRunWithGolden_Checkout(t *testing.T) {
	s, err := LoadScenario("testdata/checkout.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestSnapshot_Canonical(t *testing.T) {
	s := &Scenario{Name: "snap"}
	result := &Result{
		Trace: []TraceEvent{
			{N: 1, Phase: PhaseFlow, Step: 0, Type: "a/b", Payload: ir.IRObject{"z": ir.IRInt(1), "a": ir.IRString("x")}, Seq: 42},
			{N: 2, Phase: PhaseFlow, Step: 0, Type: "c/d", Derived: true},
		},
		State:     ir.IRObject{"a": ir.IRInt(1)},
		StateHash: "h",
	}

	data, err := Snapshot(s, result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"snap","session":"test-session","state":{"a":1},"state_hash":"h",`+
			`"trace":[{"n":1,"payload":{"a":"x","z":1},"phase":"flow","step":0,"type":"a/b"},`+
			`{"derived":true,"n":2,"phase":"flow","step":0,"type":"c/d"}]}`,
		string(data))
}

func TestSnapshot_SessionAndEmptyState(t *testing.T) {
	data, err := Snapshot(&Scenario{Name: "s", Session: "fixed"}, NewResult())
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"s","session":"fixed","state":{},"state_hash":"","trace":[]}`, string(data))
}
