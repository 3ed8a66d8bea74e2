package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/testutil"
)

// Snapshot renders a run as canonical JSON: the scenario name, the
// session, the numbered trace and the final state with its hash. Equal
// runs produce identical bytes.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, event := range result.Trace {
		m := map[string]any{
			"n":     event.N,
			"phase": event.Phase,
			"step":  event.Step,
			"type":  event.Type,
		}
		if event.Payload != nil {
			m["payload"] = event.Payload
		}
		if event.Derived {
			m["derived"] = true
		}
		trace[i] = m
	}

	session := scenario.Session
	if session == "" {
		session = testutil.DefaultSession
	}
	state := result.State
	if state == nil {
		state = ir.IRObject{}
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario":   scenario.Name,
		"session":    session,
		"trace":      trace,
		"state":      state,
		"state_hash": result.StateHash,
	})
}

// RunWithGolden runs scenario and compares its snapshot with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
//
// The returned error covers running the scenario; a mismatch fails t.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
