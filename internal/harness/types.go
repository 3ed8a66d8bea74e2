package harness

import "github.com/roach88/multistore/internal/ir"

// Trace phases.
const (
	PhaseSetup = "setup"
	PhaseFlow  = "flow"
)

// TraceEvent is one committed action as seen by the harness.
type TraceEvent struct {
	N       int64      `json:"n"`
	Phase   string     `json:"phase"`
	Step    int        `json:"step"`
	Type    string     `json:"type"`
	Payload ir.IRValue `json:"payload,omitempty"`
	Derived bool       `json:"derived,omitempty"` // produced by an effect
	Seq     int64      `json:"-"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is the final snapshot and StateHash its ir.StateHash.
	State     ir.IRObject `json:"state"`
	StateHash string      `json:"state_hash"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
