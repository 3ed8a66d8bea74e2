package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/multistore/internal/ir"
)

// AssertionError is returned when an assertion fails. It carries the
// whole trace so the failure can be read without re-running.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		marker := ""
		if event.Derived {
			marker = " (derived)"
		}
		fmt.Fprintf(&buf, "  [%d] %s %s%s\n", event.N, event.Type, text(event.Payload), marker)
	}
	return buf.String()
}

// assertTraceContains checks that some action of the given type carries a
// payload matching the expected one (subset semantics).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	var want ir.IRValue
	if assertion.Payload != nil {
		v, err := ir.FromGo(assertion.Payload)
		if err != nil {
			return fmt.Errorf("trace_contains: payload: %w", err)
		}
		want = v
	}
	for _, event := range trace {
		if event.Type != assertion.Action {
			continue
		}
		if want == nil || matchSubset(event.Payload, want) {
			return nil
		}
	}

	expected := "action " + assertion.Action
	if want != nil {
		expected += " with payload " + text(want)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the listed actions
// appear in the given order. Other actions may come in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Type]; !seen {
			positions[event.Type] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that an action type occurs exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the value at a dotted path of the final state.
func assertFinalState(result *Result, assertion Assertion) error {
	if msg := checkState(result.State, assertion.Path, assertion.Expect); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s = %s", assertion.Path, goText(assertion.Expect)),
			Actual:   msg,
			Trace:    result.Trace,
		}
	}
	return nil
}

// checkState returns a description of the mismatch, or "" when the value
// at path equals expected exactly.
func checkState(state ir.IRObject, path string, expected any) string {
	want, err := ir.FromGo(expected)
	if err != nil {
		return fmt.Sprintf("state %s: expected value: %v", path, err)
	}
	got, ok := ir.Lookup(state, strings.Split(path, ".")...)
	if !ok {
		return fmt.Sprintf("state %s: path not found", path)
	}
	if !ir.Equal(got, want) {
		return fmt.Sprintf("state %s: expected %s, got %s", path, text(want), text(got))
	}
	return ""
}

// matchSubset reports whether actual contains expected. Objects match when
// every expected key matches; every other value must be equal.
func matchSubset(actual, expected ir.IRValue) bool {
	want, ok := expected.(ir.IRObject)
	if !ok {
		return ir.Equal(orNull(actual), expected)
	}
	got, ok := actual.(ir.IRObject)
	if !ok {
		return false
	}
	for k, v := range want {
		av, present := got[k]
		if !present || !matchSubset(av, v) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates every assertion and returns the messages of
// those that failed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func orNull(v ir.IRValue) ir.IRValue {
	if v == nil {
		return ir.IRNull{}
	}
	return v
}

func text(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(orNull(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func goText(v any) string {
	iv, err := ir.FromGo(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return text(iv)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
