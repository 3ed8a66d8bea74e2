package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run against a store built from a CUE definition.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Definition is the CUE file declaring the store. Relative paths are
	// resolved against the scenario file.
	Definition string `yaml:"definition"`

	// Session is the fixed session token. Default: testutil.DefaultSession.
	Session string `yaml:"session,omitempty"`

	// Setup runs before Flow. Its steps may not carry expectations.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the main script.
	Flow []Step `yaml:"flow"`

	// Assertions are checked against the whole trace and the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step does exactly one of: dispatch an action, attach a module file,
// detach a module by name, or navigate the router.
type Step struct {
	Dispatch string `yaml:"dispatch,omitempty"`
	Payload  any    `yaml:"payload,omitempty"`

	// Attach is a CUE module file, resolved like Definition.
	Attach string `yaml:"attach,omitempty"`

	// Detach is the name of a module attached earlier.
	Detach string `yaml:"detach,omitempty"`

	// Navigate sends the router's navigator to a URL.
	Navigate string `yaml:"navigate,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks the outcome of one step.
type Expect struct {
	// Error, when set, must be contained in the step's error. When empty
	// the step must succeed.
	Error string `yaml:"error,omitempty"`

	// State maps dotted state paths to expected values after the step has
	// settled.
	State map[string]any `yaml:"state,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Payload is a subset match for trace_contains.
	Payload any `yaml:"payload,omitempty"`

	// Actions is the expected relative order for trace_order.
	Actions []string `yaml:"actions,omitempty"`

	// Count is the exact number of occurrences for trace_count.
	Count int `yaml:"count,omitempty"`

	// Path and Expect are used by final_state: the value at the dotted
	// path must equal Expect.
	Path   string `yaml:"path,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so typos
// fail loudly, and file references are resolved against the scenario's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	scenario.Definition = resolve(base, scenario.Definition)
	for i := range scenario.Setup {
		scenario.Setup[i].Attach = resolve(base, scenario.Setup[i].Attach)
	}
	for i := range scenario.Flow {
		scenario.Flow[i].Attach = resolve(base, scenario.Flow[i].Attach)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads path, or every *.yaml and *.yml file under it when
// it is a directory, in lexical order.
func LoadScenarios(path string) ([]*Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*Scenario{s}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(p); !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		out  []*Scenario
		errs []error
	)
	for _, f := range files {
		s, err := LoadScenario(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Definition == "" {
		return fmt.Errorf("definition is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot have expect", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	n := 0
	for _, set := range []bool{step.Dispatch != "", step.Attach != "", step.Detach != "", step.Navigate != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of dispatch, attach, detach, navigate is required")
	}
	if step.Payload != nil && step.Dispatch == "" {
		return fmt.Errorf("payload is only valid with dispatch")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("actions list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertFinalState:
		if a.Path == "" {
			return fmt.Errorf("path is required for final_state")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
