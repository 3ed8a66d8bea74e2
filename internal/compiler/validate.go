package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/multistore/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// Store and module errors (E101-E109)
	ErrStoreNameEmpty    = "E101" // name is required
	ErrNoReducers        = "E102" // at least one reducer required
	ErrInvalidKind       = "E103" // unknown reducer kind
	ErrMissingSubstates  = "E104" // ws reducer without substates
	ErrDuplicateName     = "E105" // duplicate reducer/effect name
	ErrInvalidMerge      = "E106" // unknown persist merge
	ErrInvalidLogLevel   = "E107" // log level not in ValidLogLevels
	ErrInvalidSliceName  = "E108" // reducer name cannot be a state key
	ErrInvalidRouterKey  = "E109" // router key missing or colliding

	// Effect errors (E110-E119)
	ErrMissingTrigger      = "E110" // effect without when types
	ErrInvalidActionType   = "E111" // malformed or reserved action type
	ErrMissingThen         = "E112" // effect without then.type
	ErrInvalidPlaceholder  = "E113" // ${...} that is not a payload reference
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks compiled definitions. Returns all errors found (does not
// fail fast). Supports StoreDefinition and ModuleSpec.
func Validate(v any) []ValidationError {
	switch def := v.(type) {
	case *ir.StoreDefinition:
		return validateStore(def)
	case ir.StoreDefinition:
		return validateStore(&def)
	case *ir.ModuleSpec:
		return validateModule(def)
	case ir.ModuleSpec:
		return validateModule(&def)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateStore(def *ir.StoreDefinition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "store name is required", Code: ErrStoreNameEmpty})
	}
	if len(def.Reducers) == 0 {
		errs = append(errs, ValidationError{Field: "reducers", Message: "at least one reducer is required", Code: ErrNoReducers})
	}
	errs = append(errs, validateReducers(def.Reducers)...)
	errs = append(errs, validateEffects(def.Effects)...)

	if def.LogLevel != "" && !slices.Contains(ir.ValidLogLevels, def.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("invalid level %q, must be one of: %s", def.LogLevel, strings.Join(ir.ValidLogLevels, ", ")),
			Code:    ErrInvalidLogLevel,
		})
	}

	if def.Router != nil {
		switch {
		case def.Router.Key == "":
			errs = append(errs, ValidationError{Field: "router.key", Message: "router key is required", Code: ErrInvalidRouterKey})
		case slices.ContainsFunc(def.Reducers, func(r ir.ReducerSpec) bool { return r.Name == def.Router.Key }):
			errs = append(errs, ValidationError{
				Field:   "router.key",
				Message: fmt.Sprintf("router key %q collides with a reducer", def.Router.Key),
				Code:    ErrInvalidRouterKey,
			})
		}
	}
	return errs
}

func validateModule(mod *ir.ModuleSpec) []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(mod.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "module name is required", Code: ErrStoreNameEmpty})
	}
	if len(mod.Reducers) == 0 && len(mod.Effects) == 0 {
		errs = append(errs, ValidationError{Field: "module", Message: "module declares no reducers or effects", Code: ErrNoReducers})
	}
	errs = append(errs, validateReducers(mod.Reducers)...)
	errs = append(errs, validateEffects(mod.Effects)...)
	return errs
}

func validateReducers(specs []ir.ReducerSpec) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for i, r := range specs {
		at := fmt.Sprintf("reducers[%d]", i)

		if !sliceNamePattern.MatchString(r.Name) {
			errs = append(errs, ValidationError{
				Field:   at + ".name",
				Message: fmt.Sprintf("invalid reducer name %q, use letters, digits, _ and -", r.Name),
				Code:    ErrInvalidSliceName,
			})
		}
		if seen[r.Name] {
			errs = append(errs, ValidationError{
				Field:   at + ".name",
				Message: fmt.Sprintf("duplicate reducer name: %q", r.Name),
				Code:    ErrDuplicateName,
			})
		}
		seen[r.Name] = true

		if !ir.ValidKinds[r.Kind] {
			errs = append(errs, ValidationError{
				Field:   at + ".kind",
				Message: fmt.Sprintf("invalid kind %q, must be one of: counter, value, list, ws", r.Kind),
				Code:    ErrInvalidKind,
			})
		}
		if r.Kind == ir.KindWS && len(r.Substates) == 0 {
			errs = append(errs, ValidationError{
				Field:   at + ".substates",
				Message: "ws reducers need at least one substate",
				Code:    ErrMissingSubstates,
			})
		}
		if r.Persist != nil {
			switch r.Persist.Merge {
			case "", "level1", "level2", "hard_set":
			default:
				errs = append(errs, ValidationError{
					Field:   at + ".persist.merge",
					Message: fmt.Sprintf("invalid merge %q, must be one of: level1, level2, hard_set", r.Persist.Merge),
					Code:    ErrInvalidMerge,
				})
			}
		}
	}
	return errs
}

func validateEffects(specs []ir.EffectSpec) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)
	for i, e := range specs {
		at := fmt.Sprintf("effects[%d]", i)

		if seen[e.Name] {
			errs = append(errs, ValidationError{
				Field:   at + ".name",
				Message: fmt.Sprintf("duplicate effect name: %q", e.Name),
				Code:    ErrDuplicateName,
			})
		}
		seen[e.Name] = true

		if len(e.When) == 0 {
			errs = append(errs, ValidationError{
				Field:   at + ".when",
				Message: "at least one trigger action type is required",
				Code:    ErrMissingTrigger,
			})
		}
		for j, t := range e.When {
			errs = append(errs, validateActionType(fmt.Sprintf("%s.when[%d]", at, j), t)...)
		}

		if e.Then.Type == "" {
			errs = append(errs, ValidationError{
				Field:   at + ".then.type",
				Message: "emitted action type is required",
				Code:    ErrMissingThen,
			})
		} else {
			errs = append(errs, validateActionType(at+".then.type", e.Then.Type)...)
		}

		for _, ref := range placeholderRefs(e.Then.Payload) {
			if ref != "payload" && !strings.HasPrefix(ref, "payload.") {
				errs = append(errs, ValidationError{
					Field:   at + ".then.payload",
					Message: fmt.Sprintf("placeholder ${%s} must reference payload", ref),
					Code:    ErrInvalidPlaceholder,
				})
			}
		}
	}
	return errs
}

func validateActionType(field, t string) []ValidationError {
	if strings.HasPrefix(t, ir.InternalPrefix) {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("action type %q uses the reserved %s prefix", t, ir.InternalPrefix),
			Code:    ErrInvalidActionType,
		}}
	}
	if !actionTypePattern.MatchString(t) {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("invalid action type %q, expected \"slice/action\"", t),
			Code:    ErrInvalidActionType,
		}}
	}
	return nil
}

// sliceNamePattern matches names usable as a top-level state key and an
// action prefix.
var sliceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// actionTypePattern matches "slice/action" and deeper "slice/sub/action".
var actionTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*(/[A-Za-z0-9_-]+)+$`)

// placeholderPattern matches every ${...} in a template string.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// placeholderRefs collects the references of all placeholders in v.
func placeholderRefs(v ir.IRValue) []string {
	var refs []string
	switch v := v.(type) {
	case ir.IRString:
		for _, m := range placeholderPattern.FindAllStringSubmatch(string(v), -1) {
			refs = append(refs, m[1])
		}
	case ir.IRArray:
		for _, item := range v {
			refs = append(refs, placeholderRefs(item)...)
		}
	case ir.IRObject:
		for _, k := range v.SortedKeys() {
			refs = append(refs, placeholderRefs(v[k])...)
		}
	}
	return refs
}
