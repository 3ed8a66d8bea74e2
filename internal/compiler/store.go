package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/multistore/internal/ir"
)

// CompileStore parses a CUE value into a StoreDefinition.
//
// The value is the store struct itself:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`store: { name: "app", reducers: { clicks: kind: "counter" } }`)
//	def, err := CompileStore(v.LookupPath(cue.ParsePath("store")))
//
// Reducers and effects are declared as structs keyed by name and keep
// their declaration order.
func CompileStore(v cue.Value) (*ir.StoreDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.StoreDefinition{}
	var err error

	if def.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = lastLabel(v)
	}
	if def.LogLevel, err = optionalString(v, "log_level"); err != nil {
		return nil, err
	}
	if def.DevTools, err = optionalBool(v, "dev_tools"); err != nil {
		return nil, err
	}
	if def.Persistence, err = optionalBool(v, "persistence"); err != nil {
		return nil, err
	}
	if def.Streams, err = optionalBool(v, "streams"); err != nil {
		return nil, err
	}

	if def.Reducers, err = parseReducers(v); err != nil {
		return nil, err
	}
	if len(def.Reducers) == 0 {
		return nil, &CompileError{Field: "reducers", Message: "at least one reducer is required", Pos: v.Pos()}
	}
	if def.Effects, err = parseEffects(v); err != nil {
		return nil, err
	}

	if rv := v.LookupPath(cue.ParsePath("router")); rv.Exists() {
		r := &ir.RouterSpec{}
		if r.Key, err = optionalString(rv, "key"); err != nil {
			return nil, err
		}
		if r.Initial, err = optionalString(rv, "initial"); err != nil {
			return nil, err
		}
		def.Router = r
	}

	if mv := v.LookupPath(cue.ParsePath("default_middleware")); mv.Exists() {
		check, err := optionalBool(mv, "immutable_check")
		if err != nil {
			return nil, err
		}
		def.DefaultMiddleware = &ir.MiddlewareSpec{ImmutableCheck: check}
	}

	if pv := v.LookupPath(cue.ParsePath("preloaded_state")); pv.Exists() {
		state, err := Value(pv)
		if err != nil {
			return nil, err
		}
		obj, ok := state.(ir.IRObject)
		if !ok {
			return nil, &CompileError{Field: "preloaded_state", Message: "must be a struct", Pos: pv.Pos()}
		}
		def.PreloadedState = obj
	}

	return def, nil
}

// CompileModule parses a CUE value into a feature module.
func CompileModule(v cue.Value) (*ir.ModuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	mod := &ir.ModuleSpec{}
	var err error
	if mod.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if mod.Name == "" {
		mod.Name = lastLabel(v)
	}
	if mod.Reducers, err = parseReducers(v); err != nil {
		return nil, err
	}
	if mod.Effects, err = parseEffects(v); err != nil {
		return nil, err
	}
	if len(mod.Reducers) == 0 && len(mod.Effects) == 0 {
		return nil, &CompileError{Field: "module", Message: "module declares no reducers or effects", Pos: v.Pos()}
	}
	return mod, nil
}

func parseReducers(v cue.Value) ([]ir.ReducerSpec, error) {
	rv := v.LookupPath(cue.ParsePath("reducers"))
	if !rv.Exists() {
		return nil, nil
	}
	iter, err := rv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []ir.ReducerSpec
	for iter.Next() {
		name := iter.Selector().Unquoted()
		val := iter.Value()
		spec := ir.ReducerSpec{Name: name}

		kindVal := val.LookupPath(cue.ParsePath("kind"))
		if !kindVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("reducers.%s.kind", name),
				Message: "reducer kind is required",
				Pos:     val.Pos(),
			}
		}
		if spec.Kind, err = kindVal.String(); err != nil {
			return nil, formatCUEError(err)
		}

		if iv := val.LookupPath(cue.ParsePath("initial")); iv.Exists() {
			if spec.Initial, err = Value(iv); err != nil {
				return nil, err
			}
		}
		if spec.Substates, err = optionalStrings(val, "substates"); err != nil {
			return nil, err
		}

		if pv := val.LookupPath(cue.ParsePath("persist")); pv.Exists() {
			p := &ir.PersistSpec{}
			// persist: true is shorthand for the defaults.
			if on, err := pv.Bool(); err == nil {
				if on {
					spec.Persist = p
				}
			} else {
				if p.Key, err = optionalString(pv, "key"); err != nil {
					return nil, err
				}
				if p.Secure, err = optionalBool(pv, "secure"); err != nil {
					return nil, err
				}
				if p.Merge, err = optionalString(pv, "merge"); err != nil {
					return nil, err
				}
				spec.Persist = p
			}
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

func parseEffects(v cue.Value) ([]ir.EffectSpec, error) {
	ev := v.LookupPath(cue.ParsePath("effects"))
	if !ev.Exists() {
		return nil, nil
	}
	iter, err := ev.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []ir.EffectSpec
	for iter.Next() {
		name := iter.Selector().Unquoted()
		val := iter.Value()
		spec := ir.EffectSpec{Name: name}

		// when accepts a single type or a list.
		whenVal := val.LookupPath(cue.ParsePath("when"))
		if !whenVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("effects.%s.when", name),
				Message: "trigger action types are required",
				Pos:     val.Pos(),
			}
		}
		if s, err := whenVal.String(); err == nil {
			spec.When = []string{s}
		} else if spec.When, err = optionalStrings(val, "when"); err != nil {
			return nil, err
		}

		thenVal := val.LookupPath(cue.ParsePath("then"))
		if !thenVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("effects.%s.then", name),
				Message: "emitted action is required",
				Pos:     val.Pos(),
			}
		}
		if spec.Then.Type, err = optionalString(thenVal, "type"); err != nil {
			return nil, err
		}
		if pv := thenVal.LookupPath(cue.ParsePath("payload")); pv.Exists() {
			payload, err := Value(pv)
			if err != nil {
				return nil, err
			}
			obj, ok := payload.(ir.IRObject)
			if !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("effects.%s.then.payload", name),
					Message: "must be a struct",
					Pos:     pv.Pos(),
				}
			}
			spec.Then.Payload = obj
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

// Value converts a concrete CUE value to an IR value.
// Floats are rejected: state is integer-only.
func Value(v cue.Value) (ir.IRValue, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(n), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			item, err := Value(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			item, err := Value(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Selector().Unquoted()] = item
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "type",
			Message: "float values are not allowed, use int",
			Pos:     v.Pos(),
		}
	}
	return nil, &CompileError{
		Field:   "type",
		Message: fmt.Sprintf("unsupported value kind: %v", v.Kind()),
		Pos:     v.Pos(),
	}
}

func lastLabel(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	return sels[len(sels)-1].Unquoted()
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optionalStrings(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
