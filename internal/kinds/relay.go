package kinds

import (
	"regexp"
	"strings"

	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/ir"
)

var placeholder = regexp.MustCompile(`\$\{payload((?:\.[A-Za-z0-9_-]+)*)\}`)

// Relay returns an epic that answers every action whose type is in
// spec.When with spec.Then, its payload bound from the trigger.
func Relay(spec ir.EffectSpec) effects.Epic {
	then := spec.Then
	return effects.Map(func(a ir.Action, _ effects.StateSource) []ir.Action {
		out := ir.Act(then.Type)
		if then.Payload != nil {
			out.Payload = Bind(then.Payload, a)
		}
		return []ir.Action{out}
	}, spec.When...)
}

// Relays builds every spec, keyed by effect name.
func Relays(specs []ir.EffectSpec) map[string]effects.Epic {
	out := make(map[string]effects.Epic, len(specs))
	for _, spec := range specs {
		out[spec.Name] = Relay(spec)
	}
	return out
}

// Bind substitutes ${payload.path} placeholders in template with values
// from trigger's payload. A string that is exactly one placeholder takes
// the referenced value with its type; placeholders inside longer strings
// are replaced by the value's text. Missing paths bind to null.
func Bind(template ir.IRValue, trigger ir.Action) ir.IRValue {
	switch v := template.(type) {
	case ir.IRObject:
		out := make(ir.IRObject, len(v))
		for k, child := range v {
			out[k] = Bind(child, trigger)
		}
		return out
	case ir.IRArray:
		out := make(ir.IRArray, len(v))
		for i, child := range v {
			out[i] = Bind(child, trigger)
		}
		return out
	case ir.IRString:
		return bindString(string(v), trigger)
	}
	return template
}

func bindString(s string, trigger ir.Action) ir.IRValue {
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return lookup(trigger, s[m[2]:m[3]])
	}
	if !strings.Contains(s, "${") {
		return ir.IRString(s)
	}
	return ir.IRString(placeholder.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholder.FindStringSubmatch(match)
		return text(lookup(trigger, sub[1]))
	}))
}

func lookup(trigger ir.Action, dotted string) ir.IRValue {
	payload := trigger.PayloadOrNull()
	if dotted == "" {
		return payload
	}
	v, ok := ir.Lookup(payload, strings.Split(strings.TrimPrefix(dotted, "."), ".")...)
	if !ok {
		return ir.IRNull{}
	}
	return v
}

func text(v ir.IRValue) string {
	if s, ok := v.(ir.IRString); ok {
		return string(s)
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(data)
}
