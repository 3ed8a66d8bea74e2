package persist

import "github.com/roach88/multistore/internal/ir"

// Reconciler merges a rehydrated value into a slice.
//
// inbound is the restored value, original is the slice before the
// REHYDRATE action, and reduced is what the wrapped reducer returned for
// it. A reducer that handled REHYDRATE itself makes reduced differ from
// original; reconcilers keep such changes.
type Reconciler func(inbound, original, reduced ir.IRValue) ir.IRValue

// HardSet replaces the slice with the inbound value.
func HardSet(inbound, _, _ ir.IRValue) ir.IRValue {
	return inbound
}

// AutoMergeLevel1 takes inbound top-level keys over reduced ones, except
// keys the reducer changed while handling REHYDRATE. For non-object values
// the inbound value wins unless the reducer changed the slice.
func AutoMergeLevel1(inbound, original, reduced ir.IRValue) ir.IRValue {
	return autoMerge(inbound, original, reduced, false)
}

// AutoMergeLevel2 is AutoMergeLevel1, but object values present on both
// sides are merged one level deeper instead of replaced.
func AutoMergeLevel2(inbound, original, reduced ir.IRValue) ir.IRValue {
	return autoMerge(inbound, original, reduced, true)
}

// ReconcilerByName maps the declaration names level1, level2 and hard_set
// to reconcilers. "" selects AutoMergeLevel1.
func ReconcilerByName(name string) (Reconciler, bool) {
	switch name {
	case "", "level1":
		return AutoMergeLevel1, true
	case "level2":
		return AutoMergeLevel2, true
	case "hard_set":
		return HardSet, true
	}
	return nil, false
}

func autoMerge(inbound, original, reduced ir.IRValue, deep bool) ir.IRValue {
	in, inOK := inbound.(ir.IRObject)
	red, redOK := reduced.(ir.IRObject)
	if !inOK || !redOK {
		if ir.Identical(original, reduced) {
			return inbound
		}
		return reduced
	}
	orig, _ := original.(ir.IRObject)

	next := make(ir.IRObject, len(red)+len(in))
	for k, v := range red {
		next[k] = v
	}
	for k, v := range in {
		if orig != nil && !ir.Identical(orig[k], red[k]) {
			continue
		}
		if deep {
			if inner, ok := v.(ir.IRObject); ok {
				if cur, ok := red[k].(ir.IRObject); ok {
					merged := make(ir.IRObject, len(cur)+len(inner))
					for ck, cv := range cur {
						merged[ck] = cv
					}
					for ik, iv := range inner {
						merged[ik] = iv
					}
					next[k] = merged
					continue
				}
			}
		}
		next[k] = v
	}
	return next
}
