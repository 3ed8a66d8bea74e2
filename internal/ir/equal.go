package ir

import "reflect"

// Equal reports deep value equality. IRNull and a Go nil are equal.
func Equal(a, b IRValue) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch av := a.(type) {
	case IRString:
		bv, ok := b.(IRString)
		return ok && av == bv
	case IRInt:
		bv, ok := b.(IRInt)
		return ok && av == bv
	case IRBool:
		bv, ok := b.(IRBool)
		return ok && av == bv
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		if sameBacking(av, bv) {
			return true
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		if sameMap(av, bv) {
			return true
		}
		for k, v := range av {
			other, found := bv[k]
			if !found || !Equal(v, other) {
				return false
			}
		}
		return true
	}
	return false
}

// Identical reports reference identity: scalars compare by value, arrays and
// objects by backing storage. A reducer that returns its input unchanged
// produces an Identical value, which is how Combine detects "no change".
func Identical(a, b IRValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case IRArray:
		bv, ok := b.(IRArray)
		return ok && len(av) == len(bv) && sameBacking(av, bv)
	case IRObject:
		bv, ok := b.(IRObject)
		return ok && sameMap(av, bv)
	default:
		return a == b
	}
}

func sameMap(a, b IRObject) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func sameBacking(a, b IRArray) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0 && (a == nil) == (b == nil)
	}
	return &a[0] == &b[0]
}
