package ir

// Lookup walks nested object keys. It returns IRNull and false when a key
// is missing or an intermediate value is not an object.
func Lookup(v IRValue, path ...string) (IRValue, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(IRObject)
		if !ok {
			return IRNull{}, false
		}
		next, found := obj[key]
		if !found || next == nil {
			return IRNull{}, false
		}
		cur = next
	}
	if cur == nil {
		return IRNull{}, false
	}
	return cur, true
}
