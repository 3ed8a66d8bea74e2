package store

import (
	"fmt"

	"github.com/roach88/multistore/internal/ir"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
// A nil payload is stored as null.
func marshalPayload(v ir.IRValue) (string, error) {
	if v == nil {
		v = ir.IRNull{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored JSON TEXT. Uses ir.ParseJSON, which keeps
// integers exact beyond 2^53. A stored null comes back as a nil payload.
func unmarshalPayload(data string) (ir.IRValue, error) {
	if data == "" || data == "null" {
		return nil, nil
	}
	v, err := ir.ParseJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}
