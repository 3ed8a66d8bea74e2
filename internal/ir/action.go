package ir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InternalPrefix marks actions the engine dispatches on its own. Internal
// actions bypass middleware and are never journaled.
const InternalPrefix = "@@multistore/"

// Action is a tagged value describing an intended state transition.
//
// Seq is stamped by the engine when the action is committed; callers leave it
// zero. Payload may be nil, which reducers see as IRNull.
type Action struct {
	Type    string  `json:"type"`
	Payload IRValue `json:"payload,omitempty"`
	Seq     int64   `json:"seq,omitempty"`
}

// NewAction builds an action with a payload.
func NewAction(actionType string, payload IRValue) Action {
	return Action{Type: actionType, Payload: payload}
}

// Act builds a payload-less action.
func Act(actionType string) Action {
	return Action{Type: actionType}
}

// IsInternal reports whether the action was generated by the engine.
func (a Action) IsInternal() bool {
	return strings.HasPrefix(a.Type, InternalPrefix)
}

// PayloadOrNull returns the payload, substituting IRNull for nil.
func (a Action) PayloadOrNull() IRValue {
	if a.Payload == nil {
		return IRNull{}
	}
	return a.Payload
}

// Field returns a top-level payload field, or IRNull when the payload is not
// an object or lacks the field.
func (a Action) Field(name string) IRValue {
	obj, ok := a.Payload.(IRObject)
	if !ok {
		return IRNull{}
	}
	return obj.Get(name)
}

// Validate checks the action can be dispatched.
func (a Action) Validate() error {
	if strings.TrimSpace(a.Type) == "" {
		return ValidationError{Field: "type", Message: "action type is required"}
	}
	return nil
}

// MarshalJSON writes {"type", "payload", "seq"} with IR encoding for payload.
func (a Action) MarshalJSON() ([]byte, error) {
	obj := IRObject{"type": IRString(a.Type)}
	if a.Payload != nil {
		obj["payload"] = a.Payload
	}
	if a.Seq != 0 {
		obj["seq"] = IRInt(a.Seq)
	}
	return obj.MarshalJSON()
}

// UnmarshalJSON accepts the MarshalJSON shape.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Seq     int64           `json:"seq"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Type = raw.Type
	a.Seq = raw.Seq
	a.Payload = nil
	if len(raw.Payload) > 0 {
		p, err := ParseJSON(raw.Payload)
		if err != nil {
			return fmt.Errorf("action payload: %w", err)
		}
		a.Payload = p
	}
	return nil
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
