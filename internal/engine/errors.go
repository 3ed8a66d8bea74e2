package engine

import (
	"errors"
	"fmt"
)

// EngineError represents an error detected while dispatching.
//
// Engine errors include:
//   - Empty action type: rejected synchronously by Dispatch
//   - Reserved action type: user code dispatched an @@multistore/ action
//   - Closed engine: Dispatch after Close
//   - Invalid root state: the root reducer returned a non-object
//   - State mutated: a reducer modified the previous snapshot in place
//   - Panic: a reducer or middleware panicked
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ActionType identifies the action being processed, if any.
	ActionType string

	// Seq is the seq stamped on the action, if it got that far.
	Seq int64
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	ErrCodeEmptyActionType  ErrorCode = "EMPTY_ACTION_TYPE"
	ErrCodeReservedType     ErrorCode = "RESERVED_ACTION_TYPE"
	ErrCodeClosed           ErrorCode = "ENGINE_CLOSED"
	ErrCodeInvalidRootState ErrorCode = "INVALID_ROOT_STATE"
	ErrCodeStateMutated     ErrorCode = "STATE_MUTATED"
	ErrCodePanic            ErrorCode = "DISPATCH_PANIC"
	ErrCodeNilReducer       ErrorCode = "NIL_REDUCER"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.ActionType != "" && e.Seq != 0 {
		return fmt.Sprintf("%s: %s (action=%s, seq=%d)", e.Code, e.Message, e.ActionType, e.Seq)
	}
	if e.ActionType != "" {
		return fmt.Sprintf("%s: %s (action=%s)", e.Code, e.Message, e.ActionType)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsClosedError returns true if the engine rejected work because it is closed.
// Uses errors.As to handle wrapped errors.
func IsClosedError(err error) bool {
	return hasCode(err, ErrCodeClosed)
}

// IsStateMutatedError returns true if a reducer mutated a published snapshot.
func IsStateMutatedError(err error) bool {
	return hasCode(err, ErrCodeStateMutated)
}

// IsInvalidActionError returns true for empty or reserved action types.
func IsInvalidActionError(err error) bool {
	return hasCode(err, ErrCodeEmptyActionType) || hasCode(err, ErrCodeReservedType)
}

func hasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewClosedError creates an error for dispatches after Close.
func NewClosedError(actionType string) *EngineError {
	return &EngineError{
		Code:       ErrCodeClosed,
		Message:    "engine is closed",
		ActionType: actionType,
	}
}

// NewStateMutatedError creates an error for in-place mutation of a snapshot.
func NewStateMutatedError(actionType string, seq int64) *EngineError {
	return &EngineError{
		Code:       ErrCodeStateMutated,
		Message:    "a reducer mutated the previous state snapshot in place; return new containers instead",
		ActionType: actionType,
		Seq:        seq,
	}
}

// NewInvalidRootStateError creates an error for a root reducer that did not
// return an object.
func NewInvalidRootStateError(actionType string, seq int64, got any) *EngineError {
	return &EngineError{
		Code:       ErrCodeInvalidRootState,
		Message:    fmt.Sprintf("root reducer must return an object, got %T", got),
		ActionType: actionType,
		Seq:        seq,
	}
}
