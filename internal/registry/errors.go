package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
)

// ErrorCode categorizes registry and lifecycle errors.
type ErrorCode string

const (
	CodeDuplicateKey           ErrorCode = "DUPLICATE_KEY"
	CodeUnknownKey             ErrorCode = "UNKNOWN_KEY"
	CodeEffectsNotEnabled      ErrorCode = "EFFECTS_NOT_ENABLED"
	CodeConflictingReducerName ErrorCode = "CONFLICTING_REDUCER_NAME"
	CodeAlreadyInitialized     ErrorCode = "ALREADY_INITIALIZED"
)

// Error is returned by attach/detach and by store initialization.
//
// Duplicate and unknown keys are recoverable: lifecycle-driven callers that
// only want "ensure attached" or "ensure detached" can drop them with
// IgnoreBenign. The remaining codes must propagate.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Kind names the registry ("reducer", "effect", "store").
	Kind string

	// Key is the offending key, if any.
	Key string

	// Message is a human-readable description.
	Message string

	// Suggestion is the closest registered key for unknown-key errors.
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

// Is matches another *Error by code, so errors.Is works with the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrDuplicateKey           = &Error{Code: CodeDuplicateKey, Message: "duplicate key"}
	ErrUnknownKey             = &Error{Code: CodeUnknownKey, Message: "unknown key"}
	ErrEffectsNotEnabled      = &Error{Code: CodeEffectsNotEnabled, Message: "stream effects are not enabled"}
	ErrConflictingReducerName = &Error{Code: CodeConflictingReducerName, Message: "conflicting reducer name"}
	ErrAlreadyInitialized     = &Error{Code: CodeAlreadyInitialized, Message: "store already initialized"}
)

// IsDuplicateKey reports whether err is a duplicate-key error.
func IsDuplicateKey(err error) bool { return hasCode(err, CodeDuplicateKey) }

// IsUnknownKey reports whether err is an unknown-key error.
func IsUnknownKey(err error) bool { return hasCode(err, CodeUnknownKey) }

// IsEffectsNotEnabled reports whether err rejected an effect operation on a
// store started without stream effects.
func IsEffectsNotEnabled(err error) bool { return hasCode(err, CodeEffectsNotEnabled) }

// IsConflictingName reports whether err is a reserved-name collision.
func IsConflictingName(err error) bool { return hasCode(err, CodeConflictingReducerName) }

// IsAlreadyInitialized reports whether err is a second-initialization error.
func IsAlreadyInitialized(err error) bool { return hasCode(err, CodeAlreadyInitialized) }

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IgnoreBenign returns nil for duplicate-key and unknown-key errors and err
// otherwise.
func IgnoreBenign(err error) error {
	if IsDuplicateKey(err) || IsUnknownKey(err) {
		return nil
	}
	return err
}

// NewDuplicateKeyError creates an error for an attach of an empty or taken key.
func NewDuplicateKeyError(kind, key string, static bool) *Error {
	msg := fmt.Sprintf("%s key %q is already registered", kind, key)
	switch {
	case key == "":
		msg = fmt.Sprintf("%s key must not be empty", kind)
	case static:
		msg = fmt.Sprintf("%s key %q is reserved by the initial configuration", kind, key)
	}
	return &Error{Code: CodeDuplicateKey, Kind: kind, Key: key, Message: msg}
}

// NewUnknownKeyError creates an error for a detach of a key that is not in
// the dynamic partition. candidates feed the suggestion.
func NewUnknownKeyError(kind, key string, static bool, candidates []string) *Error {
	msg := fmt.Sprintf("%s key %q is not attached", kind, key)
	switch {
	case key == "":
		msg = fmt.Sprintf("%s key must not be empty", kind)
	case static:
		msg = fmt.Sprintf("%s key %q belongs to the initial configuration and cannot be detached", kind, key)
	}
	e := &Error{Code: CodeUnknownKey, Kind: kind, Key: key, Message: msg}
	if key != "" && !static {
		e.Suggestion = suggest(key, candidates)
	}
	return e
}

// NewEffectsNotEnabledError creates an error for effect operations on a
// store without a stream runner.
func NewEffectsNotEnabledError(key string) *Error {
	return &Error{
		Code:    CodeEffectsNotEnabled,
		Kind:    "effect",
		Key:     key,
		Message: "stream effects were not configured at initialization; dynamic effects cannot be enabled later",
	}
}

// NewConflictingNameError creates an error for a reserved name that is
// already taken.
func NewConflictingNameError(kind, key string) *Error {
	return &Error{
		Code:    CodeConflictingReducerName,
		Kind:    kind,
		Key:     key,
		Message: fmt.Sprintf("%s name %q is already used by a configured reducer", kind, key),
	}
}

// NewAlreadyInitializedError creates an error for a second initialization.
func NewAlreadyInitializedError() *Error {
	return &Error{
		Code:    CodeAlreadyInitialized,
		Kind:    "store",
		Message: "a store has already been initialized; use the existing instance",
	}
}

// suggest returns the candidate closest to key, or "" when nothing is close
// enough to be useful.
func suggest(key string, candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	best, bestDist := "", -1
	for _, c := range sorted {
		d := levenshtein.ComputeDistance(key, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" {
		return ""
	}
	limit := len(key) / 2
	if limit < 2 {
		limit = 2
	}
	if bestDist > limit {
		return ""
	}
	return best
}
