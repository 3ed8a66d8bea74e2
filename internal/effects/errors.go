package effects

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by a second Run on the same runner.
	ErrAlreadyRunning = errors.New("effect runner is already running")

	// ErrNotRunning is returned by Replace before Run or after Stop, and by
	// effect changes on a stopped Controller.
	ErrNotRunning = errors.New("effect runner is not running")

	// ErrNotInstalled is returned by Run when the runner's middleware was
	// never installed on an engine.
	ErrNotInstalled = errors.New("effect runner middleware is not installed")
)

// PanicError wraps a panic raised by a task or epic.
type PanicError struct {
	Effect string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("effect %q panicked: %v", e.Effect, e.Value)
}
