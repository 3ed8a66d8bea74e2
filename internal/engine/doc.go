// Package engine implements the multistore dispatch engine: a single root
// reducer, a middleware chain, listeners, and an atomically replaceable
// reducer.
//
// ARCHITECTURE:
//
// Single-Drainer Dispatch Queue:
// Every dispatch is appended to an unbounded FIFO queue. Whichever goroutine
// finds the engine idle becomes the drainer and processes queued actions one
// at a time until the queue is empty. For each action the drainer runs the
// middleware chain, the root reducer, and every listener before it takes
// the next action. This ensures:
//   - Strict FIFO processing in submission order
//   - No two reductions ever interleave
//   - Actions submitted from middleware or listeners are queued, not nested
//
// A Dispatch that finds another goroutine draining waits until the drainer
// has processed its action, so state read after Dispatch returns includes
// it. Enqueue returns as soon as the action is queued; middleware (through
// MiddlewareAPI), listeners and effect goroutines use it, since the drain
// may be running on their own goroutine.
//
// Dispatch Processing Flow:
//  1. Dispatch validates the action type and enqueues it
//  2. The drainer stamps a monotonic seq from Clock.Next()
//  3. Middleware runs, outermost first; the innermost step is commit
//  4. commit applies the root reducer and swaps the snapshot
//  5. Listeners run synchronously on the drainer's goroutine
//
// Reducer Replacement:
// ReplaceReducer swaps the root reducer under the engine mutex and queues
// an internal REPLACE action so new slices initialize and removed slices
// drop out of the snapshot. A reduction uses the reducer it read at its
// start, so it sees either the old or the new shape, never a mixture.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every committed action is stamped with a monotonic seq from Clock.Next().
// NEVER use wall-clock timestamps for ordering.
//
// Immutable Snapshots:
// Reducers return new containers and reuse untouched children. A reducer
// that does not change its slice returns its input, and Combine then returns
// the previous root, so listeners can detect "no change" by identity.
package engine
