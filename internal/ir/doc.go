// Package ir provides the value model shared by every multistore package.
//
// State snapshots, action payloads, persisted slices and journal rows are all
// IRValue trees. ir imports nothing internal; every other package imports ir.
//
// Key constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Values are never mutated after they are published in a snapshot;
//     reducers build new containers and reuse untouched children
//   - Identity (Identical) answers "did this slice change", equality (Equal)
//     answers "is this the same value"
//   - All JSON tags use snake_case
//   - Logical clocks (seq) only, never wall-clock timestamps
package ir
