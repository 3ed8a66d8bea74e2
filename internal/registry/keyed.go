// Package registry holds keyed registrations split into a static partition,
// fixed when the registry is created, and a dynamic partition that feature
// modules attach to and detach from at runtime.
//
// Every mutation of the dynamic partition recomposes the whole registration
// set through a callback. The two partitions never share a key.
package registry

import (
	"maps"
	"slices"
	"sync"
)

// Recompose rebuilds whatever the registry feeds from the full set of
// entries. static and dynamic are private copies. A non-nil error rejects
// the mutation that triggered it.
type Recompose[V any] func(static, dynamic map[string]V) error

// Keyed is a two-partition keyed registry.
//
// Thread-safety: all methods are safe for concurrent use. Attach and Detach
// hold the registry lock across recomposition, so recompositions are
// applied in the same order as the mutations that caused them.
type Keyed[V any] struct {
	mu        sync.Mutex
	kind      string
	static    map[string]V
	dynamic   map[string]V
	recompose Recompose[V]
}

// NewKeyed creates a registry whose static partition is a copy of static.
// recompose may be nil.
func NewKeyed[V any](kind string, static map[string]V, recompose Recompose[V]) *Keyed[V] {
	s := make(map[string]V, len(static))
	maps.Copy(s, static)
	return &Keyed[V]{
		kind:      kind,
		static:    s,
		dynamic:   make(map[string]V),
		recompose: recompose,
	}
}

// Kind returns the registry name used in errors.
func (k *Keyed[V]) Kind() string {
	return k.kind
}

// Attach adds key to the dynamic partition and recomposes.
//
// Fails with a duplicate-key error when key is empty or present in either
// partition. If recomposition fails the entry is removed again and the
// recomposition error is returned.
func (k *Keyed[V]) Attach(key string, v V) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key == "" {
		return NewDuplicateKeyError(k.kind, key, false)
	}
	if _, ok := k.static[key]; ok {
		return NewDuplicateKeyError(k.kind, key, true)
	}
	if _, ok := k.dynamic[key]; ok {
		return NewDuplicateKeyError(k.kind, key, false)
	}

	k.dynamic[key] = v
	if err := k.recomposeLocked(); err != nil {
		delete(k.dynamic, key)
		return err
	}
	return nil
}

// Detach removes key from the dynamic partition and recomposes. Static keys
// cannot be detached.
func (k *Keyed[V]) Detach(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	prev, ok := k.dynamic[key]
	if key == "" || !ok {
		_, static := k.static[key]
		return NewUnknownKeyError(k.kind, key, static, slices.Collect(maps.Keys(k.dynamic)))
	}

	delete(k.dynamic, key)
	if err := k.recomposeLocked(); err != nil {
		k.dynamic[key] = prev
		return err
	}
	return nil
}

// Recompose re-runs the callback with the current entries.
func (k *Keyed[V]) Recompose() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.recomposeLocked()
}

func (k *Keyed[V]) recomposeLocked() error {
	if k.recompose == nil {
		return nil
	}
	return k.recompose(maps.Clone(k.static), maps.Clone(k.dynamic))
}

// Entries returns a copy of the union of both partitions.
func (k *Keyed[V]) Entries() map[string]V {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]V, len(k.static)+len(k.dynamic))
	maps.Copy(out, k.static)
	maps.Copy(out, k.dynamic)
	return out
}

// Dynamic returns a copy of the dynamic partition.
func (k *Keyed[V]) Dynamic() map[string]V {
	k.mu.Lock()
	defer k.mu.Unlock()
	return maps.Clone(k.dynamic)
}

// Keys returns every key, sorted.
func (k *Keyed[V]) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := slices.Collect(maps.Keys(k.static))
	keys = append(keys, slices.Collect(maps.Keys(k.dynamic))...)
	slices.Sort(keys)
	return keys
}

// StaticKeys returns the static keys, sorted.
func (k *Keyed[V]) StaticKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Sorted(maps.Keys(k.static))
}

// DynamicKeys returns the dynamic keys, sorted.
func (k *Keyed[V]) DynamicKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Sorted(maps.Keys(k.dynamic))
}

// Has reports whether key is registered in either partition.
func (k *Keyed[V]) Has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, s := k.static[key]
	_, d := k.dynamic[key]
	return s || d
}

// IsStatic reports whether key is in the static partition.
func (k *Keyed[V]) IsStatic(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.static[key]
	return ok
}
