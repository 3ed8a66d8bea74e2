// Package devtools records dispatched actions and serves the store over
// HTTP for inspection while developing.
//
// The Monitor is an engine enhancer: it decorates the root reducer, so it
// also sees the engine's internal INIT and REPLACE actions. The Server
// exposes the monitor, the current snapshot and a dispatch endpoint.
package devtools

import (
	"sync"
	"time"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// DefaultCapacity is the number of entries a Monitor keeps.
const DefaultCapacity = 256

// Entry is one recorded reduction.
type Entry struct {
	Seq     int64      `json:"seq"`
	Type    string     `json:"type"`
	Payload ir.IRValue `json:"payload,omitempty"`
	Hash    string     `json:"state_hash"`
	At      time.Time  `json:"at"`
}

// Monitor keeps the last Capacity entries in a ring and broadcasts new ones
// to subscribers. Slow subscribers miss entries rather than stall reducers.
type Monitor struct {
	mu      sync.Mutex
	ring    []Entry
	next    int
	full    bool
	subs    map[uint64]chan Entry
	nextSub uint64
}

// NewMonitor creates a monitor holding up to capacity entries. A
// non-positive capacity uses DefaultCapacity.
func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{
		ring: make([]Entry, capacity),
		subs: make(map[uint64]chan Entry),
	}
}

// Enhancer installs the monitor on an engine.
func (m *Monitor) Enhancer() engine.Enhancer {
	return func(e *engine.Engine) {
		e.WrapReducer(func(r engine.Reducer) engine.Reducer {
			return engine.ReducerFunc(func(state ir.IRValue, action ir.Action) ir.IRValue {
				next := r.Reduce(state, action)
				m.record(action, next)
				return next
			})
		})
	}
}

func (m *Monitor) record(action ir.Action, state ir.IRValue) {
	entry := Entry{
		Seq:     action.Seq,
		Type:    action.Type,
		Payload: action.Payload,
		At:      time.Now().UTC(),
	}
	if hash, err := ir.StateHash(state); err == nil {
		entry.Hash = hash
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = entry
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	for _, ch := range m.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Entries returns the recorded entries, oldest first.
func (m *Monitor) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]Entry(nil), m.ring[:m.next]...)
	}
	out := make([]Entry, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Since returns the entries with a seq greater than seq.
func (m *Monitor) Since(seq int64) []Entry {
	all := m.Entries()
	for i, e := range all {
		if e.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// Subscribe returns a channel receiving every new entry. The channel is
// closed by cancel.
func (m *Monitor) Subscribe(buffer int) (entries <-chan Entry, cancel func()) {
	ch := make(chan Entry, buffer)
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
