package router

import (
	"context"
	"errors"
	"sync"
)

// NavigationEnd is emitted after a navigation completes.
type NavigationEnd struct {
	ID  int
	URL string
}

// NavigateOptions configures a navigation.
type NavigateOptions struct {
	// Replace replaces the current history entry instead of pushing.
	Replace bool
}

// NavigateOption is a functional option for NavigateByURL.
type NavigateOption func(*NavigateOptions)

// WithReplace replaces the current history entry instead of pushing.
func WithReplace() NavigateOption {
	return func(o *NavigateOptions) {
		o.Replace = true
	}
}

// Navigator is the navigation subsystem the router slice is bound to.
type Navigator interface {
	// URL returns the current location.
	URL() string

	// NavigateByURL navigates to url. NavigationEnd subscribers are called
	// before it returns.
	NavigateByURL(ctx context.Context, url string, opts ...NavigateOption) error

	// Subscribe registers fn for NavigationEnd events.
	Subscribe(fn func(NavigationEnd)) (unsubscribe func())
}

// ErrNoHistory is returned by Back and Forward at either end of the
// history.
var ErrNoHistory = errors.New("router: no history entry in that direction")

// History is an in-memory Navigator with back/forward support.
type History struct {
	mu      sync.Mutex
	entries []string
	index   int
	navID   int
	subs    map[int]func(NavigationEnd)
	nextSub int
}

// NewHistory creates a history positioned at initial.
func NewHistory(initial string) *History {
	return &History{
		entries: []string{initial},
		subs:    make(map[int]func(NavigationEnd)),
	}
}

func (h *History) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[h.index]
}

func (h *History) NavigateByURL(ctx context.Context, url string, opts ...NavigateOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var o NavigateOptions
	for _, opt := range opts {
		opt(&o)
	}

	h.mu.Lock()
	if o.Replace {
		h.entries[h.index] = url
	} else {
		h.entries = append(h.entries[:h.index+1], url)
		h.index++
	}
	ev, subs := h.endLocked()
	h.mu.Unlock()

	emit(subs, ev)
	return nil
}

// Back moves one entry back.
func (h *History) Back(ctx context.Context) error {
	return h.move(ctx, -1)
}

// Forward moves one entry forward.
func (h *History) Forward(ctx context.Context) error {
	return h.move(ctx, 1)
}

func (h *History) move(ctx context.Context, delta int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	next := h.index + delta
	if next < 0 || next >= len(h.entries) {
		h.mu.Unlock()
		return ErrNoHistory
	}
	h.index = next
	ev, subs := h.endLocked()
	h.mu.Unlock()

	emit(subs, ev)
	return nil
}

func (h *History) Subscribe(fn func(NavigationEnd)) func() {
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Entries returns the history stack and the current index.
func (h *History) Entries() ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries...), h.index
}

// Navigations returns the number of completed navigations.
func (h *History) Navigations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.navID
}

func (h *History) endLocked() (NavigationEnd, []func(NavigationEnd)) {
	h.navID++
	subs := make([]func(NavigationEnd), 0, len(h.subs))
	for id := 1; id <= h.nextSub; id++ {
		if fn, ok := h.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return NavigationEnd{ID: h.navID, URL: h.entries[h.index]}, subs
}

func emit(subs []func(NavigationEnd), ev NavigationEnd) {
	for _, fn := range subs {
		fn(ev)
	}
}
