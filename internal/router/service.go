package router

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/selector"
)

// Store is the store surface the Service uses.
type Store interface {
	Dispatch(action ir.Action) error
	Select(ctx context.Context, sel selector.Selector) iter.Seq[ir.IRValue]
	SelectSync(sel selector.Selector) ir.IRValue
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for dispatch and navigation failures. A nil
// logger keeps the default.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service bridges a Navigator and the router slice:
//   - NavigationEnd -> dispatch router/updateUrl
//   - slice value differing from Navigator.URL() -> NavigateByURL
type Service struct {
	key    string
	nav    Navigator
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewService creates a service for the slice mounted under key.
func NewService(key string, nav Navigator, opts ...ServiceOption) *Service {
	s := &Service{key: key, nav: nav, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the slice name.
func (s *Service) Key() string {
	return s.key
}

// Navigator returns the bound navigator.
func (s *Service) Navigator() Navigator {
	return s.nav
}

// Init starts both directions of the bridge and seeds the slice with the
// navigator's current location. It returns once the reverse subscription
// has seen the current slice value.
func (s *Service) Init(ctx context.Context, store Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("router: service already initialized")
	}

	s.unsubscribe = s.nav.Subscribe(func(ev NavigationEnd) {
		if err := store.Dispatch(UpdateURL(ev.URL)); err != nil {
			s.logger.Error("router update failed", "url", ev.URL, "error", err)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	ready := make(chan struct{})
	go s.follow(runCtx, store, ready)
	<-ready

	if url := s.nav.URL(); url != "" {
		if err := store.Dispatch(UpdateURL(url)); err != nil {
			return err
		}
	}
	return nil
}

// follow navigates whenever the slice holds a location the navigator is
// not at. Values already superseded in the store are skipped, so a
// navigation that happened meanwhile is not undone.
func (s *Service) follow(ctx context.Context, store Store, ready chan<- struct{}) {
	defer close(s.done)
	sel := selector.Path(s.key)
	first := true
	for v := range store.Select(ctx, sel) {
		if first {
			close(ready)
			first = false
		}
		url, ok := v.(ir.IRString)
		if !ok || url == "" || string(url) == s.nav.URL() {
			continue
		}
		if !ir.Equal(store.SelectSync(sel), v) {
			continue
		}
		if err := s.nav.NavigateByURL(ctx, string(url)); err != nil && ctx.Err() == nil {
			s.logger.Error("router navigation failed", "url", string(url), "error", err)
		}
	}
	if first {
		close(ready)
	}
}

// Stop detaches the service from the navigator and the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	s.unsubscribe()
	s.cancel()
	<-s.done
	s.done = nil
}
