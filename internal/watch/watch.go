// Package watch hot-reloads CUE feature modules into a running store.
//
// Each *.cue file in the watched directory declares one module:
//
//	module: {
//		name: "billing"
//		reducers: invoices: kind: "list"
//		effects: notify: { when: "invoices/push", then: type: "toast/show" }
//	}
//
// Creating or saving a file attaches the module. Saving again replaces it:
// effects are always re-attached, reducers only when their declaration
// changed, so unchanged slices keep their state. Removing the file detaches
// the module. A file that fails to compile leaves the previous version in
// place.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/fsnotify/fsnotify"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/kinds"
)

// DefaultDebounce is how long a path must be quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// Target is the store modules are attached to. *facade.Store satisfies it.
type Target interface {
	AddReducer(key string, reducer engine.Reducer) error
	RemoveReducer(key string) error
	AddEffect(key string, epic effects.Epic) error
	RemoveEffect(key string) error
}

// Option configures Modules.
type Option func(*Modules)

// WithDebounce sets the quiet period before a changed file is reloaded.
func WithDebounce(d time.Duration) Option {
	return func(m *Modules) {
		m.debounce = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Modules) {
		m.logger = l
	}
}

// WithPersistDeps supplies storage for persisted module slices.
func WithPersistDeps(deps kinds.PersistDeps) Option {
	return func(m *Modules) {
		m.deps = deps
	}
}

// Modules watches a directory and keeps the target in sync with it.
type Modules struct {
	dir      string
	target   Target
	deps     kinds.PersistDeps
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	loaded  map[string]*ir.ModuleSpec // by file path
	pending map[string]time.Time
	watcher *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewModules creates a watcher for dir. Nothing is loaded until Start.
func NewModules(dir string, target Target, opts ...Option) *Modules {
	m := &Modules{
		dir:      dir,
		target:   target,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		loaded:   make(map[string]*ir.ModuleSpec),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "watch", "dir", dir)
	return m
}

// Start loads every module in the directory, then watches it until Stop
// or ctx is done. Load errors of individual files are logged, not
// returned.
func (m *Modules) Start(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		m.mu.Unlock()
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.watcher = w
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	for _, e := range entries {
		if !e.IsDir() && isModuleFile(e.Name()) {
			m.reload(filepath.Join(m.dir, e.Name()))
		}
	}

	go m.run(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit. Attached modules stay
// attached.
func (m *Modules) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

// Loaded returns the names of attached modules, sorted.
func (m *Modules) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loaded))
	for _, mod := range m.loaded {
		names = append(names, mod.Name)
	}
	slices.Sort(names)
	return names
}

func (m *Modules) run(ctx context.Context) {
	defer close(m.doneCh)
	defer func() {
		if err := m.watcher.Close(); err != nil {
			m.logger.Error("close watcher", "error", err)
		}
	}()

	tick := time.NewTicker(max(m.debounce/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isModuleFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			m.mu.Lock()
			m.pending[ev.Name] = time.Now()
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("watcher error", "error", err)
		case now := <-tick.C:
			for _, path := range m.due(now) {
				m.reload(path)
			}
		}
	}
}

// due pops paths that have been quiet for the debounce period.
func (m *Modules) due(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []string
	for path, at := range m.pending {
		if now.Sub(at) >= m.debounce {
			ready = append(ready, path)
			delete(m.pending, path)
		}
	}
	slices.Sort(ready)
	return ready
}

// reload brings the target in line with the file at path: attach, replace
// or detach.
func (m *Modules) reload(path string) {
	m.mu.Lock()
	prev := m.loaded[path]
	m.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if prev != nil {
			m.detach(prev, nil)
			m.mu.Lock()
			delete(m.loaded, path)
			m.mu.Unlock()
			m.logger.Info("module detached", "module", prev.Name, "path", path)
		}
		return
	}
	if err != nil {
		m.logger.Error("read module", "path", path, "error", err)
		return
	}

	next, err := Compile(path, data)
	if err != nil {
		m.logger.Error("module rejected", "path", path, "error", err)
		return
	}
	if prev != nil && prev.Name != next.Name {
		m.detach(prev, nil)
		prev = nil
	}

	m.detach(prev, next)
	attached := m.attach(prev, next)

	m.mu.Lock()
	m.loaded[path] = attached
	m.mu.Unlock()
	m.logger.Info("module attached", "module", next.Name, "path", path,
		"reducers", len(attached.Reducers), "effects", len(attached.Effects))
}

// detach removes prev's effects, and its reducers that next does not keep
// unchanged. A nil next removes everything.
func (m *Modules) detach(prev, next *ir.ModuleSpec) {
	if prev == nil {
		return
	}
	for _, e := range prev.Effects {
		if err := m.target.RemoveEffect(effectKey(prev.Name, e.Name)); err != nil {
			m.logger.Warn("remove effect", "module", prev.Name, "effect", e.Name, "error", err)
		}
	}
	for _, r := range prev.Reducers {
		if next != nil && unchanged(r, next.Reducers) {
			continue
		}
		if err := m.target.RemoveReducer(r.Name); err != nil {
			m.logger.Warn("remove reducer", "module", prev.Name, "reducer", r.Name, "error", err)
		}
	}
}

// attach adds next's reducers and effects and returns what was actually
// attached, so a later detach does not touch keys owned by others.
func (m *Modules) attach(prev, next *ir.ModuleSpec) *ir.ModuleSpec {
	out := &ir.ModuleSpec{Name: next.Name}
	for _, spec := range next.Reducers {
		if prev != nil && unchanged(spec, prev.Reducers) {
			out.Reducers = append(out.Reducers, spec)
			continue
		}
		r, err := kinds.Build(spec, m.deps)
		if err == nil {
			err = m.target.AddReducer(spec.Name, r)
		}
		if err != nil {
			m.logger.Error("add reducer", "module", next.Name, "reducer", spec.Name, "error", err)
			continue
		}
		out.Reducers = append(out.Reducers, spec)
	}
	for _, spec := range next.Effects {
		if err := m.target.AddEffect(effectKey(next.Name, spec.Name), kinds.Relay(spec)); err != nil {
			m.logger.Error("add effect", "module", next.Name, "effect", spec.Name, "error", err)
			continue
		}
		out.Effects = append(out.Effects, spec)
	}
	return out
}

// Compile parses and validates one module file.
func Compile(filename string, data []byte) (*ir.ModuleSpec, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, err
	}
	mv := v.LookupPath(cue.ParsePath("module"))
	if !mv.Exists() {
		return nil, fmt.Errorf("%s: no module declared", filename)
	}
	mod, err := compiler.CompileModule(mv)
	if err != nil {
		return nil, err
	}
	if mod.Name == "module" {
		mod.Name = strings.TrimSuffix(filepath.Base(filename), ".cue")
	}
	if err := compiler.Join(compiler.Validate(mod)); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return mod, nil
}

func effectKey(module, effect string) string {
	return module + "." + effect
}

func unchanged(spec ir.ReducerSpec, in []ir.ReducerSpec) bool {
	for _, other := range in {
		if other.Name == spec.Name {
			return reflect.DeepEqual(other, spec)
		}
	}
	return false
}

func isModuleFile(name string) bool {
	base := filepath.Base(name)
	return filepath.Ext(base) == ".cue" && !strings.HasPrefix(base, ".")
}
