package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// Target is the store a Persistor reads from and rehydrates into.
type Target interface {
	State() ir.IRObject
	Dispatch(action ir.Action) error
	Subscribe(fn engine.Listener) (unsubscribe func())
}

// Persistor keeps tracked slices in sync with their storage.
//
// Lifecycle:
//  1. Track the persisted slices
//  2. Start: rehydrate every tracked slice, then write on change
//  3. Stop: final flush
//
// Writes happen on a background goroutine; a commit only signals it.
type Persistor struct {
	target Target
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[string]*Reducer // state key -> reducer
	written map[string]ir.IRValue

	flushMu     sync.Mutex
	signal      chan struct{}
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPersistor creates a Persistor for target.
func NewPersistor(target Target, logger *slog.Logger) *Persistor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistor{
		target:  target,
		logger:  logger,
		tracked: make(map[string]*Reducer),
		written: make(map[string]ir.IRValue),
		signal:  make(chan struct{}, 1),
	}
}

// Track registers the persisted reducer mounted under slice.
func (p *Persistor) Track(slice string, r *Reducer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[slice] = r
	delete(p.written, slice)
}

// Untrack stops writing slice. Its stored item is kept.
func (p *Persistor) Untrack(slice string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, slice)
	delete(p.written, slice)
}

// Tracked returns the tracked slice names, sorted.
func (p *Persistor) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.tracked))
}

// Start rehydrates every tracked slice and begins writing changes.
func (p *Persistor) Start(ctx context.Context) error {
	if p.done != nil {
		return errors.New("persist: persistor already started")
	}
	for _, slice := range p.Tracked() {
		if err := p.RehydrateKey(ctx, slice); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.unsubscribe = p.target.Subscribe(func() {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	})
	go p.loop(runCtx)
	return nil
}

// RehydrateKey reads the stored value of slice and dispatches REHYDRATE. A
// missing item is not an error. An item that fails to decode is logged and
// skipped so the slice starts fresh.
func (p *Persistor) RehydrateKey(ctx context.Context, slice string) error {
	p.mu.Lock()
	r, ok := p.tracked[slice]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("persist: slice %q is not tracked", slice)
	}
	cfg := r.Config()

	raw, found, err := cfg.Storage.GetItem(ctx, cfg.Key)
	if err != nil {
		return fmt.Errorf("persist: rehydrate %q: %w", slice, err)
	}
	if !found {
		return nil
	}

	value, err := p.decodeValue(cfg, raw)
	if err != nil {
		p.logger.Warn("discarding stored slice", "slice", slice, "key", cfg.Key, "error", err)
		return nil
	}
	if err := p.target.Dispatch(Rehydrate(cfg.Key, value)); err != nil {
		return fmt.Errorf("persist: rehydrate %q: %w", slice, err)
	}

	p.mu.Lock()
	p.written[slice] = p.target.State()[slice]
	p.mu.Unlock()
	return nil
}

// Flush writes every tracked slice whose value changed since its last
// write.
func (p *Persistor) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	state := p.target.State()

	p.mu.Lock()
	type pendingWrite struct {
		slice string
		cfg   Config
		value ir.IRValue
	}
	var writes []pendingWrite
	for slice, r := range p.tracked {
		v, ok := state[slice]
		if !ok {
			continue
		}
		if last, seen := p.written[slice]; seen && ir.Identical(last, v) {
			continue
		}
		writes = append(writes, pendingWrite{slice: slice, cfg: r.Config(), value: v})
	}
	p.mu.Unlock()

	var errs []error
	for _, w := range writes {
		if err := p.write(ctx, w.cfg, w.value); err != nil {
			errs = append(errs, fmt.Errorf("persist %q: %w", w.slice, err))
			continue
		}
		p.mu.Lock()
		if _, still := p.tracked[w.slice]; still {
			p.written[w.slice] = w.value
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Purge removes the stored item of every tracked slice.
func (p *Persistor) Purge(ctx context.Context) error {
	p.mu.Lock()
	cfgs := make([]Config, 0, len(p.tracked))
	for _, r := range p.tracked {
		cfgs = append(cfgs, r.Config())
	}
	clear(p.written)
	p.mu.Unlock()

	var errs []error
	for _, cfg := range cfgs {
		if err := cfg.Storage.RemoveItem(ctx, cfg.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops background writes and performs a final flush.
func (p *Persistor) Stop(ctx context.Context) error {
	if p.done == nil {
		return nil
	}
	p.unsubscribe()
	p.cancel()
	<-p.done
	return p.Flush(ctx)
}

func (p *Persistor) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
			if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("persist flush failed", "error", err)
			}
		}
	}
}

func (p *Persistor) write(ctx context.Context, cfg Config, v ir.IRValue) error {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return err
	}
	encoded, err := encode(cfg.Transforms, cfg.Key, string(data))
	if err != nil {
		return err
	}
	return cfg.Storage.SetItem(ctx, cfg.Key, encoded)
}

func (p *Persistor) decodeValue(cfg Config, raw string) (ir.IRValue, error) {
	decoded, err := decode(cfg.Transforms, cfg.Key, raw)
	if err != nil {
		return nil, err
	}
	return ir.ParseJSON([]byte(decoded))
}
