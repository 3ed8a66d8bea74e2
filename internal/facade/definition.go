package facade

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/multistore/internal/effects"
	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
	"github.com/roach88/multistore/internal/kinds"
	"github.com/roach88/multistore/internal/router"
)

// FromDefinition translates a compiled store definition into a Config.
//
// Relay effects become the configured stream epics, so declaring any
// effect (or streams: true) enables dynamic effects. A router declaration
// is bound to nav, or to an in-memory History at router.initial when nav
// is nil.
func FromDefinition(def *ir.StoreDefinition, deps kinds.PersistDeps, nav router.Navigator, logger *slog.Logger) (Config, error) {
	reducers, err := kinds.Reducers(def.Reducers, deps)
	if err != nil {
		return Config{}, fmt.Errorf("facade: store %q: %w", def.Name, err)
	}

	cfg := Config{
		Reducers:       reducers,
		DevTools:       def.DevTools,
		PreloadedState: def.PreloadedState,
		Persistence:    def.Persistence,
		LogLevel:       def.LogLevel,
		Logger:         logger,
	}
	if def.Streams || len(def.Effects) > 0 {
		cfg.Effects = &effects.Options{Streams: kinds.Relays(def.Effects)}
	}
	if m := def.DefaultMiddleware; m != nil {
		cfg.DefaultMiddleware = &engine.DefaultMiddlewareOptions{ImmutableCheck: m.ImmutableCheck}
	}
	if r := def.Router; r != nil {
		if nav == nil {
			initial := r.Initial
			if initial == "" {
				initial = "/"
			}
			nav = router.NewHistory(initial)
		}
		cfg.Router = router.Configure(r.Key, nav, router.WithLogger(logger))
	}
	return cfg, nil
}

// AttachModule adds a feature module's reducers and relay effects. It
// stops at the first failure and detaches what it attached.
func (s *Store) AttachModule(mod *ir.ModuleSpec, deps kinds.PersistDeps) (err error) {
	var undo []func() error
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				_ = undo[i]()
			}
		}
	}()

	for _, spec := range mod.Reducers {
		r, err := kinds.Build(spec, deps)
		if err != nil {
			return fmt.Errorf("module %q: %w", mod.Name, err)
		}
		release, err := s.Mount(spec.Name, r)
		if err != nil {
			return fmt.Errorf("module %q: %w", mod.Name, err)
		}
		undo = append(undo, release)
	}
	for _, spec := range mod.Effects {
		release, err := s.MountEffect(ModuleEffectKey(mod.Name, spec.Name), kinds.Relay(spec))
		if err != nil {
			return fmt.Errorf("module %q: %w", mod.Name, err)
		}
		undo = append(undo, release)
	}
	return nil
}

// DetachModule removes everything AttachModule added for mod.
func (s *Store) DetachModule(mod *ir.ModuleSpec) error {
	var errs []error
	for _, spec := range mod.Effects {
		if err := s.RemoveEffect(ModuleEffectKey(mod.Name, spec.Name)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, spec := range mod.Reducers {
		if err := s.RemoveReducer(spec.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ModuleEffectKey is the effect key of a module's relay.
func ModuleEffectKey(module, effect string) string {
	return module + "." + effect
}
