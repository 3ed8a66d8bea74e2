package persist

import (
	"errors"
	"fmt"

	"github.com/roach88/multistore/internal/engine"
	"github.com/roach88/multistore/internal/ir"
)

// ActionRehydrate carries a restored slice value. Payload: {key, state}.
const ActionRehydrate = "persist/REHYDRATE"

// Rehydrate builds the REHYDRATE action for key.
func Rehydrate(key string, state ir.IRValue) ir.Action {
	if state == nil {
		state = ir.IRNull{}
	}
	return ir.NewAction(ActionRehydrate, ir.IRObject{
		"key":   ir.IRString(key),
		"state": state,
	})
}

// Config describes one persisted slice.
type Config struct {
	// Key names the item in Storage.
	Key string

	// Storage is the backend. Required.
	Storage Storage

	// Transforms rewrite the serialized value, e.g. EncryptTransform.
	Transforms []Transform

	// Reconciler merges restored values. Default: AutoMergeLevel1.
	Reconciler Reconciler
}

// Reducer is a slice reducer that takes part in persistence.
type Reducer struct {
	cfg   Config
	inner engine.Reducer
}

// NewReducer wraps inner so that REHYDRATE actions for cfg.Key are merged
// into the slice.
func NewReducer(cfg Config, inner engine.Reducer) (*Reducer, error) {
	if cfg.Key == "" {
		return nil, errors.New("persist: key is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("persist %q: storage is required", cfg.Key)
	}
	if inner == nil {
		return nil, fmt.Errorf("persist %q: reducer is required", cfg.Key)
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = AutoMergeLevel1
	}
	cfg.Transforms = append([]Transform(nil), cfg.Transforms...)
	return &Reducer{cfg: cfg, inner: inner}, nil
}

// NewSecureReducer is NewReducer with values encrypted at rest under
// secret.
func NewSecureReducer(cfg Config, secret string, inner engine.Reducer) (*Reducer, error) {
	enc, err := EncryptTransform(secret)
	if err != nil {
		return nil, err
	}
	cfg.Transforms = append(append([]Transform(nil), cfg.Transforms...), enc)
	return NewReducer(cfg, inner)
}

// Config returns the slice's persistence settings.
func (r *Reducer) Config() Config {
	return r.cfg
}

// Reduce implements engine.Reducer.
func (r *Reducer) Reduce(state ir.IRValue, action ir.Action) ir.IRValue {
	reduced := r.inner.Reduce(state, action)
	if action.Type != ActionRehydrate || action.Field("key") != ir.IRString(r.cfg.Key) {
		return reduced
	}

	inbound := action.Field("state")
	if ir.IsNull(inbound) {
		return reduced
	}
	original := state
	if original == nil {
		original = reduced
	}
	return r.cfg.Reconciler(inbound, original, reduced)
}
