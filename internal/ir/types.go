package ir

// Reducer kinds understood by the builtin slice constructors.
const (
	KindCounter = "counter"
	KindValue   = "value"
	KindList    = "list"
	KindWS      = "ws"
)

// ValidKinds lists the accepted ReducerSpec.Kind values.
var ValidKinds = map[string]bool{
	KindCounter: true,
	KindValue:   true,
	KindList:    true,
	KindWS:      true,
}

// StoreDefinition is the compiled form of a store definition file.
type StoreDefinition struct {
	Name              string          `json:"name"`
	Reducers          []ReducerSpec   `json:"reducers"`
	Effects           []EffectSpec    `json:"effects,omitempty"`
	Streams           bool            `json:"streams,omitempty"`
	Router            *RouterSpec     `json:"router,omitempty"`
	LogLevel          string          `json:"log_level,omitempty"`
	DevTools          bool            `json:"dev_tools,omitempty"`
	Persistence       bool            `json:"persistence,omitempty"`
	DefaultMiddleware *MiddlewareSpec `json:"default_middleware,omitempty"`
	PreloadedState    IRObject        `json:"preloaded_state,omitempty"`
}

// ReducerSpec declares one named slice.
type ReducerSpec struct {
	Name      string       `json:"name"`
	Kind      string       `json:"kind"`
	Initial   IRValue      `json:"initial,omitempty"`
	Substates []string     `json:"substates,omitempty"`
	Persist   *PersistSpec `json:"persist,omitempty"`
}

// PersistSpec marks a slice as persisted. Secure slices are encrypted at rest.
type PersistSpec struct {
	Key    string `json:"key"`
	Secure bool   `json:"secure,omitempty"`
	Merge  string `json:"merge,omitempty"` // level1 (default), level2, hard_set
}

// EffectSpec declares a relay stream effect: every committed action whose
// type is in When produces Then.
type EffectSpec struct {
	Name string   `json:"name"`
	When []string `json:"when"`
	Then ThenSpec `json:"then"`
}

// ThenSpec is the action template emitted by a relay effect. Payload string
// values of the form "${payload.field}" are bound from the trigger.
type ThenSpec struct {
	Type    string   `json:"type"`
	Payload IRObject `json:"payload,omitempty"`
}

// RouterSpec enables the router bridge under Key.
type RouterSpec struct {
	Key     string `json:"key"`
	Initial string `json:"initial,omitempty"`
}

// MiddlewareSpec toggles the base middleware checks.
type MiddlewareSpec struct {
	ImmutableCheck bool `json:"immutable_check"`
}

// ModuleSpec is a feature module: reducers and relay effects attached to a
// running store as a unit.
type ModuleSpec struct {
	Name     string        `json:"name"`
	Reducers []ReducerSpec `json:"reducers"`
	Effects  []EffectSpec  `json:"effects,omitempty"`
}

// ValidLogLevels lists the accepted diagnostic-log thresholds.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}
