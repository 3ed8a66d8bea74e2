package ir

// Version constants for the value model and the engine.
const (
	// IRVersion is the schema version of persisted slices and journal rows.
	IRVersion = "1"

	// EngineVersion is the multistore engine version.
	EngineVersion = "0.1.0"
)
