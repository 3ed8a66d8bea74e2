// Package facade assembles a store from a Config and exposes it to
// application code.
//
// ARCHITECTURE:
//
// A Store wraps one engine.Engine together with:
//   - a registry.Reducers holding the configured (static) slices and the
//     ones feature modules attach later
//   - an effects.Controller running the task entry point and the stream
//     epics, with its own registry of attached epics
//   - optionally a persist.Persistor, a devtools.Monitor and a router
//     binding
//
// Initialization Guard:
// A Guard publishes at most one Store. Initialize on a guard that already
// holds a store fails with an already-initialized error and leaves the
// existing store untouched. The package-level Initialize uses a
// process-wide guard; tests create their own with NewGuard.
//
// Middleware Order:
//  1. base middleware (engine.DefaultMiddleware)
//  2. Config.Middlewares, in order
//  3. task-effect middleware, if a task is configured
//  4. stream-effect middleware, if streams are configured
//  5. diagnostic log, if Config.LogLevel is set
//  6. metrics, tracing and journal middleware from Options
//
// CRITICAL PATTERNS:
//
// Reading State:
// State streams are iterators. Each range subscribes, yields the current
// snapshot, then yields once per committed change. Breaking out of the loop
// or cancelling the context unsubscribes before the loop returns.
//
//	for state := range st.StateStream(ctx) {
//	    render(state)
//	}
//
// Scoped Registration:
// Feature code that attaches a reducer for its own lifetime uses Mount and
// defers the release:
//
//	release, err := st.Mount("profile", profileReducer)
//	if err != nil {
//	    return err
//	}
//	defer release()
package facade
