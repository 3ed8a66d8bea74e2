// Package harness runs YAML scenarios against a real store and checks the
// committed actions and the final state.
//
// # Scenario Format
//
//	name: checkout
//	description: "Adding to the cart records a toast"
//	definition: store.cue        # relative to the scenario file
//	session: test-session        # optional fixed session token
//	setup:
//	  - dispatch: cart/push
//	    payload: { item: "apple" }
//	flow:
//	  - dispatch: cart/push
//	    payload: { item: "pear" }
//	    expect:
//	      state: { "cart": ["apple", "pear"] }
//	  - attach: modules/billing.cue
//	  - navigate: /checkout
//	  - detach: billing
//	assertions:
//	  - type: trace_contains
//	    action: toast/set
//	    payload: { value: "added" }
//	  - type: trace_order
//	    actions: [cart/push, toast/set]
//	  - type: trace_count
//	    action: cart/push
//	    count: 2
//	  - type: final_state
//	    path: router
//	    expect: /checkout
//
// A step with expect.error must fail with an error containing that text;
// any other failing flow step is reported and the run continues. A failing
// setup step aborts the run.
//
// Every step waits until relay effects have settled before the next one
// runs, so the actions a step causes are attributed to it.
//
// # Deterministic Traces
//
// Within a step, the dispatched action comes first and the actions derived
// from it by effects follow in canonical order. Events are numbered by a
// testutil.DeterministicClock rather than by commit seq. Together with a
// fixed session token this makes traces byte-identical across runs, which
// RunWithGolden relies on.
package harness
