// Package harness runs reconciliation scenarios against a real session.
//
// A scenario scripts the store side of a purchasing session (retrievals,
// purchase notifications, restorations, failures) and the application side
// (purchases, confirmations, pending dispositions), then asserts on the
// resulting call trace and final state.
//
// # Scenario Format
//
//	name: held_until_initialized
//	description: "A purchase reported before retrieval is delivered after init"
//	products:
//	  - {id: gold, store_specific_id: gold.sku, type: Consumable}
//	ledger:
//	  seed: [tx-old]
//	pending: [vip]
//	steps:
//	  - purchase_succeeded: {store_specific_id: gold.sku, receipt: r-1, transaction_id: tx-1}
//	  - products_retrieved:
//	      - store_specific_id: gold.sku
//	  - purchase: gold
//	  - confirm: vip
//	assertions:
//	  - type: trace_order
//	    events: [app.initialized, "app.process_purchase:gold:tx-1"]
//	  - type: final_state
//	    product: gold
//	    expect: {transaction_id: tx-1, available: true}
//
// Every step sets exactly one field. Store notifications go through the
// session's dispatch queue, and the queue is drained after each step, so a
// scenario observes the same ordering a live session would.
//
// # Trace Events
//
// The trace is the shared log written by the testutil doubles:
//
//	store.initialize
//	store.retrieve_products:<ids>
//	store.purchase:<id>
//	store.finish:<id|->:<tx>
//	ledger.append:<tx>
//	ledger.append_failed:<tx>
//	app.initialized
//	app.initialize_failed:<reason>
//	app.process_purchase:<id>:<tx>
//	app.purchase_failed:<id>:<reason>
//
// # Assertion Types
//
//   - trace_contains: event appears in the trace
//   - trace_order: events appear in the given relative order
//   - trace_count: event appears exactly count times
//   - final_state: a product's final state matches expect (subset match)
//   - ledger_contains: the ledger holds transaction_id
//
// # Deterministic Testing
//
// Settlement timestamps come from a testutil.StepClock and the ledger lives in
// memory, so identical scenarios produce byte-identical snapshots for golden
// comparison.
package harness
