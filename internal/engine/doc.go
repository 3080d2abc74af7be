// Package engine implements purchase reconciliation.
//
// The engine receives inbound store notifications, merges them into the
// session catalog, deduplicates against the transaction ledger, and delivers
// each purchase to the application exactly once.
//
// ARCHITECTURE:
//
// Single dispatch goroutine:
// Every method of Engine, both the connector.Callback notifications and the
// listener.Controller operations, must run on one goroutine. Connectors call
// in from arbitrary goroutines, so the session wraps the engine with
// dispatch.Marshal and drains the queue on its dispatch goroutine. The engine
// itself holds no locks; application callbacks may take as long as they like.
//
// Delivery dedup (every path that discovers a purchased product):
//  1. Transaction id already in the ledger: finish it again and stop.
//  2. Transaction id already delivered this session: drop it.
//  3. Initialization has not succeeded yet: hold it until it does.
//  4. Otherwise mark it delivered, call ProcessPurchase, and confirm
//     immediately when the application answers Complete.
//
// Confirmation records the transaction in the ledger before asking the store
// to finish it. A crash between the two steps leaves a recorded but unfinished
// transaction; the store re-reports it on the next start and step 1 finishes
// it without redelivery.
//
// Initialization:
// The first retrieval batch decides the outcome, exactly once per session:
// OnInitialized when the store returned at least one product, otherwise
// OnInitializeFailed(NoProductsAvailable). A setup failure reported before
// that point is the outcome instead. Later outcomes are suppressed.
package engine
