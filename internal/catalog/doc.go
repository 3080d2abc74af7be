// Package catalog holds the products known to a purchasing session.
//
// A ProductDefinition is the store-independent description of a purchasable
// item. A Product wraps a definition with the runtime state reported by the
// store (metadata, availability, receipt, transaction id).
//
// # Ownership
//
// The Collection owns every Product for the lifetime of a session. It is
// built once from the configured definitions and never resized. Product
// fields are mutated in place by the reconciliation engine, which runs on a
// single dispatch goroutine, so no locking is done here.
//
// # Lookups
//
// Two indices are maintained:
//   - by store-independent id (WithID)
//   - by store-specific id (WithStoreSpecificID)
//
// Both return nil for unknown ids. Stores routinely mention products the
// application never configured, so "not found" is not an error.
package catalog
