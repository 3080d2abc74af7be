// Package connector defines the boundary between the reconciliation engine and
// a native billing service.
//
// Outbound operations (Store) are fire-and-forget: results arrive later
// through the inbound Callback, on whatever goroutine the connector uses.
// Callers that need single-threaded delivery wrap the Callback with
// dispatch.Marshal before handing it to Initialize.
package connector

import (
	"github.com/roach88/iapsync/internal/catalog"
)

// Store is the outbound half of a native billing connector.
type Store interface {
	// Initialize supplies the inbound notification sink. Called once.
	Initialize(cb Callback)

	// RetrieveProducts requests metadata for the given definitions.
	RetrieveProducts(defs []catalog.ProductDefinition)

	// Purchase starts a purchase flow.
	Purchase(def catalog.ProductDefinition, developerPayload string)

	// FinishTransaction settles a transaction. def is nil when the
	// transaction belongs to a product outside the configured catalog.
	FinishTransaction(def *catalog.ProductDefinition, transactionID string)
}

// Named is implemented by stores that report their name for unified receipts.
type Named interface {
	Name() string
}

// UnknownStoreName is used for stores that do not implement Named.
const UnknownStoreName = "Unknown"

// NameOf returns the store name used in unified receipts.
func NameOf(s Store) string {
	if n, ok := s.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return UnknownStoreName
}

// Callback is the inbound notification vocabulary. Implementations must
// tolerate calls from any goroutine.
type Callback interface {
	OnSetupFailed(reason InitializationFailureReason, message string)
	OnProductsRetrieved(products []ProductDescription)
	OnPurchaseSucceeded(storeSpecificID, receipt, transactionID string)
	OnAllPurchasesRetrieved(purchases []PurchasedProduct)
	OnPurchaseFailed(desc PurchaseFailureDescription)

	// OnEntitlementRevoked reports that the store withdrew a purchase
	// (refund, family sharing removal).
	OnEntitlementRevoked(storeSpecificID string)
}

// ProductDescription is one product reported by a retrieval.
// Receipt and TransactionID are set when the store already owns a purchase.
type ProductDescription struct {
	StoreSpecificID string                  `json:"store_specific_id" yaml:"store_specific_id"`
	Metadata        catalog.ProductMetadata `json:"metadata" yaml:"metadata"`
	Receipt         string                  `json:"receipt,omitempty" yaml:"receipt,omitempty"`
	TransactionID   string                  `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
}

// PurchasedProduct is one entry of a full purchase restoration.
type PurchasedProduct struct {
	StoreSpecificID string `json:"store_specific_id" yaml:"store_specific_id"`
	Receipt         string `json:"receipt,omitempty" yaml:"receipt,omitempty"`
	TransactionID   string `json:"transaction_id" yaml:"transaction_id"`
}

// ReadinessNotifier receives connection state changes from a connector.
type ReadinessNotifier interface {
	Ready()
	Disconnected()
}

// ReadinessReporter is implemented by connectors that connect asynchronously.
// Such connectors start disconnected and report through the notifier.
type ReadinessReporter interface {
	SetReadinessNotifier(n ReadinessNotifier)
}
