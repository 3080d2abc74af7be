package dispatch

import (
	"log/slog"

	"github.com/roach88/iapsync/internal/connector"
)

// callback re-posts every inbound notification onto the queue so the target
// only ever runs on the dispatch goroutine.
type callback struct {
	q      *Queue
	target connector.Callback
}

// Marshal wraps target so each notification is executed on q's dispatch
// goroutine. Slices are copied before posting; the connector may reuse them.
func Marshal(q *Queue, target connector.Callback) connector.Callback {
	return &callback{q: q, target: target}
}

func (c *callback) post(name string, fn func()) {
	if !c.q.Post(fn) {
		slog.Warn("notification dropped after dispatch queue closed", "notification", name)
	}
}

func (c *callback) OnSetupFailed(reason connector.InitializationFailureReason, message string) {
	c.post("setup_failed", func() { c.target.OnSetupFailed(reason, message) })
}

func (c *callback) OnProductsRetrieved(products []connector.ProductDescription) {
	owned := make([]connector.ProductDescription, len(products))
	copy(owned, products)
	c.post("products_retrieved", func() { c.target.OnProductsRetrieved(owned) })
}

func (c *callback) OnPurchaseSucceeded(storeSpecificID, receipt, transactionID string) {
	c.post("purchase_succeeded", func() {
		c.target.OnPurchaseSucceeded(storeSpecificID, receipt, transactionID)
	})
}

func (c *callback) OnAllPurchasesRetrieved(purchases []connector.PurchasedProduct) {
	owned := make([]connector.PurchasedProduct, len(purchases))
	copy(owned, purchases)
	c.post("all_purchases_retrieved", func() { c.target.OnAllPurchasesRetrieved(owned) })
}

func (c *callback) OnPurchaseFailed(desc connector.PurchaseFailureDescription) {
	c.post("purchase_failed", func() { c.target.OnPurchaseFailed(desc) })
}

func (c *callback) OnEntitlementRevoked(storeSpecificID string) {
	c.post("entitlement_revoked", func() { c.target.OnEntitlementRevoked(storeSpecificID) })
}
