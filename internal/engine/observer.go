package engine

import "github.com/roach88/iapsync/internal/connector"

// Duplicate sources reported to Observer.DuplicateSuppressed.
const (
	DuplicateLedger  = "ledger"
	DuplicateSession = "session"
)

// Observer is notified of reconciliation events. Implementations must not
// block; they run on the dispatch goroutine.
type Observer interface {
	PurchaseDelivered(storeSpecificID string)
	DuplicateSuppressed(source string)
	TransactionConfirmed(storeSpecificID string)
	PurchaseFailed(reason connector.PurchaseFailureReason)
	NotificationDropped(kind string)
	InitializationCompleted(succeeded bool)
}

type nopObserver struct{}

func (nopObserver) PurchaseDelivered(string)                        {}
func (nopObserver) DuplicateSuppressed(string)                      {}
func (nopObserver) TransactionConfirmed(string)                     {}
func (nopObserver) PurchaseFailed(connector.PurchaseFailureReason) {}
func (nopObserver) NotificationDropped(string)                      {}
func (nopObserver) InitializationCompleted(bool)                    {}
