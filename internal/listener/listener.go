// Package listener defines the application-facing purchase contract and the
// proxy the engine drives it through.
package listener

import (
	"fmt"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/extension"
)

// ProcessingResult is the application's disposition for a delivered purchase.
type ProcessingResult int

const (
	// Complete settles the transaction immediately.
	Complete ProcessingResult = iota
	// Pending leaves the transaction open until ConfirmPendingPurchase.
	Pending
)

func (r ProcessingResult) String() string {
	switch r {
	case Complete:
		return "Complete"
	case Pending:
		return "Pending"
	default:
		return fmt.Sprintf("ProcessingResult(%d)", int(r))
	}
}

// PurchaseEvent carries the purchased product to ProcessPurchase.
type PurchaseEvent struct {
	Product *catalog.Product
}

// Controller is handed to the application on successful initialization.
// Its methods must be called from the dispatch goroutine (for example from
// inside a listener callback or a closure posted to the session).
type Controller interface {
	// Products returns the session catalog.
	Products() *catalog.Collection

	// InitiatePurchase starts a purchase of p.
	InitiatePurchase(p *catalog.Product, developerPayload string)

	// InitiatePurchaseByID resolves id and starts a purchase.
	InitiatePurchaseByID(id, developerPayload string)

	// ConfirmPendingPurchase settles a purchase previously answered with Pending.
	ConfirmPendingPurchase(p *catalog.Product)
}

// Listener is implemented by application code.
type Listener interface {
	OnInitialized(c Controller, ext extension.Provider)
	OnInitializeFailed(reason connector.InitializationFailureReason, message string)
	ProcessPurchase(e PurchaseEvent) ProcessingResult
	OnPurchaseFailed(p *catalog.Product, desc connector.PurchaseFailureDescription)
}

// Sink is the outward surface the engine drives.
type Sink interface {
	OnInitialized(c Controller)
	OnInitializeFailed(reason connector.InitializationFailureReason, message string)
	ProcessPurchase(e PurchaseEvent) ProcessingResult
	OnPurchaseFailed(p *catalog.Product, desc connector.PurchaseFailureDescription)
}

// Proxy forwards engine events to one application listener, supplying the
// extension provider with the initialization event. Both references are
// fixed at construction.
type Proxy struct {
	app Listener
	ext extension.Provider
}

var _ Sink = (*Proxy)(nil)

// NewProxy wraps app.
func NewProxy(app Listener, ext extension.Provider) *Proxy {
	return &Proxy{app: app, ext: ext}
}

// OnInitialized implements Sink.
func (p *Proxy) OnInitialized(c Controller) {
	p.app.OnInitialized(c, p.ext)
}

// OnInitializeFailed implements Sink.
func (p *Proxy) OnInitializeFailed(reason connector.InitializationFailureReason, message string) {
	p.app.OnInitializeFailed(reason, message)
}

// ProcessPurchase implements Sink.
func (p *Proxy) ProcessPurchase(e PurchaseEvent) ProcessingResult {
	return p.app.ProcessPurchase(e)
}

// OnPurchaseFailed implements Sink.
func (p *Proxy) OnPurchaseFailed(product *catalog.Product, desc connector.PurchaseFailureDescription) {
	p.app.OnPurchaseFailed(product, desc)
}

// Funcs adapts plain functions to Listener. Nil fields are no-ops and a nil
// ProcessPurchaseFunc answers Complete.
type Funcs struct {
	OnInitializedFunc      func(c Controller, ext extension.Provider)
	OnInitializeFailedFunc func(reason connector.InitializationFailureReason, message string)
	ProcessPurchaseFunc    func(e PurchaseEvent) ProcessingResult
	OnPurchaseFailedFunc   func(p *catalog.Product, desc connector.PurchaseFailureDescription)
}

var _ Listener = Funcs{}

func (f Funcs) OnInitialized(c Controller, ext extension.Provider) {
	if f.OnInitializedFunc != nil {
		f.OnInitializedFunc(c, ext)
	}
}

func (f Funcs) OnInitializeFailed(reason connector.InitializationFailureReason, message string) {
	if f.OnInitializeFailedFunc != nil {
		f.OnInitializeFailedFunc(reason, message)
	}
}

func (f Funcs) ProcessPurchase(e PurchaseEvent) ProcessingResult {
	if f.ProcessPurchaseFunc != nil {
		return f.ProcessPurchaseFunc(e)
	}
	return Complete
}

func (f Funcs) OnPurchaseFailed(p *catalog.Product, desc connector.PurchaseFailureDescription) {
	if f.OnPurchaseFailedFunc != nil {
		f.OnPurchaseFailedFunc(p, desc)
	}
}
