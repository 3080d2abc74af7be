package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/iapsync/internal/audit"
	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/receipt"
)

// Messages reported to the application.
const (
	NoProductsMessage         = "No product returned from the store."
	ProductUnavailableMessage = "No products were found when fetching from the store"
)

// Engine is the purchase reconciliation state machine for one session.
//
// All methods must be called from the dispatch goroutine (see package doc).
type Engine struct {
	ctx       context.Context
	store     connector.Store
	storeName string
	products  *catalog.Collection
	ledger    *ledger.Ledger
	sink      listener.Sink
	observer  Observer
	publisher audit.Publisher
	now       func() time.Time

	initDone      bool
	initSucceeded bool

	// delivered holds transaction ids handed to the application this session.
	delivered map[string]struct{}

	// held are purchases discovered before initialization succeeded, in
	// discovery order; heldIDs dedups them by transaction id.
	held    []heldPurchase
	heldIDs map[string]struct{}

	settleSeq int64
}

// heldPurchase snapshots the purchase state; later notifications may
// overwrite the product before it is delivered.
type heldPurchase struct {
	product *catalog.Product
	receipt string
	tx      string
}

var (
	_ connector.Callback  = (*Engine)(nil)
	_ listener.Controller = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithContext sets the context used for ledger and publisher calls.
func WithContext(ctx context.Context) Option {
	return func(e *Engine) {
		e.ctx = ctx
	}
}

// WithObserver registers an observer, e.g. metrics.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithPublisher publishes a settlement for every confirmed transaction.
func WithPublisher(p audit.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithStoreName overrides the store name written into unified receipts.
func WithStoreName(name string) Option {
	return func(e *Engine) {
		e.storeName = name
	}
}

// WithNow sets the settlement timestamp source.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. A nil ledger disables ledger deduplication.
//
// The engine does not talk to the store until Start.
func New(
	store connector.Store,
	products *catalog.Collection,
	l *ledger.Ledger,
	sink listener.Sink,
	opts ...Option,
) *Engine {
	if l == nil {
		l = ledger.Disabled()
	}
	e := &Engine{
		ctx:       context.Background(),
		store:     store,
		storeName: connector.NameOf(store),
		products:  products,
		ledger:    l,
		sink:      sink,
		observer:  nopObserver{},
		publisher: audit.Nop{},
		now:       time.Now,
		delivered: make(map[string]struct{}),
		heldIDs:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start hands cb to the store and requests product metadata.
//
// cb is normally the engine wrapped by dispatch.Marshal; passing the engine
// itself is only correct when the store calls back on the dispatch goroutine.
func (e *Engine) Start(cb connector.Callback) {
	e.store.Initialize(cb)
	e.store.RetrieveProducts(e.products.Definitions())
}

// Initialized reports whether initialization has completed, successfully
// or not.
func (e *Engine) Initialized() bool { return e.initDone }

// InitializationSucceeded reports whether OnInitialized was delivered.
func (e *Engine) InitializationSucceeded() bool { return e.initSucceeded }

// Ledger returns the session ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Products implements listener.Controller.
func (e *Engine) Products() *catalog.Collection { return e.products }

// InitiatePurchase implements listener.Controller.
func (e *Engine) InitiatePurchase(p *catalog.Product, developerPayload string) {
	if p == nil {
		slog.Warn("trying to purchase nil product")
		return
	}

	if !p.AvailableToPurchase {
		e.sink.OnPurchaseFailed(p, connector.PurchaseFailureDescription{
			ProductID: p.Definition.ID,
			Reason:    connector.ProductUnavailable,
			Message:   ProductUnavailableMessage,
		})
		e.observer.PurchaseFailed(connector.ProductUnavailable)
		return
	}

	slog.Info("purchase initiated", "product_id", p.Definition.ID)
	e.store.Purchase(*p.Definition, developerPayload)
}

// InitiatePurchaseByID implements listener.Controller.
func (e *Engine) InitiatePurchaseByID(id, developerPayload string) {
	p := e.products.WithID(id)
	if p == nil {
		slog.Warn("unable to purchase unknown product", "product_id", id)
		return
	}
	e.InitiatePurchase(p, developerPayload)
}

// ConfirmPendingPurchase implements listener.Controller.
//
// Records the transaction before finishing it. Nil products and empty
// transaction ids are programmer errors: logged, then ignored.
func (e *Engine) ConfirmPendingPurchase(p *catalog.Product) {
	if p == nil {
		slog.Error("unable to confirm purchase with nil product")
		return
	}
	if p.TransactionID == "" {
		slog.Error("unable to confirm purchase; product has missing or empty transaction id",
			"product_id", p.Definition.ID,
		)
		return
	}

	tx := p.TransactionID
	e.ledger.Record(e.ctx, tx)
	e.finish(p, tx)
	e.observer.TransactionConfirmed(p.Definition.StoreSpecificID)
	e.publish(p, tx)
}

// OnSetupFailed implements connector.Callback.
func (e *Engine) OnSetupFailed(reason connector.InitializationFailureReason, message string) {
	if e.initDone {
		slog.Debug("setup failure after initialization suppressed",
			"reason", reason.String(),
			"message", message,
		)
		return
	}

	e.initDone = true
	e.dropHeld()
	slog.Warn("initialization failed", "reason", reason.String(), "message", message)
	e.observer.InitializationCompleted(false)
	e.sink.OnInitializeFailed(reason, message)
}

// OnProductsRetrieved implements connector.Callback.
func (e *Engine) OnProductsRetrieved(descs []connector.ProductDescription) {
	var owned []heldPurchase
	for _, d := range descs {
		p := e.products.WithStoreSpecificID(d.StoreSpecificID)
		if p == nil {
			slog.Debug("retrieved product not in catalog", "store_specific_id", d.StoreSpecificID)
			continue
		}

		p.AvailableToPurchase = true
		p.Metadata = d.Metadata
		if d.TransactionID != "" {
			p.TransactionID = d.TransactionID
		}
		if d.Receipt != "" {
			p.Receipt = receipt.Wrap(d.Receipt, p.TransactionID, e.storeName)
		}
		if d.Receipt != "" && p.TransactionID != "" {
			owned = append(owned, heldPurchase{product: p, receipt: p.Receipt, tx: p.TransactionID})
		}
	}

	e.checkInitialization(len(descs))

	// Deliver purchases the store reported as already owned. Releasing held
	// purchases may have rewritten the products, so each is restored first.
	for _, o := range owned {
		e.release(o)
	}
}

// OnPurchaseSucceeded implements connector.Callback.
//
// A purchase of a product outside the catalog is still delivered, with a
// synthesized non-consumable product that is not added to the catalog.
func (e *Engine) OnPurchaseSucceeded(storeSpecificID, rawReceipt, transactionID string) {
	p := e.products.WithStoreSpecificID(storeSpecificID)
	if p == nil {
		slog.Warn("purchase for product not in catalog",
			"store_specific_id", storeSpecificID,
			"transaction_id", transactionID,
		)
		def := catalog.NewDefinition(storeSpecificID, catalog.NonConsumable)
		p = catalog.NewProduct(&def)
	}

	p.Receipt = receipt.Wrap(rawReceipt, transactionID, e.storeName)
	p.TransactionID = transactionID
	e.processPurchaseIfNew(p)
}

// OnAllPurchasesRetrieved implements connector.Callback.
//
// Every catalog product is reconciled against the list: matches adopt the
// reported receipt (and are delivered once initialized), everything else
// loses its receipt.
func (e *Engine) OnAllPurchasesRetrieved(purchases []connector.PurchasedProduct) {
	byID := make(map[string]connector.PurchasedProduct, len(purchases))
	for _, pp := range purchases {
		if _, dup := byID[pp.StoreSpecificID]; !dup {
			byID[pp.StoreSpecificID] = pp
		}
	}

	for _, p := range e.products.All() {
		pp, ok := byID[p.Definition.StoreSpecificID]
		if !ok || p.Definition.StoreSpecificID == "" {
			if p.HasReceipt() {
				slog.Info("store no longer reports purchase; receipt cleared", "product_id", p.Definition.ID)
			}
			p.ClearReceipt()
			e.forgetHeld(p)
			continue
		}

		p.Receipt = receipt.Wrap(pp.Receipt, pp.TransactionID, e.storeName)
		p.TransactionID = pp.TransactionID
		if e.initSucceeded {
			e.processPurchaseIfNew(p)
		}
	}
}

// OnPurchaseFailed implements connector.Callback.
func (e *Engine) OnPurchaseFailed(desc connector.PurchaseFailureDescription) {
	p := e.products.WithStoreSpecificID(desc.ProductID)
	if p == nil {
		slog.Error("failed to purchase unknown product",
			"store_specific_id", desc.ProductID,
			"reason", desc.Reason.String(),
			"message", desc.Message,
		)
		e.observer.NotificationDropped("purchase_failed")
		return
	}

	slog.Warn("purchase failed",
		"product_id", p.Definition.ID,
		"reason", desc.Reason.String(),
		"message", desc.Message,
	)
	e.observer.PurchaseFailed(desc.Reason)
	e.sink.OnPurchaseFailed(p, desc)
}

// OnEntitlementRevoked implements connector.Callback.
func (e *Engine) OnEntitlementRevoked(storeSpecificID string) {
	p := e.products.WithStoreSpecificID(storeSpecificID)
	if p == nil {
		slog.Warn("entitlement revoked for product not in catalog", "store_specific_id", storeSpecificID)
		e.observer.NotificationDropped("entitlement_revoked")
		return
	}
	slog.Info("entitlement revoked", "product_id", p.Definition.ID, "transaction_id", p.TransactionID)
	p.ClearReceipt()
}

// checkInitialization emits the initialization outcome on the first batch.
func (e *Engine) checkInitialization(returned int) {
	if e.initDone {
		return
	}
	e.initDone = true

	if returned == 0 {
		e.dropHeld()
		slog.Warn("initialization failed", "reason", connector.NoProductsAvailable.String())
		e.observer.InitializationCompleted(false)
		e.sink.OnInitializeFailed(connector.NoProductsAvailable, NoProductsMessage)
		return
	}

	e.initSucceeded = true
	slog.Info("initialized", "store", e.storeName, "products", e.products.Len())
	e.observer.InitializationCompleted(true)
	e.sink.OnInitialized(e)

	held := e.held
	e.held = nil
	e.heldIDs = make(map[string]struct{})
	for _, h := range held {
		e.release(h)
	}
}

// release restores the receipt captured with h and delivers it.
func (e *Engine) release(h heldPurchase) {
	h.product.Receipt = h.receipt
	h.product.TransactionID = h.tx
	e.processPurchaseIfNew(h.product)
}

// processPurchaseIfNew applies the delivery dedup algorithm to p.
func (e *Engine) processPurchaseIfNew(p *catalog.Product) {
	tx := p.TransactionID
	if tx == "" {
		slog.Warn("purchase without transaction id ignored", "product_id", p.Definition.ID)
		e.observer.NotificationDropped("missing_transaction_id")
		return
	}

	if e.ledger.HasRecordOf(e.ctx, tx) {
		slog.Info("transaction already recorded; finishing", "transaction_id", tx, "product_id", p.Definition.ID)
		e.observer.DuplicateSuppressed(DuplicateLedger)
		e.finish(p, tx)
		return
	}

	if _, ok := e.delivered[tx]; ok {
		slog.Debug("duplicate purchase notification", "transaction_id", tx, "product_id", p.Definition.ID)
		e.observer.DuplicateSuppressed(DuplicateSession)
		return
	}

	if !e.initSucceeded {
		e.hold(p, tx)
		return
	}

	e.delivered[tx] = struct{}{}
	slog.Info("delivering purchase", "transaction_id", tx, "product_id", p.Definition.ID)
	e.observer.PurchaseDelivered(p.Definition.StoreSpecificID)

	result := e.sink.ProcessPurchase(listener.PurchaseEvent{Product: p})
	if result == listener.Complete {
		e.ConfirmPendingPurchase(p)
		return
	}
	slog.Debug("purchase left pending", "transaction_id", tx, "product_id", p.Definition.ID)
}

// hold queues p for delivery after initialization succeeds.
func (e *Engine) hold(p *catalog.Product, tx string) {
	if e.initDone {
		slog.Warn("purchase dropped; session failed to initialize", "transaction_id", tx, "product_id", p.Definition.ID)
		e.observer.NotificationDropped("not_initialized")
		return
	}
	if _, ok := e.heldIDs[tx]; ok {
		return
	}
	e.heldIDs[tx] = struct{}{}
	e.held = append(e.held, heldPurchase{product: p, receipt: p.Receipt, tx: tx})
	slog.Debug("purchase held until initialized", "transaction_id", tx, "product_id", p.Definition.ID)
}

// forgetHeld discards purchases held for p. A restore pass that no longer
// reports p has revoked them before initialization.
func (e *Engine) forgetHeld(p *catalog.Product) {
	kept := e.held[:0]
	for _, h := range e.held {
		if h.product != p {
			kept = append(kept, h)
			continue
		}
		slog.Info("held purchase dropped; store no longer reports it",
			"transaction_id", h.tx,
			"product_id", p.Definition.ID,
		)
		delete(e.heldIDs, h.tx)
		e.observer.NotificationDropped("not_reported")
	}
	e.held = kept
}

func (e *Engine) dropHeld() {
	for _, h := range e.held {
		slog.Warn("purchase dropped; session failed to initialize",
			"transaction_id", h.tx,
			"product_id", h.product.Definition.ID,
		)
		e.observer.NotificationDropped("not_initialized")
	}
	e.held = nil
	e.heldIDs = make(map[string]struct{})
}

// finish asks the store to settle tx. Products outside the catalog are
// finished without a definition.
func (e *Engine) finish(p *catalog.Product, tx string) {
	var def *catalog.ProductDefinition
	if e.products.Contains(p) {
		def = p.Definition
	}
	e.store.FinishTransaction(def, tx)
}

func (e *Engine) publish(p *catalog.Product, tx string) {
	e.settleSeq++
	s := audit.Settlement{
		Seq:             e.settleSeq,
		TransactionID:   tx,
		ProductID:       p.Definition.ID,
		StoreSpecificID: p.Definition.StoreSpecificID,
		ProductType:     p.Definition.Type.String(),
		Store:           e.storeName,
		InCatalog:       e.products.Contains(p),
		SettledAt:       e.now().UTC(),
	}
	if err := e.publisher.Publish(e.ctx, s); err != nil {
		slog.Error("failed to publish settlement", "transaction_id", tx, "error", err)
	}
}
