// Package fakestore is a simulated billing connector for development and
// tests.
//
// Every configured product is reported with placeholder metadata. Purchases
// succeed after a short delay on a background goroutine unless the decision
// function denies them. Transactions are settled through a finish.Worker
// backed by an in-memory billing service, so the retry and failure paths of a
// token-based store can be exercised without a device.
package fakestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/connector/finish"
	"github.com/roach88/iapsync/internal/extension"
)

// Name is the store name written into unified receipts.
const Name = "fake"

// Fixed values reported by the fake store.
const (
	FakeReceipt         = "ThisIsFakeReceiptData"
	RestoredReceipt     = `{ "this" : "is a fake receipt" }`
	PurchaseFailMessage = "failed a fake store purchase"
	DefaultPurchaseWait = 30 * time.Millisecond
)

// DialogType is the kind of user decision being simulated.
type DialogType int

const (
	DialogPurchase DialogType = iota
	DialogRetrieveProducts
)

func (d DialogType) String() string {
	switch d {
	case DialogPurchase:
		return "purchase"
	case DialogRetrieveProducts:
		return "retrieve_products"
	default:
		return fmt.Sprintf("DialogType(%d)", int(d))
	}
}

// Dialog describes one simulated decision. ProductID is the store-specific
// id for purchases and empty for retrievals.
type Dialog struct {
	Type      DialogType
	ProductID string
}

// Verdict is the answer to a Dialog. Only the failure reason matching the
// dialog type is used when Allow is false.
type Verdict struct {
	Allow           bool
	PurchaseFailure connector.PurchaseFailureReason
	InitFailure     connector.InitializationFailureReason
}

// Decision stands in for the store UI.
type Decision func(Dialog) Verdict

// AllowAll approves every dialog.
func AllowAll(Dialog) Verdict {
	return Verdict{Allow: true}
}

// Store is the fake connector.
type Store struct {
	unavailableID string
	decide        Decision
	purchaseWait  time.Duration
	connectWait   time.Duration
	ids           IDGenerator

	billing    *finish.MemoryBackend
	worker     *finish.Worker
	finishOpts []finish.Option

	// inflight tracks purchase goroutines.
	inflight sync.WaitGroup

	mu          sync.Mutex
	cb          connector.Callback
	notifier    connector.ReadinessNotifier
	purchased   []string
	lastFailure *connector.PurchaseFailureDescription
}

var (
	_ connector.Store                        = (*Store)(nil)
	_ connector.Named                        = (*Store)(nil)
	_ connector.ReadinessReporter            = (*Store)(nil)
	_ extension.Module                       = (*Store)(nil)
	_ extension.TransactionHistoryExtensions = (*Store)(nil)
	_ extension.RestoreExtensions            = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithUnavailableProduct hides one product id from retrievals.
func WithUnavailableProduct(id string) Option {
	return func(s *Store) {
		s.unavailableID = id
	}
}

// WithDecision installs the decision function. Default: AllowAll.
func WithDecision(d Decision) Option {
	return func(s *Store) {
		if d != nil {
			s.decide = d
		}
	}
}

// WithPurchaseDelay sets how long a purchase takes to complete.
func WithPurchaseDelay(d time.Duration) Option {
	return func(s *Store) {
		s.purchaseWait = d
	}
}

// WithConnectDelay simulates an asynchronous billing connection. Retrieval
// and purchase requests are held by the connector.Gate until it elapses.
func WithConnectDelay(d time.Duration) Option {
	return func(s *Store) {
		s.connectWait = d
	}
}

// WithIDGenerator sets the transaction id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// WithFinishPolicy sets the retry policy of the settlement worker.
func WithFinishPolicy(p finish.Policy) Option {
	return func(s *Store) {
		s.finishOpts = append(s.finishOpts, finish.WithPolicy(p))
	}
}

// WithFinishOutcomeHook observes every settlement, e.g. for metrics.
func WithFinishOutcomeHook(fn func(finish.Request, finish.Outcome)) Option {
	return func(s *Store) {
		s.finishOpts = append(s.finishOpts, finish.WithOutcomeHook(fn))
	}
}

// New creates a fake store.
func New(opts ...Option) *Store {
	s := &Store{
		decide:       AllowAll,
		purchaseWait: DefaultPurchaseWait,
		ids:          UUIDv7Generator{},
		billing:      finish.NewMemoryBackend(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.worker = finish.NewWorker(s.billing,
		append(s.finishOpts, finish.WithFailureHandler(s.reportFailure))...,
	)
	return s
}

// Name implements connector.Named.
func (s *Store) Name() string { return Name }

// Billing exposes the simulated billing service, e.g. to script failures.
func (s *Store) Billing() *finish.MemoryBackend { return s.billing }

// SetReadinessNotifier implements connector.ReadinessReporter.
func (s *Store) SetReadinessNotifier(n connector.ReadinessNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Initialize implements connector.Store.
func (s *Store) Initialize(cb connector.Callback) {
	s.mu.Lock()
	s.cb = cb
	n := s.notifier
	s.mu.Unlock()

	if n == nil {
		return
	}
	if s.connectWait <= 0 {
		n.Ready()
		return
	}
	time.AfterFunc(s.connectWait, n.Ready)
}

// RetrieveProducts implements connector.Store.
func (s *Store) RetrieveProducts(defs []catalog.ProductDefinition) {
	products := make([]connector.ProductDescription, 0, len(defs))
	for _, def := range defs {
		if def.ID == s.unavailableID {
			continue
		}
		products = append(products, connector.ProductDescription{
			StoreSpecificID: def.StoreSpecificID,
			Metadata:        fakeMetadata(def.ID),
		})
	}

	cb := s.callback()
	verdict := s.decide(Dialog{Type: DialogRetrieveProducts})
	if !verdict.Allow {
		slog.Info("fake store retrieval denied", "reason", verdict.InitFailure.String())
		cb.OnSetupFailed(verdict.InitFailure, "")
		return
	}
	cb.OnProductsRetrieved(products)
}

// Purchase implements connector.Store. The outcome is reported from a
// background goroutine after the purchase delay.
func (s *Store) Purchase(def catalog.ProductDefinition, developerPayload string) {
	// Only non-consumables are tracked for restore.
	if def.Type != catalog.Consumable {
		s.RegisterPurchaseForRestore(def.StoreSpecificID)
	}

	// Counted before the decision so Wait covers a purchase whose dialog is
	// still open.
	s.inflight.Add(1)
	verdict := s.decide(Dialog{Type: DialogPurchase, ProductID: def.StoreSpecificID})

	go func() {
		defer s.inflight.Done()
		if s.purchaseWait > 0 {
			time.Sleep(s.purchaseWait)
		}

		if !verdict.Allow {
			reason := verdict.PurchaseFailure
			if reason == connector.Unknown {
				reason = connector.UserCancelled
			}
			s.reportFailure(connector.PurchaseFailureDescription{
				ProductID: def.StoreSpecificID,
				Reason:    reason,
				Message:   PurchaseFailMessage,
			})
			return
		}

		tx := s.ids.Generate()
		s.billing.Put(finish.Purchase{
			Token:           tx,
			StoreSpecificID: def.StoreSpecificID,
			State:           finish.StatePurchased,
		})
		slog.Debug("fake purchase completed",
			"store_specific_id", def.StoreSpecificID,
			"transaction_id", tx,
			"developer_payload", developerPayload,
		)
		s.callback().OnPurchaseSucceeded(def.StoreSpecificID, FakeReceipt, tx)
	}()
}

// FinishTransaction implements connector.Store. Settlement runs on the
// worker goroutine started by Run.
func (s *Store) FinishTransaction(def *catalog.ProductDefinition, transactionID string) {
	if transactionID == "" {
		return
	}
	if !s.worker.Submit(finish.Request{Definition: def, TransactionID: transactionID}) {
		slog.Warn("fake store closed; finish dropped", "transaction_id", transactionID)
	}
}

// Run settles finished transactions until ctx is cancelled or Close is called.
func (s *Store) Run(ctx context.Context) error {
	return s.worker.Run(ctx)
}

// Close stops the settlement worker and waits for in-flight purchases.
func (s *Store) Close() error {
	s.inflight.Wait()
	s.worker.Close()
	return nil
}

// Wait blocks until every purchase started so far has reported its outcome.
func (s *Store) Wait() {
	s.inflight.Wait()
}

// RegisterPurchaseForRestore marks storeSpecificID as owned.
func (s *Store) RegisterPurchaseForRestore(storeSpecificID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.purchased {
		if id == storeSpecificID {
			return
		}
	}
	s.purchased = append(s.purchased, storeSpecificID)
}

// RestoreTransactions implements extension.RestoreExtensions.
// Each owned non-consumable is re-reported with a restore transaction id.
func (s *Store) RestoreTransactions(done func(ok bool)) {
	s.mu.Lock()
	owned := append([]string(nil), s.purchased...)
	s.mu.Unlock()

	cb := s.callback()
	for _, id := range owned {
		cb.OnPurchaseSucceeded(id, RestoredReceipt, RestoreTransactionID(id))
	}
	if done != nil {
		done(true)
	}
}

// RestoreTransactionID is the transaction id used when restoring id.
func RestoreTransactionID(storeSpecificID string) string {
	return "restored-" + storeSpecificID
}

// LastPurchaseFailureDescription implements extension.TransactionHistoryExtensions.
func (s *Store) LastPurchaseFailureDescription() (connector.PurchaseFailureDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFailure == nil {
		return connector.PurchaseFailureDescription{}, false
	}
	return *s.lastFailure, true
}

// ConfigureExtensions implements extension.Module.
func (s *Store) ConfigureExtensions(r *extension.Registry) error {
	if err := r.Register(extension.TransactionHistory, s); err != nil {
		return err
	}
	return r.Register(extension.Restore, s)
}

// reportFailure records desc for the transaction history extension and
// forwards it.
func (s *Store) reportFailure(desc connector.PurchaseFailureDescription) {
	s.mu.Lock()
	s.lastFailure = &desc
	cb := s.cb
	s.mu.Unlock()

	if cb == nil {
		slog.Warn("purchase failure before initialize", "store_specific_id", desc.ProductID)
		return
	}
	cb.OnPurchaseFailed(desc)
}

func (s *Store) callback() connector.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil {
		return discard{}
	}
	return s.cb
}

func fakeMetadata(id string) catalog.ProductMetadata {
	return catalog.ProductMetadata{
		LocalizedPriceString: "$0.01",
		LocalizedTitle:       "Fake title for " + id,
		LocalizedDescription: "Fake description",
		ISOCurrencyCode:      "USD",
		LocalizedPrice:       "0.01",
	}
}

// discard drops notifications issued before Initialize.
type discard struct{}

func (discard) OnSetupFailed(connector.InitializationFailureReason, string) {}
func (discard) OnProductsRetrieved([]connector.ProductDescription)         {}
func (discard) OnPurchaseSucceeded(string, string, string)                 {}
func (discard) OnAllPurchasesRetrieved([]connector.PurchasedProduct)       {}
func (discard) OnPurchaseFailed(connector.PurchaseFailureDescription)      {}
func (discard) OnEntitlementRevoked(string)                                {}
