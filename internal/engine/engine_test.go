package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/audit"
	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/receipt"
	"github.com/roach88/iapsync/internal/testutil"
)

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	trace    *testutil.Trace
	store    *testutil.RecordingStore
	backend  *testutil.RecordingBackend
	app      *testutil.RecordingListener
	observer *recordingObserver
	pub      *audit.Recorder
	engine   *Engine
}

func testDefinitions() []catalog.ProductDefinition {
	return []catalog.ProductDefinition{
		{ID: "gold", StoreSpecificID: "gold.sku", Type: catalog.Consumable},
		{ID: "sword", StoreSpecificID: "sword.sku", Type: catalog.NonConsumable},
		{ID: "vip", StoreSpecificID: "vip.sku", Type: catalog.Subscription},
	}
}

func newFixture(t *testing.T, seed ...string) *fixture {
	t.Helper()

	f := &fixture{
		trace:    testutil.NewTrace(),
		observer: &recordingObserver{},
		pub:      &audit.Recorder{},
	}
	f.store = testutil.NewRecordingStore(f.trace, "test")
	f.backend = testutil.NewRecordingBackend(f.trace, seed...)
	f.app = testutil.NewRecordingListener(f.trace)

	clock := testutil.NewStepClock(time.Time{}, time.Second)
	f.engine = New(
		f.store,
		catalog.NewCollection(testDefinitions()),
		ledger.New(f.backend),
		listener.NewProxy(f.app, nil),
		WithObserver(f.observer),
		WithPublisher(f.pub),
		WithNow(clock.Now),
	)
	return f
}

// start runs Start with the engine as its own callback. Tests drive every
// notification synchronously, standing in for the dispatch goroutine.
func (f *fixture) start() {
	f.engine.Start(f.engine)
}

// initialize starts the engine and completes initialization with every
// catalog product available.
func (f *fixture) initialize() {
	f.start()
	f.engine.OnProductsRetrieved([]connector.ProductDescription{
		{StoreSpecificID: "gold.sku"},
		{StoreSpecificID: "sword.sku"},
		{StoreSpecificID: "vip.sku"},
	})
	f.trace.Reset()
}

type recordingObserver struct {
	delivered  []string
	duplicates []string
	confirmed  []string
	failed     []connector.PurchaseFailureReason
	dropped    []string
	inits      []bool
}

func (o *recordingObserver) PurchaseDelivered(id string) {
	o.delivered = append(o.delivered, id)
}

func (o *recordingObserver) DuplicateSuppressed(source string) {
	o.duplicates = append(o.duplicates, source)
}

func (o *recordingObserver) TransactionConfirmed(id string) {
	o.confirmed = append(o.confirmed, id)
}

func (o *recordingObserver) PurchaseFailed(r connector.PurchaseFailureReason) {
	o.failed = append(o.failed, r)
}

func (o *recordingObserver) NotificationDropped(kind string) {
	o.dropped = append(o.dropped, kind)
}

func (o *recordingObserver) InitializationCompleted(ok bool) {
	o.inits = append(o.inits, ok)
}

// =============================================================================
// Initialization
// =============================================================================

func TestStart_InitializesThenRetrieves(t *testing.T) {
	f := newFixture(t)
	f.start()

	assert.Equal(t, []string{
		"store.initialize",
		"store.retrieve_products:gold,sword,vip",
	}, f.trace.Events())
	assert.False(t, f.engine.Initialized())
}

func TestInitialization_SucceedsWithProducts(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnProductsRetrieved([]connector.ProductDescription{{
		StoreSpecificID: "gold.sku",
		Metadata:        catalog.ProductMetadata{LocalizedPriceString: "$0.99", ISOCurrencyCode: "USD"},
	}})

	assert.True(t, f.engine.Initialized())
	assert.True(t, f.engine.InitializationSucceeded())
	assert.Equal(t, 1, f.trace.Count("app.initialized"))
	assert.Same(t, f.engine, f.app.Controller())
	assert.Equal(t, []bool{true}, f.observer.inits)

	gold := f.engine.Products().WithID("gold")
	assert.True(t, gold.AvailableToPurchase)
	assert.Equal(t, "$0.99", gold.Metadata.LocalizedPriceString)
	assert.False(t, f.engine.Products().WithID("sword").AvailableToPurchase)
}

func TestInitialization_ZeroProductsFailsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnProductsRetrieved(nil)
	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})
	f.engine.OnSetupFailed(connector.PurchasingUnavailable, "later")

	assert.Equal(t, []string{"app.initialize_failed:NoProductsAvailable"}, f.trace.Filter("app."))
	assert.True(t, f.engine.Initialized())
	assert.False(t, f.engine.InitializationSucceeded())
	assert.Equal(t, []bool{false}, f.observer.inits)
}

func TestInitialization_UnknownDescriptionsStillCount(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "not.in.catalog"}})

	assert.True(t, f.engine.InitializationSucceeded())
	for _, p := range f.engine.Products().All() {
		assert.False(t, p.AvailableToPurchase, p.Definition.ID)
	}
}

func TestOnSetupFailed_BeforeInitialization(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnSetupFailed(connector.AppNotKnown, "unknown app")
	f.engine.OnSetupFailed(connector.PurchasingUnavailable, "again")
	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})

	assert.Equal(t, []string{"app.initialize_failed:AppNotKnown"}, f.trace.Filter("app."))
	assert.False(t, f.engine.InitializationSucceeded())
}

func TestOnSetupFailed_AfterInitializationSuppressed(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnSetupFailed(connector.PurchasingUnavailable, "retrieval failed")

	assert.Empty(t, f.trace.Events())
	assert.True(t, f.engine.InitializationSucceeded())
}

func TestListenerHookCanPurchaseDuringInitialization(t *testing.T) {
	f := newFixture(t)
	f.app.OnInit(func(c listener.Controller) {
		c.InitiatePurchaseByID("gold", "payload")
	})
	f.start()

	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})

	assert.Equal(t, []string{
		"store.initialize",
		"store.retrieve_products:gold,sword,vip",
		"app.initialized",
		"store.purchase:gold",
	}, f.trace.Events())
}

// =============================================================================
// Delivery and dedup
// =============================================================================

func TestPurchase_CompleteRecordsBeforeFinish(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.Equal(t, []string{
		"app.process_purchase:gold:tx1",
		"ledger.append:tx1",
		"store.finish:gold:tx1",
	}, f.trace.Events())

	gold := f.engine.Products().WithID("gold")
	assert.Equal(t, "tx1", gold.TransactionID)
	u, err := receipt.Parse(gold.Receipt)
	require.NoError(t, err)
	assert.Equal(t, receipt.Unified{Payload: "raw", Store: "test", TransactionID: "tx1"}, u)

	assert.Equal(t, []string{"gold.sku"}, f.observer.delivered)
	assert.Equal(t, []string{"gold.sku"}, f.observer.confirmed)
}

func TestPurchase_LedgerDuplicateFinishesWithoutDelivery(t *testing.T) {
	f := newFixture(t, "tx1")
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.Equal(t, []string{"store.finish:gold:tx1"}, f.trace.Events())
	assert.Equal(t, []string{DuplicateLedger}, f.observer.duplicates)
	assert.Empty(t, f.pub.Settlements())
}

func TestPurchase_RepeatedNotificationsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	f.app.SetResult("gold", listener.Pending)

	for range 5 {
		f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	}

	assert.Equal(t, 1, f.trace.Count("app.process_purchase:gold:tx1"))
	assert.Empty(t, f.trace.Filter("store.finish"))
	assert.Equal(t, []string{DuplicateSession, DuplicateSession, DuplicateSession, DuplicateSession}, f.observer.duplicates)
}

func TestPurchase_CompletedThenRepeatedFinishesAgain(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.Equal(t, 1, f.trace.Count("app.process_purchase:gold:tx1"))
	assert.Equal(t, 2, f.trace.Count("store.finish:gold:tx1"))
	assert.Equal(t, 1, f.trace.Count("ledger.append:tx1"))
}

func TestPurchase_DistinctTransactionsOfSameProduct(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "r1", "tx1")
	f.engine.OnPurchaseSucceeded("gold.sku", "r2", "tx2")

	assert.Equal(t, []string{
		"app.process_purchase:gold:tx1",
		"app.process_purchase:gold:tx2",
	}, f.trace.Filter("app."))
}

func TestPurchase_PendingWaitsForConfirmation(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	f.app.SetResult("sword", listener.Pending)

	f.engine.OnPurchaseSucceeded("sword.sku", "raw", "tx9")
	assert.Equal(t, []string{"app.process_purchase:sword:tx9"}, f.trace.Events())
	assert.False(t, f.engine.Ledger().HasRecordOf(context.Background(), "tx9"))

	f.engine.ConfirmPendingPurchase(f.engine.Products().WithID("sword"))

	assert.Equal(t, []string{
		"app.process_purchase:sword:tx9",
		"ledger.append:tx9",
		"store.finish:sword:tx9",
	}, f.trace.Events())
	assert.True(t, f.engine.Ledger().HasRecordOf(context.Background(), "tx9"))
}

func TestPurchase_UnknownProductSynthesized(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("mystery.sku", "raw", "tx7")

	assert.Equal(t, []string{
		"app.process_purchase:mystery.sku:tx7",
		"ledger.append:tx7",
		"store.finish:-:tx7",
	}, f.trace.Events())

	delivered := f.app.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, catalog.NonConsumable, delivered[0].Definition.Type)
	assert.Equal(t, "mystery.sku", delivered[0].Definition.StoreSpecificID)
	assert.Nil(t, f.engine.Products().WithStoreSpecificID("mystery.sku"), "catalog is not extended")

	require.Len(t, f.pub.Settlements(), 1)
	assert.False(t, f.pub.Settlements()[0].InCatalog)
}

func TestPurchase_EmptyTransactionIDIgnored(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "")

	assert.Empty(t, f.trace.Events())
	assert.Equal(t, []string{"missing_transaction_id"}, f.observer.dropped)
}

func TestPurchase_LedgerWriteFailureStillFinishes(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	f.backend.FailNextAppend(errors.New("disk full"))

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.Equal(t, []string{
		"app.process_purchase:gold:tx1",
		"ledger.append_failed:tx1",
		"store.finish:gold:tx1",
	}, f.trace.Events())
}

func TestPurchase_DisabledLedgerDeliversOncePerSession(t *testing.T) {
	trace := testutil.NewTrace()
	store := testutil.NewRecordingStore(trace, "test")
	app := testutil.NewRecordingListener(trace)
	e := New(store, catalog.NewCollection(testDefinitions()), nil, listener.NewProxy(app, nil))
	e.Start(e)
	e.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})

	e.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	e.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.False(t, e.Ledger().Enabled())
	assert.Equal(t, 1, trace.Count("app.process_purchase:gold:tx1"))
	assert.Equal(t, 1, trace.Count("store.finish:gold:tx1"))
}

// =============================================================================
// Initialization gating
// =============================================================================

func TestGating_PurchaseBeforeInitHeld(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	assert.Empty(t, f.trace.Filter("app."))

	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})

	assert.Equal(t, []string{
		"app.initialized",
		"app.process_purchase:gold:tx1",
	}, f.trace.Filter("app."))
}

func TestGating_OwnedProductsDeliveredAfterInit(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnProductsRetrieved([]connector.ProductDescription{
		{StoreSpecificID: "gold.sku"},
		{StoreSpecificID: "sword.sku", Receipt: "owned", TransactionID: "tx-owned"},
	})

	assert.Equal(t, []string{
		"app.initialized",
		"app.process_purchase:sword:tx-owned",
	}, f.trace.Filter("app."))
	assert.Equal(t, 1, f.trace.Count("store.finish:sword:tx-owned"))
}

func TestGating_HeldAndOwnedTransactionsOfOneProductBothDelivered(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnPurchaseSucceeded("sword.sku", "r-a", "tx-a")
	f.engine.OnProductsRetrieved([]connector.ProductDescription{
		{StoreSpecificID: "gold.sku"},
		{StoreSpecificID: "sword.sku", Receipt: "r-b", TransactionID: "tx-b"},
	})

	assert.Equal(t, []string{
		"app.initialized",
		"app.process_purchase:sword:tx-a",
		"app.process_purchase:sword:tx-b",
	}, f.trace.Filter("app."))
	assert.Equal(t, 1, f.trace.Count("store.finish:sword:tx-a"))
	assert.Equal(t, 1, f.trace.Count("store.finish:sword:tx-b"))
	assert.Equal(t, []string{"sword.sku", "sword.sku"}, f.observer.delivered)

	sword := f.engine.Products().WithID("sword")
	assert.Equal(t, "tx-b", sword.TransactionID)
	u, err := receipt.Parse(sword.Receipt)
	require.NoError(t, err)
	assert.Equal(t, "r-b", u.Payload)
}

func TestGating_HeldPurchaseRevokedByRestoreBeforeInit(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnPurchaseSucceeded("sword.sku", "r-a", "tx-a")
	f.engine.OnPurchaseSucceeded("gold.sku", "r-g", "tx-g")
	f.engine.OnAllPurchasesRetrieved([]connector.PurchasedProduct{
		{StoreSpecificID: "gold.sku", Receipt: "r-g", TransactionID: "tx-g"},
	})
	f.engine.OnProductsRetrieved([]connector.ProductDescription{
		{StoreSpecificID: "gold.sku"},
		{StoreSpecificID: "sword.sku"},
	})

	assert.Equal(t, []string{
		"app.initialized",
		"app.process_purchase:gold:tx-g",
	}, f.trace.Filter("app."))
	assert.Zero(t, f.trace.Count("store.finish:sword:tx-a"))
	assert.Equal(t, []string{"not_reported"}, f.observer.dropped)

	sword := f.engine.Products().WithID("sword")
	assert.False(t, sword.HasReceipt())
	assert.Empty(t, sword.TransactionID)

	// A later notification of the same transaction is no longer suppressed
	// as held and is delivered normally.
	f.engine.OnPurchaseSucceeded("sword.sku", "r-a", "tx-a")
	assert.Equal(t, 1, f.trace.Count("app.process_purchase:sword:tx-a"))
}

func TestGating_HeldPurchasesDroppedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")
	f.engine.OnProductsRetrieved(nil)
	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx2")

	assert.Equal(t, []string{"app.initialize_failed:NoProductsAvailable"}, f.trace.Filter("app."))
	assert.Empty(t, f.trace.Filter("store.finish"))
	assert.Equal(t, []string{"not_initialized", "not_initialized"}, f.observer.dropped)
}

func TestGating_LedgerDuplicatesFinishBeforeInit(t *testing.T) {
	f := newFixture(t, "tx1")
	f.start()

	f.engine.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	assert.Equal(t, 1, f.trace.Count("store.finish:gold:tx1"))
	assert.Empty(t, f.trace.Filter("app."))
}

// =============================================================================
// Restore reconciliation
// =============================================================================

func TestAllPurchasesRetrieved_Reconciles(t *testing.T) {
	f := newFixture(t, "tx-vip")
	f.initialize()

	gold := f.engine.Products().WithID("gold")
	gold.Receipt = "stale"
	gold.TransactionID = "tx-stale"

	f.engine.OnAllPurchasesRetrieved([]connector.PurchasedProduct{
		{StoreSpecificID: "sword.sku", Receipt: "r-sword", TransactionID: "tx-sword"},
		{StoreSpecificID: "sword.sku", Receipt: "r-other", TransactionID: "tx-other"},
		{StoreSpecificID: "vip.sku", Receipt: "r-vip", TransactionID: "tx-vip"},
		{StoreSpecificID: "unknown.sku", Receipt: "r", TransactionID: "tx-unknown"},
	})

	assert.Equal(t, []string{
		"app.process_purchase:sword:tx-sword",
		"ledger.append:tx-sword",
		"store.finish:sword:tx-sword",
		"store.finish:vip:tx-vip",
	}, f.trace.Events())

	assert.False(t, gold.HasReceipt())
	assert.Empty(t, gold.TransactionID)
	assert.Equal(t, "tx-vip", f.engine.Products().WithID("vip").TransactionID)
}

func TestAllPurchasesRetrieved_BeforeInitUpdatesOnly(t *testing.T) {
	f := newFixture(t)
	f.start()

	f.engine.OnAllPurchasesRetrieved([]connector.PurchasedProduct{
		{StoreSpecificID: "sword.sku", Receipt: "r", TransactionID: "tx-sword"},
	})

	assert.Empty(t, f.trace.Filter("app."))
	assert.Equal(t, "tx-sword", f.engine.Products().WithID("sword").TransactionID)
}

// =============================================================================
// Controller and remaining notifications
// =============================================================================

func TestInitiatePurchase_Unavailable(t *testing.T) {
	f := newFixture(t)
	f.start()
	f.engine.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})
	f.trace.Reset()

	f.engine.InitiatePurchaseByID("sword", "")

	assert.Equal(t, []string{"app.purchase_failed:sword:ProductUnavailable"}, f.trace.Events())
	failures := f.app.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "sword", failures[0].ProductID)
	assert.Equal(t, ProductUnavailableMessage, failures[0].Message)
}

func TestInitiatePurchase_NilAndUnknownIgnored(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.InitiatePurchase(nil, "")
	f.engine.InitiatePurchaseByID("nope", "")
	f.engine.ConfirmPendingPurchase(nil)
	f.engine.ConfirmPendingPurchase(f.engine.Products().WithID("gold"))

	assert.Empty(t, f.trace.Events())
}

func TestOnPurchaseFailed(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseFailed(connector.PurchaseFailureDescription{
		ProductID: "gold.sku",
		Reason:    connector.UserCancelled,
		Message:   "cancelled",
	})
	f.engine.OnPurchaseFailed(connector.PurchaseFailureDescription{
		ProductID: "unknown.sku",
		Reason:    connector.Unknown,
	})

	assert.Equal(t, []string{"app.purchase_failed:gold:UserCancelled"}, f.trace.Events())
	assert.Equal(t, []connector.PurchaseFailureReason{connector.UserCancelled}, f.observer.failed)
	assert.Equal(t, []string{"purchase_failed"}, f.observer.dropped)
}

func TestOnEntitlementRevoked(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	f.app.SetResult("sword", listener.Pending)
	f.engine.OnPurchaseSucceeded("sword.sku", "raw", "tx1")

	f.engine.OnEntitlementRevoked("sword.sku")
	f.engine.OnEntitlementRevoked("unknown.sku")

	sword := f.engine.Products().WithID("sword")
	assert.False(t, sword.HasReceipt())
	assert.Empty(t, sword.TransactionID)
	assert.Equal(t, []string{"entitlement_revoked"}, f.observer.dropped)
}

func TestSettlementsPublished(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	f.engine.OnPurchaseSucceeded("gold.sku", "r1", "tx1")
	f.engine.OnPurchaseSucceeded("sword.sku", "r2", "tx2")

	got := f.pub.Settlements()
	require.Len(t, got, 2)
	assert.Equal(t, audit.Settlement{
		Seq:             1,
		TransactionID:   "tx1",
		ProductID:       "gold",
		StoreSpecificID: "gold.sku",
		ProductType:     "Consumable",
		Store:           "test",
		InCatalog:       true,
		SettledAt:       testutil.DefaultEpoch,
	}, got[0])
	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, testutil.DefaultEpoch.Add(time.Second), got[1].SettledAt)
}

func TestWithStoreName(t *testing.T) {
	trace := testutil.NewTrace()
	app := testutil.NewRecordingListener(trace)
	e := New(
		testutil.NewRecordingStore(trace, "test"),
		catalog.NewCollection(testDefinitions()),
		ledger.New(ledger.NewMemoryBackend()),
		listener.NewProxy(app, nil),
		WithStoreName("AppleAppStore"),
	)
	e.Start(e)
	e.OnProductsRetrieved([]connector.ProductDescription{{StoreSpecificID: "gold.sku"}})
	e.OnPurchaseSucceeded("gold.sku", "raw", "tx1")

	u, err := receipt.Parse(app.Delivered()[0].Receipt)
	require.NoError(t, err)
	assert.Equal(t, "AppleAppStore", u.Store)
}
