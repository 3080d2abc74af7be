package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/iapsync/internal/audit"
	"github.com/roach88/iapsync/internal/engine"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/session"
	"github.com/roach88/iapsync/internal/testutil"
)

// ErrInjectedWrite is the error returned by a ledger append failed with
// fail_ledger_write.
var ErrInjectedWrite = errors.New("injected ledger write failure")

// Harness executes one scenario against a session built from test doubles.
type Harness struct {
	trace    *testutil.Trace
	store    *testutil.RecordingStore
	backend  *testutil.RecordingBackend
	app      *testutil.RecordingListener
	recorder *audit.Recorder
	session  *session.Session
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh session with an in-memory ledger. The
// dispatch queue is drained on the calling goroutine after Start and after
// every step. An error is returned only when the session cannot be built or
// a step cannot be delivered; failed assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.session.Close()

	if err := h.session.Start(); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	h.session.Drain()

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		h.session.Drain()
	}

	result, err := h.collect()
	if err != nil {
		return nil, err
	}
	for i, a := range scenario.Assertions {
		if err := Evaluate(result, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	name := scenario.Store
	if name == "" {
		name = DefaultStoreName
	}

	trace := testutil.NewTrace()
	h := &Harness{
		trace:    trace,
		store:    testutil.NewRecordingStore(trace, name),
		backend:  testutil.NewRecordingBackend(trace, scenario.Ledger.Seed...),
		app:      testutil.NewRecordingListener(trace),
		recorder: &audit.Recorder{},
	}
	for _, id := range scenario.Pending {
		h.app.SetResult(id, listener.Pending)
	}

	l := ledger.Disabled()
	if !scenario.Ledger.Disabled {
		l = ledger.New(h.backend)
	}

	clock := testutil.NewStepClock(testutil.DefaultEpoch, 0)
	s, err := session.New(h.store, scenario.Products, h.app,
		session.WithLedger(l),
		session.WithPublisher(h.recorder),
		session.WithEngineOptions(engine.WithNow(clock.Now)),
	)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	h.session = s
	return h, nil
}

// execute delivers one step. Store notifications go through the callback the
// store received, so they are marshaled like live notifications.
func (h *Harness) execute(step Step) error {
	cb := h.store.Callback()
	if cb == nil {
		return errors.New("store was not initialized")
	}

	switch {
	case step.ProductsRetrieved != nil:
		cb.OnProductsRetrieved(step.ProductsRetrieved)
	case step.PurchaseSucceeded != nil:
		n := step.PurchaseSucceeded
		cb.OnPurchaseSucceeded(n.StoreSpecificID, n.Receipt, n.TransactionID)
	case step.AllPurchasesRetrieved != nil:
		cb.OnAllPurchasesRetrieved(step.AllPurchasesRetrieved)
	case step.PurchaseFailed != nil:
		cb.OnPurchaseFailed(*step.PurchaseFailed)
	case step.SetupFailed != nil:
		cb.OnSetupFailed(step.SetupFailed.Reason, step.SetupFailed.Message)
	case step.EntitlementRevoked != "":
		cb.OnEntitlementRevoked(step.EntitlementRevoked)
	case step.Purchase != "":
		return h.session.Purchase(step.Purchase, "")
	case step.Confirm != "":
		return h.session.Confirm(step.Confirm)
	case step.FailLedgerWrite:
		h.backend.FailNextAppend(ErrInjectedWrite)
	default:
		return errors.New("empty step")
	}
	return nil
}

// collect snapshots the session. It runs after the queue is drained, on the
// goroutine that drained it.
func (h *Harness) collect() (*Result, error) {
	result := NewResult()
	result.Trace = append(result.Trace, h.trace.Events()...)

	for _, p := range h.session.Engine().Products().All() {
		result.Products = append(result.Products, ProductState{
			ID:            p.Definition.ID,
			Available:     p.AvailableToPurchase,
			Price:         p.Metadata.LocalizedPriceString,
			TransactionID: p.TransactionID,
			Receipt:       p.Receipt,
		})
	}

	if l := h.session.Ledger(); l.Enabled() {
		entries, err := l.Entries(context.Background())
		if err != nil {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		result.Ledger = append(result.Ledger, entries...)
	}

	result.Settlements = append(result.Settlements, h.recorder.Settlements()...)
	return result, nil
}
