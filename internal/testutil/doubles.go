// Package testutil provides deterministic test doubles shared by the engine,
// session, and harness tests.
//
// The doubles write into one Trace so tests can assert the relative order of
// store, ledger, and application calls.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/extension"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
)

// Trace is an ordered, thread-safe event log.
type Trace struct {
	mu     sync.Mutex
	events []string
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Add appends a formatted event.
func (t *Trace) Add(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the log.
func (t *Trace) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.events))
	copy(out, t.events)
	return out
}

// Filter returns events starting with prefix, in order.
func (t *Trace) Filter(prefix string) []string {
	var out []string
	for _, e := range t.Events() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events equal event exactly.
func (t *Trace) Count(event string) int {
	n := 0
	for _, e := range t.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Index returns the position of the first event equal to event, or -1.
func (t *Trace) Index(event string) int {
	for i, e := range t.Events() {
		if e == event {
			return i
		}
	}
	return -1
}

// Reset clears the log.
func (t *Trace) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// RecordingStore is a connector.Store that only records outbound calls.
//
// Events:
//
//	store.initialize
//	store.retrieve_products:<id>,<id>
//	store.purchase:<id>
//	store.finish:<id|->:<transaction id>
type RecordingStore struct {
	trace *Trace
	name  string

	mu sync.Mutex
	cb connector.Callback
}

var (
	_ connector.Store = (*RecordingStore)(nil)
	_ connector.Named = (*RecordingStore)(nil)
)

// NewRecordingStore creates a store named name that writes into trace.
func NewRecordingStore(trace *Trace, name string) *RecordingStore {
	return &RecordingStore{trace: trace, name: name}
}

// Name implements connector.Named.
func (s *RecordingStore) Name() string { return s.name }

// Callback returns the sink supplied to Initialize.
func (s *RecordingStore) Callback() connector.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

// Initialize implements connector.Store.
func (s *RecordingStore) Initialize(cb connector.Callback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	s.trace.Add("store.initialize")
}

// RetrieveProducts implements connector.Store.
func (s *RecordingStore) RetrieveProducts(defs []catalog.ProductDefinition) {
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	s.trace.Add("store.retrieve_products:%s", strings.Join(ids, ","))
}

// Purchase implements connector.Store.
func (s *RecordingStore) Purchase(def catalog.ProductDefinition, _ string) {
	s.trace.Add("store.purchase:%s", def.ID)
}

// FinishTransaction implements connector.Store.
func (s *RecordingStore) FinishTransaction(def *catalog.ProductDefinition, transactionID string) {
	id := "-"
	if def != nil {
		id = def.ID
	}
	s.trace.Add("store.finish:%s:%s", id, transactionID)
}

// RecordingBackend is a ledger.Backend over memory that logs appends.
//
// Events:
//
//	ledger.append:<transaction id>
type RecordingBackend struct {
	*ledger.MemoryBackend
	trace *Trace

	mu       sync.Mutex
	failNext error
}

var _ ledger.Backend = (*RecordingBackend)(nil)

// NewRecordingBackend creates a backend seeded with already-settled ids.
func NewRecordingBackend(trace *Trace, seed ...string) *RecordingBackend {
	return &RecordingBackend{MemoryBackend: ledger.NewMemoryBackend(seed...), trace: trace}
}

// FailNextAppend makes the next Append return err without recording.
func (b *RecordingBackend) FailNextAppend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Append implements ledger.Backend.
func (b *RecordingBackend) Append(ctx context.Context, id string) error {
	b.mu.Lock()
	err := b.failNext
	b.failNext = nil
	b.mu.Unlock()

	if err != nil {
		b.trace.Add("ledger.append_failed:%s", id)
		return err
	}
	b.trace.Add("ledger.append:%s", id)
	return b.MemoryBackend.Append(ctx, id)
}

// RecordingListener is a listener.Listener that records every callback and
// answers ProcessPurchase from a per-product table.
//
// Events:
//
//	app.initialized
//	app.initialize_failed:<reason>
//	app.process_purchase:<product id>:<transaction id>
//	app.purchase_failed:<product id>:<reason>
type RecordingListener struct {
	trace *Trace

	mu         sync.Mutex
	results    map[string]listener.ProcessingResult
	controller listener.Controller
	extensions extension.Provider
	delivered  []*catalog.Product
	failures   []connector.PurchaseFailureDescription
	onInit     func(listener.Controller)
}

var _ listener.Listener = (*RecordingListener)(nil)

// NewRecordingListener creates a listener that answers Complete by default.
func NewRecordingListener(trace *Trace) *RecordingListener {
	return &RecordingListener{
		trace:   trace,
		results: make(map[string]listener.ProcessingResult),
	}
}

// SetResult configures the disposition for productID.
func (l *RecordingListener) SetResult(productID string, r listener.ProcessingResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[productID] = r
}

// OnInit registers a hook run inside OnInitialized.
func (l *RecordingListener) OnInit(fn func(listener.Controller)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onInit = fn
}

// Controller returns the controller received in OnInitialized.
func (l *RecordingListener) Controller() listener.Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.controller
}

// Extensions returns the provider received in OnInitialized.
func (l *RecordingListener) Extensions() extension.Provider {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extensions
}

// Delivered returns the products passed to ProcessPurchase.
func (l *RecordingListener) Delivered() []*catalog.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*catalog.Product(nil), l.delivered...)
}

// Failures returns the descriptions passed to OnPurchaseFailed.
func (l *RecordingListener) Failures() []connector.PurchaseFailureDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]connector.PurchaseFailureDescription(nil), l.failures...)
}

// OnInitialized implements listener.Listener.
func (l *RecordingListener) OnInitialized(c listener.Controller, ext extension.Provider) {
	l.mu.Lock()
	l.controller = c
	l.extensions = ext
	hook := l.onInit
	l.mu.Unlock()

	l.trace.Add("app.initialized")
	if hook != nil {
		hook(c)
	}
}

// OnInitializeFailed implements listener.Listener.
func (l *RecordingListener) OnInitializeFailed(reason connector.InitializationFailureReason, _ string) {
	l.trace.Add("app.initialize_failed:%s", reason)
}

// ProcessPurchase implements listener.Listener.
func (l *RecordingListener) ProcessPurchase(e listener.PurchaseEvent) listener.ProcessingResult {
	l.mu.Lock()
	l.delivered = append(l.delivered, e.Product)
	r, ok := l.results[e.Product.Definition.ID]
	l.mu.Unlock()

	l.trace.Add("app.process_purchase:%s:%s", e.Product.Definition.ID, e.Product.TransactionID)
	if !ok {
		return listener.Complete
	}
	return r
}

// OnPurchaseFailed implements listener.Listener.
func (l *RecordingListener) OnPurchaseFailed(p *catalog.Product, desc connector.PurchaseFailureDescription) {
	l.mu.Lock()
	l.failures = append(l.failures, desc)
	l.mu.Unlock()

	l.trace.Add("app.purchase_failed:%s:%s", p.Definition.ID, desc.Reason)
}
