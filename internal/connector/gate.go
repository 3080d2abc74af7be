package connector

import (
	"log/slog"
	"sync"

	"github.com/roach88/iapsync/internal/catalog"
)

// Gate holds RetrieveProducts and Purchase requests until the wrapped
// connector reports it is ready.
//
// Requests issued while disconnected are queued and replayed in issue order
// on the next Ready. Initialize and FinishTransaction pass straight through.
// Gate implements both Store and ReadinessNotifier and is safe for concurrent
// use.
type Gate struct {
	store Store

	mu      sync.Mutex
	ready   bool
	pending []func()
}

var (
	_ Store             = (*Gate)(nil)
	_ ReadinessNotifier = (*Gate)(nil)
	_ Named             = (*Gate)(nil)
)

// NewGate wraps store. The gate starts disconnected when store implements
// ReadinessReporter and ready otherwise.
func NewGate(store Store) *Gate {
	g := &Gate{store: store, ready: true}
	if r, ok := store.(ReadinessReporter); ok {
		g.ready = false
		r.SetReadinessNotifier(g)
	}
	return g
}

// Name forwards to the wrapped store.
func (g *Gate) Name() string {
	return NameOf(g.store)
}

// Initialize implements Store.
func (g *Gate) Initialize(cb Callback) {
	g.store.Initialize(cb)
}

// RetrieveProducts implements Store.
func (g *Gate) RetrieveProducts(defs []catalog.ProductDefinition) {
	owned := make([]catalog.ProductDefinition, len(defs))
	copy(owned, defs)
	g.submit("retrieve_products", func() { g.store.RetrieveProducts(owned) })
}

// Purchase implements Store.
func (g *Gate) Purchase(def catalog.ProductDefinition, developerPayload string) {
	g.submit("purchase", func() { g.store.Purchase(def, developerPayload) })
}

// FinishTransaction implements Store.
func (g *Gate) FinishTransaction(def *catalog.ProductDefinition, transactionID string) {
	g.store.FinishTransaction(def, transactionID)
}

// Ready marks the connector connected and replays queued requests.
// Requests issued while the replay is running are appended to it, so issue
// order is preserved.
func (g *Gate) Ready() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}

	for {
		batch := g.pending
		g.pending = nil
		if len(batch) == 0 {
			g.ready = true
			g.mu.Unlock()
			slog.Debug("store connector ready")
			return
		}

		g.mu.Unlock()
		for _, op := range batch {
			op()
		}
		g.mu.Lock()
	}
}

// Disconnected marks the connector unavailable; later requests are queued.
func (g *Gate) Disconnected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		slog.Warn("store connector disconnected")
	}
	g.ready = false
}

// IsReady reports whether requests currently pass through.
func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Pending returns the number of queued requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) submit(op string, fn func()) {
	g.mu.Lock()
	if !g.ready {
		g.pending = append(g.pending, fn)
		n := len(g.pending)
		g.mu.Unlock()
		slog.Debug("store request queued until ready", "op", op, "queued", n)
		return
	}
	g.mu.Unlock()
	fn()
}
