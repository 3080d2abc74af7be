package finish

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process billing service used by the fake store and
// tests. Failures can be scripted per operation.
type MemoryBackend struct {
	mu        sync.Mutex
	purchases map[string]Purchase
	failures  map[string][]error
	calls     []string
}

var _ Backend = (*MemoryBackend)(nil)

// Operation names accepted by FailNext.
const (
	OpFind        = "find"
	OpConsume     = "consume"
	OpAcknowledge = "acknowledge"
)

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		purchases: make(map[string]Purchase),
		failures:  make(map[string][]error),
	}
}

// Put stores or replaces a purchase.
func (m *MemoryBackend) Put(p Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.Token] = p
}

// Get returns the stored purchase for token.
func (m *MemoryBackend) Get(token string) (Purchase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[token]
	return p, ok
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (m *MemoryBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns the operations performed so far as "op:token".
func (m *MemoryBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// FindPurchase implements Backend.
func (m *MemoryBackend) FindPurchase(ctx context.Context, token string) (Purchase, bool, error) {
	if err := ctx.Err(); err != nil {
		return Purchase{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(OpFind, token); err != nil {
		return Purchase{}, false, err
	}
	p, ok := m.purchases[token]
	return p, ok, nil
}

// Consume implements Backend. A consumed purchase is removed.
func (m *MemoryBackend) Consume(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(OpConsume, token); err != nil {
		return err
	}
	if _, ok := m.purchases[token]; !ok {
		return NewBillingError(ItemNotOwned, "purchase token not found")
	}
	delete(m.purchases, token)
	return nil
}

// Acknowledge implements Backend.
func (m *MemoryBackend) Acknowledge(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(OpAcknowledge, token); err != nil {
		return err
	}
	p, ok := m.purchases[token]
	if !ok {
		return NewBillingError(ItemNotOwned, "purchase token not found")
	}
	p.Acknowledged = true
	m.purchases[token] = p
	return nil
}

// takeFailure records the call and pops the next scripted error. Caller holds mu.
func (m *MemoryBackend) takeFailure(op, token string) error {
	m.calls = append(m.calls, op+":"+token)
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}
