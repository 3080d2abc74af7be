// Package extension maps capability tags to store-specific extension
// implementations.
//
// Store modules register what they support when a session is composed;
// applications resolve extensions by tag from the Provider handed to
// OnInitialized. Resolution is explicit and typed through Get.
package extension

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/iapsync/internal/connector"
)

// Capability names one extension surface.
type Capability string

const (
	// TransactionHistory resolves to TransactionHistoryExtensions.
	TransactionHistory Capability = "transaction_history"
	// Restore resolves to RestoreExtensions.
	Restore Capability = "restore"
)

var (
	// ErrDuplicateCapability is returned when a capability is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")
	// ErrNilExtension is returned when registering a nil implementation.
	ErrNilExtension = errors.New("nil extension")
)

// Provider resolves extensions by capability.
type Provider interface {
	Extension(c Capability) (any, bool)
}

// Module is implemented by stores that contribute extensions.
type Module interface {
	ConfigureExtensions(r *Registry) error
}

// Registry is a Provider populated once at composition time.
// It is not safe for concurrent registration; lookups after composition are
// read-only.
type Registry struct {
	entries map[Capability]any
}

var _ Provider = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Capability]any)}
}

// Register binds impl to c.
func (r *Registry) Register(c Capability, impl any) error {
	if impl == nil {
		return fmt.Errorf("register %s: %w", c, ErrNilExtension)
	}
	if _, ok := r.entries[c]; ok {
		return fmt.Errorf("register %s: %w", c, ErrDuplicateCapability)
	}
	r.entries[c] = impl
	return nil
}

// Extension implements Provider.
func (r *Registry) Extension(c Capability) (any, bool) {
	if r == nil {
		return nil, false
	}
	impl, ok := r.entries[c]
	return impl, ok
}

// Capabilities returns the registered tags in sorted order.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.entries))
	for c := range r.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get resolves c from p and asserts it to T.
// Returns false when p is nil, c is unregistered, or the implementation is
// not a T.
func Get[T any](p Provider, c Capability) (T, bool) {
	var zero T
	if p == nil {
		return zero, false
	}
	impl, ok := p.Extension(c)
	if !ok {
		return zero, false
	}
	typed, ok := impl.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// TransactionHistoryExtensions exposes details the generic failure callback
// does not carry.
type TransactionHistoryExtensions interface {
	// LastPurchaseFailureDescription returns the most recent purchase failure
	// reported by the store, if any.
	LastPurchaseFailureDescription() (connector.PurchaseFailureDescription, bool)
}

// RestoreExtensions re-reports owned purchases on demand.
type RestoreExtensions interface {
	// RestoreTransactions asks the store to re-report every owned
	// non-consumable; done receives the overall outcome.
	RestoreTransactions(done func(ok bool))
}
