package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDisabled is returned by Entries and Clear when the ledger has no backend.
var ErrDisabled = errors.New("transaction ledger disabled")

// Backend persists transaction ids.
type Backend interface {
	// Has reports whether id has been appended.
	Has(ctx context.Context, id string) (bool, error)

	// Append records id. Appending an existing id is a no-op.
	Append(ctx context.Context, id string) error

	// List returns all recorded ids.
	List(ctx context.Context) ([]string, error)

	// Clear removes every recorded id.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Ledger wraps a Backend with the fail-safe semantics of the purchase flow.
type Ledger struct {
	backend Backend
	enabled bool

	// onWriteFailure is notified after a swallowed Record error.
	onWriteFailure func(id string, err error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithWriteFailureHook registers a callback for swallowed write errors.
// Used for metrics; the hook must not block.
func WithWriteFailureHook(fn func(id string, err error)) Option {
	return func(l *Ledger) {
		l.onWriteFailure = fn
	}
}

// New creates a ledger over backend. A nil backend yields a disabled ledger.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend: backend,
		enabled: backend != nil,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Disabled returns a ledger that never records anything.
func Disabled() *Ledger {
	return New(nil)
}

// Enabled reports whether the ledger is consulted and written.
func (l *Ledger) Enabled() bool {
	return l.enabled && l.backend != nil
}

// SetEnabled toggles the ledger. Stores that settle transactions themselves
// may opt out; enabling a ledger without a backend has no effect.
func (l *Ledger) SetEnabled(enabled bool) {
	l.enabled = enabled
}

// HasRecordOf reports whether id has been settled.
//
// Fails safe to false: a disabled ledger, an empty id, or a backend read
// error all answer "not recorded".
func (l *Ledger) HasRecordOf(ctx context.Context, id string) bool {
	if !l.Enabled() || id == "" {
		return false
	}

	ok, err := l.backend.Has(ctx, id)
	if err != nil {
		slog.Error("transaction ledger read failed",
			"transaction_id", id,
			"error", err,
		)
		return false
	}
	return ok
}

// Record appends id. Errors are logged and swallowed.
func (l *Ledger) Record(ctx context.Context, id string) {
	if !l.Enabled() || id == "" {
		return
	}

	if err := l.backend.Append(ctx, id); err != nil {
		slog.Error("transaction ledger write failed",
			"transaction_id", id,
			"error", err,
		)
		if l.onWriteFailure != nil {
			l.onWriteFailure(id, err)
		}
		return
	}

	slog.Debug("transaction recorded", "transaction_id", id)
}

// Entries returns every recorded id.
func (l *Ledger) Entries(ctx context.Context) ([]string, error) {
	if l.backend == nil {
		return nil, ErrDisabled
	}
	ids, err := l.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return ids, nil
}

// Clear erases all entries. Intended for tests and manual resets.
func (l *Ledger) Clear(ctx context.Context) error {
	if l.backend == nil {
		return ErrDisabled
	}
	if err := l.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	slog.Info("transaction ledger cleared")
	return nil
}

// Close closes the backend.
func (l *Ledger) Close() error {
	if l.backend == nil {
		return nil
	}
	return l.backend.Close()
}
