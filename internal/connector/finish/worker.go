// Package finish settles transactions with a token-based billing service.
//
// Settling requires a synchronous purchase-by-token lookup that may block on
// a service round-trip. Worker confines that lookup, and the consume or
// acknowledge call that follows, to its own goroutine so the dispatch
// goroutine never waits on the network.
//
// Recoverable billing errors are retried with exponential backoff. When
// retries are exhausted, or the error is not recoverable, the failure is
// reported as a purchase failure with reason Unknown.
package finish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/dispatch"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMultiplier      = 2.0
)

// PurchaseState is the billing service's view of a purchase.
type PurchaseState int

const (
	StateUnspecified PurchaseState = iota
	StatePurchased
	StatePending
)

// Purchase is the billing service's record for one purchase token.
type Purchase struct {
	Token           string
	StoreSpecificID string
	State           PurchaseState
	Acknowledged    bool
}

// Backend is the token-based billing service.
type Backend interface {
	// FindPurchase looks up a purchase by token. May block.
	// found is false when the service does not know the token.
	FindPurchase(ctx context.Context, token string) (p Purchase, found bool, err error)

	// Consume settles a consumable purchase.
	Consume(ctx context.Context, token string) error

	// Acknowledge settles a non-consumable or subscription purchase.
	Acknowledge(ctx context.Context, token string) error
}

// Request asks the worker to settle one transaction.
// Definition is nil for products outside the configured catalog.
type Request struct {
	Definition    *catalog.ProductDefinition
	TransactionID string
}

// Policy configures retries.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

// Outcome describes how a request ended.
type Outcome int

const (
	// Settled means the purchase was consumed or acknowledged.
	Settled Outcome = iota
	// AlreadySettled means no call was needed (token processed earlier or
	// purchase already acknowledged).
	AlreadySettled
	// Skipped means the purchase is unknown to the service or not in the
	// purchased state.
	Skipped
	// Failed means settlement failed and a purchase failure was reported.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case AlreadySettled:
		return "already_settled"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Worker settles transactions on its own goroutine.
type Worker struct {
	backend Backend
	policy  Policy

	// onFailure receives exhausted or non-recoverable failures.
	onFailure func(connector.PurchaseFailureDescription)
	// onOutcome observes every finished request. Used for metrics and tests.
	onOutcome func(Request, Outcome)

	queue *dispatch.Queue
	// runCtx is set by Run; queued requests only execute inside Run.
	runCtx context.Context

	mu        sync.Mutex
	processed map[string]struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithPolicy overrides the retry policy. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(w *Worker) {
		if p.MaxAttempts > 0 {
			w.policy.MaxAttempts = p.MaxAttempts
		}
		if p.InitialInterval > 0 {
			w.policy.InitialInterval = p.InitialInterval
		}
		if p.MaxInterval > 0 {
			w.policy.MaxInterval = p.MaxInterval
		}
	}
}

// WithFailureHandler sets the receiver of settlement failures, usually the
// store's connector.Callback.OnPurchaseFailed.
func WithFailureHandler(fn func(connector.PurchaseFailureDescription)) Option {
	return func(w *Worker) {
		w.onFailure = fn
	}
}

// WithOutcomeHook observes each finished request.
func WithOutcomeHook(fn func(Request, Outcome)) Option {
	return func(w *Worker) {
		w.onOutcome = fn
	}
}

// NewWorker creates a worker over backend.
func NewWorker(backend Backend, opts ...Option) *Worker {
	w := &Worker{
		backend:   backend,
		policy:    DefaultPolicy(),
		queue:     dispatch.New(),
		processed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit queues req without blocking. Returns false after Close.
func (w *Worker) Submit(req Request) bool {
	return w.queue.Post(func() {
		_, _ = w.Finish(w.runCtx, req)
	})
}

// Run processes submitted requests until ctx is cancelled or Close is called.
// Must be called from exactly one goroutine.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx
	return w.queue.Run(ctx)
}

// Close stops accepting requests. Requests already queued still run.
func (w *Worker) Close() {
	w.queue.Close()
}

// Pending returns the number of queued requests.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Finish settles req synchronously. Blocks for the lookup and any retries.
// Must not be called from the dispatch goroutine.
func (w *Worker) Finish(ctx context.Context, req Request) (Outcome, error) {
	outcome, err := w.finish(ctx, req)
	if err != nil {
		slog.Error("failed to finish transaction",
			"transaction_id", req.TransactionID,
			"store_specific_id", storeSpecificID(req, Purchase{}),
			"error", err,
		)
		if w.onFailure != nil {
			w.onFailure(connector.PurchaseFailureDescription{
				ProductID: storeSpecificID(req, Purchase{}),
				Reason:    connector.Unknown,
				Message:   err.Error(),
			})
		}
	}
	if w.onOutcome != nil {
		w.onOutcome(req, outcome)
	}
	return outcome, err
}

func (w *Worker) finish(ctx context.Context, req Request) (Outcome, error) {
	token := req.TransactionID
	if w.isProcessed(token) {
		slog.Debug("transaction already finished", "transaction_id", token)
		return AlreadySettled, nil
	}

	type lookup struct {
		purchase Purchase
		found    bool
	}
	res, err := retry(ctx, w.policy, func() (lookup, error) {
		p, found, err := w.backend.FindPurchase(ctx, token)
		return lookup{purchase: p, found: found}, err
	})
	if err != nil {
		return Failed, fmt.Errorf("find purchase %s: %w", token, err)
	}
	if !res.found {
		slog.Debug("purchase token unknown to billing service", "transaction_id", token)
		return Skipped, nil
	}
	if res.purchase.State != StatePurchased {
		slog.Debug("purchase not in purchased state",
			"transaction_id", token,
			"state", int(res.purchase.State),
		)
		return Skipped, nil
	}

	var settle func(context.Context, string) error
	var action string
	switch {
	case req.Definition != nil && req.Definition.Type == catalog.Consumable:
		settle, action = w.backend.Consume, "consume"
	case !res.purchase.Acknowledged:
		settle, action = w.backend.Acknowledge, "acknowledge"
	default:
		w.markProcessed(token)
		return AlreadySettled, nil
	}

	_, err = retry(ctx, w.policy, func() (struct{}, error) {
		return struct{}{}, settle(ctx, token)
	})
	if err != nil {
		return Failed, fmt.Errorf("%s %s: %w", action, token, err)
	}

	w.markProcessed(token)
	slog.Info("transaction finished",
		"transaction_id", token,
		"store_specific_id", storeSpecificID(req, res.purchase),
		"action", action,
	)
	return Settled, nil
}

func (w *Worker) isProcessed(token string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.processed[token]
	return ok
}

func (w *Worker) markProcessed(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processed[token] = struct{}{}
}

// retry runs op with exponential backoff. Only recoverable billing errors are
// retried; anything else stops immediately.
func retry[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = DefaultMultiplier

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRecoverable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("retrying billing call",
				"error", err,
				"backoff", next,
			)
		}),
	)
}

func storeSpecificID(req Request, p Purchase) string {
	if req.Definition != nil {
		return req.Definition.StoreSpecificID
	}
	return p.StoreSpecificID
}
