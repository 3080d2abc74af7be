// Package session composes one purchasing session: store connector,
// readiness gate, dispatch queue, catalog, ledger, engine, and the
// application listener.
//
// Construction is two-phase. New wires every component without talking to
// the store; Start hands the store its callback and requests products. Store
// notifications are marshaled onto the dispatch queue, which Run (or Drain)
// executes on a single goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/iapsync/internal/audit"
	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/dispatch"
	"github.com/roach88/iapsync/internal/engine"
	"github.com/roach88/iapsync/internal/extension"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/metrics"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrNotReady is reported by Healthy while the connector is disconnected.
	ErrNotReady = errors.New("store connector not ready")
)

// Runner is implemented by connectors with background work, such as a
// settlement worker. Run blocks until ctx is cancelled or the connector is
// closed.
type Runner interface {
	Run(ctx context.Context) error
}

// Waiter is implemented by connectors that report purchases from background
// goroutines. Wait blocks until every purchase started so far has reported.
type Waiter interface {
	Wait()
}

// Session owns the components of one purchasing session.
type Session struct {
	store    connector.Store
	gate     *connector.Gate
	queue    *dispatch.Queue
	engine   *engine.Engine
	ledger   *ledger.Ledger
	registry *extension.Registry
	closers  []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
	running sync.WaitGroup
	// dispatching covers the dispatch loop of Run, which ends before the
	// connector's background work does.
	dispatching sync.WaitGroup
}

// Option configures a Session.
type Option func(*options)

type options struct {
	ledger     *ledger.Ledger
	observer   engine.Observer
	publisher  audit.Publisher
	metrics    *metrics.Metrics
	engineOpts []engine.Option
	closers    []io.Closer
}

// WithLedger sets the transaction ledger. The session closes it.
// Default: disabled.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *options) {
		o.ledger = l
	}
}

// WithObserver registers an engine observer.
func WithObserver(obs engine.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithPublisher publishes settlements.
func WithPublisher(p audit.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithMetrics observes the engine and counts dispatch panics and ledger
// write failures in m. It replaces WithObserver.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEngineOptions passes extra options to engine.New.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithCloser registers a resource closed by Close, after the store and
// ledger.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, c)
	}
}

// New builds a session around store for the given products. app receives
// every listener event on the dispatch goroutine.
func New(store connector.Store, defs []catalog.ProductDefinition, app listener.Listener, opts ...Option) (*Session, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return build(store, defs, app, o)
}

func build(store connector.Store, defs []catalog.ProductDefinition, app listener.Listener, o *options) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if app == nil {
		return nil, errors.New("session: nil listener")
	}
	if err := catalog.ValidateDefinitions(defs); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	var queueOpts []dispatch.Option
	engineOpts := []engine.Option{engine.WithPublisher(o.publisher)}
	if o.observer != nil {
		engineOpts = append(engineOpts, engine.WithObserver(o.observer))
	}
	if o.metrics != nil {
		queueOpts = append(queueOpts, dispatch.WithPanicHook(o.metrics.DispatchPanicked))
		engineOpts = append(engineOpts, engine.WithObserver(o.metrics))
	}
	engineOpts = append(engineOpts, o.engineOpts...)

	registry := extension.NewRegistry()
	if m, ok := store.(extension.Module); ok {
		if err := m.ConfigureExtensions(registry); err != nil {
			return nil, fmt.Errorf("session: configure extensions: %w", err)
		}
	}

	l := o.ledger
	if l == nil {
		l = ledger.Disabled()
	}

	gate := connector.NewGate(store)
	s := &Session{
		store:    store,
		gate:     gate,
		queue:    dispatch.New(queueOpts...),
		ledger:   l,
		registry: registry,
		closers:  o.closers,
	}
	s.engine = engine.New(
		gate,
		catalog.NewCollection(defs),
		l,
		listener.NewProxy(app, registry),
		engineOpts...,
	)
	return s, nil
}

// Start initializes the store and requests product metadata. Outcomes
// arrive through the dispatch queue.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	slog.Info("session starting",
		"store", connector.NameOf(s.store),
		"products", s.engine.Products().Len(),
		"ledger_enabled", s.ledger.Enabled(),
	)
	s.engine.Start(dispatch.Marshal(s.queue, s.engine))
	return nil
}

// Run executes dispatched work, and the connector's background work when
// it is a Runner, until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.running.Add(1)
	s.dispatching.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	runner, ok := s.store.(Runner)
	if !ok {
		defer s.dispatching.Done()
		return s.queue.Run(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- runner.Run(ctx)
	}()

	err := s.queue.Run(ctx)
	s.dispatching.Done()
	if err != nil {
		cancel()
	}
	// After Close the connector keeps running until Close stops it, so
	// settlements requested by the final drain still complete.
	if rerr := <-runnerErr; err == nil && rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = fmt.Errorf("connector: %w", rerr)
	}
	return err
}

// Drain runs queued work on the calling goroutine and returns how many
// closures ran. Use it instead of Run when the caller owns the dispatch
// goroutine, as tests and the scenario harness do.
func (s *Session) Drain() int {
	return s.queue.Drain()
}

// Post schedules fn on the dispatch goroutine with the session controller.
func (s *Session) Post(fn func(listener.Controller)) error {
	if !s.queue.Post(func() { fn(s.engine) }) {
		return ErrClosed
	}
	return nil
}

// Purchase schedules a purchase of the product with the given id.
func (s *Session) Purchase(productID, developerPayload string) error {
	return s.Post(func(c listener.Controller) {
		c.InitiatePurchaseByID(productID, developerPayload)
	})
}

// Confirm schedules confirmation of a purchase left pending.
func (s *Session) Confirm(productID string) error {
	return s.Post(func(c listener.Controller) {
		c.ConfirmPendingPurchase(c.Products().WithID(productID))
	})
}

// Restore asks the connector to re-report owned purchases through the
// restore extension. It returns false when the connector cannot restore.
func (s *Session) Restore(done func(ok bool)) bool {
	r, ok := extension.Get[extension.RestoreExtensions](s.registry, extension.Restore)
	if !ok {
		return false
	}
	r.RestoreTransactions(done)
	return true
}

// Extensions returns the capabilities registered by the connector.
func (s *Session) Extensions() extension.Provider { return s.registry }

// Ledger returns the session ledger.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Store returns the underlying connector.
func (s *Session) Store() connector.Store { return s.store }

// Engine returns the reconciliation engine. Its methods must only be
// called on the dispatch goroutine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Healthy reports ErrClosed once the session is closed and ErrNotReady
// while a started session's connector is not connected.
func (s *Session) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started && !s.gate.IsReady() {
		return ErrNotReady
	}
	return nil
}

// Close shuts the session down in dependency order: purchases in flight
// report, Run drains what was queued, the connector stops once the
// settlements that drain requested are done, then the ledger and registered
// resources close. It is safe to call twice but must not be called from the
// dispatch goroutine.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if w, ok := s.store.(Waiter); ok {
		w.Wait()
	}
	s.queue.Close()
	s.dispatching.Wait()

	var errs []error
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connector: %w", err))
		}
	}
	s.running.Wait()

	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("session closed")
	return errors.Join(errs...)
}
