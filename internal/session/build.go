package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/connector/fakestore"
	"github.com/roach88/iapsync/internal/connector/finish"
	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/metrics"
)

// FromConfig builds a session from cfg: the fake store, the configured
// ledger backend, and the NATS settlement publisher when audit.nats_url is
// set. Resources opened here are closed by Session.Close, or before
// returning an error.
func FromConfig(ctx context.Context, cfg *config.Config, app listener.Listener, opts ...Option) (*Session, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	defs, err := cfg.Definitions()
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	if o.ledger == nil {
		var hook func(string, error)
		if o.metrics != nil {
			hook = o.metrics.LedgerWriteFailed
		}
		l, err := OpenLedger(ctx, cfg, hook)
		if err != nil {
			return nil, err
		}
		o.ledger = l
	}

	if o.publisher == nil && cfg.Audit.NATSURL != "" {
		pub, err := connectAudit(cfg.Audit)
		if err != nil {
			_ = o.ledger.Close()
			return nil, err
		}
		o.publisher = pub
		o.closers = append(o.closers, pub)
	}

	s, err := build(NewFakeStore(cfg, o.metrics), defs, app, o)
	if err != nil {
		_ = o.ledger.Close()
		for _, c := range o.closers {
			_ = c.Close()
		}
		return nil, err
	}
	return s, nil
}

// OpenLedger opens the ledger backend selected by cfg. A disabled ledger
// has no backend.
func OpenLedger(ctx context.Context, cfg *config.Config, onWriteFailure func(string, error)) (*ledger.Ledger, error) {
	lc := cfg.Ledger
	if !lc.Enabled {
		slog.Info("transaction ledger disabled")
		return ledger.Disabled(), nil
	}

	var (
		backend ledger.Backend
		err     error
	)
	switch lc.Backend {
	case config.BackendSQLite:
		backend, err = ledger.OpenSQLite(cfg.Resolve(lc.Path))
	case config.BackendRedis:
		backend, err = ledger.DialRedis(ctx, lc.Redis.Addr, lc.Redis.Key)
	case config.BackendMemory:
		backend = ledger.NewMemoryBackend()
	default:
		err = fmt.Errorf("unknown ledger backend %q", lc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	var opts []ledger.Option
	if onWriteFailure != nil {
		opts = append(opts, ledger.WithWriteFailureHook(onWriteFailure))
	}
	return ledger.New(backend, opts...), nil
}

// NewFakeStore builds the fake store from the store and finish sections.
// m may be nil.
func NewFakeStore(cfg *config.Config, m *metrics.Metrics) *fakestore.Store {
	sc := cfg.Store
	opts := []fakestore.Option{
		fakestore.WithPurchaseDelay(sc.PurchaseDelay),
		fakestore.WithConnectDelay(sc.ConnectDelay),
		fakestore.WithDecision(Decision(sc)),
		fakestore.WithFinishPolicy(finish.Policy{
			MaxAttempts:     cfg.Finish.MaxAttempts,
			InitialInterval: cfg.Finish.InitialInterval,
			MaxInterval:     cfg.Finish.MaxInterval,
		}),
	}
	if sc.UnavailableProduct != "" {
		opts = append(opts, fakestore.WithUnavailableProduct(sc.UnavailableProduct))
	}
	if sc.TransactionIDPrefix != "" {
		opts = append(opts, fakestore.WithIDGenerator(fakestore.NewSequenceGenerator(sc.TransactionIDPrefix)))
	}
	if m != nil {
		opts = append(opts, fakestore.WithFinishOutcomeHook(m.FinishOutcome))
	}
	return fakestore.New(opts...)
}

// Decision answers fake store dialogs from the store section: listed
// purchases are cancelled by the user and retrieval fails when
// deny_retrieval is set.
func Decision(sc config.StoreConfig) fakestore.Decision {
	deny := make(map[string]struct{}, len(sc.DenyPurchases))
	for _, id := range sc.DenyPurchases {
		deny[id] = struct{}{}
	}

	return func(d fakestore.Dialog) fakestore.Verdict {
		switch d.Type {
		case fakestore.DialogRetrieveProducts:
			if sc.DenyRetrieval {
				return fakestore.Verdict{InitFailure: connector.PurchasingUnavailable}
			}
		case fakestore.DialogPurchase:
			if _, ok := deny[d.ProductID]; ok {
				return fakestore.Verdict{PurchaseFailure: connector.UserCancelled}
			}
		}
		return fakestore.Verdict{Allow: true}
	}
}
