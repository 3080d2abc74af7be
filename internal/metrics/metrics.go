// Package metrics exposes reconciliation counters to Prometheus and serves
// them with a health endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/connector/finish"
	"github.com/roach88/iapsync/internal/engine"
)

const namespace = "iapsync"

// Metrics holds the session counters. It implements engine.Observer and
// provides hooks for the dispatch queue, ledger, and finish worker.
type Metrics struct {
	purchasesDelivered    *prometheus.CounterVec
	duplicatesSuppressed  *prometheus.CounterVec
	transactionsConfirmed *prometheus.CounterVec
	purchasesFailed       *prometheus.CounterVec
	notificationsDropped  *prometheus.CounterVec
	initializations       *prometheus.CounterVec
	finishOutcomes        *prometheus.CounterVec
	ledgerWriteFailures   prometheus.Counter
	dispatchPanics        prometheus.Counter
}

var _ engine.Observer = (*Metrics)(nil)

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		purchasesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_delivered_total",
				Help:      "Purchases handed to the application.",
			},
			[]string{"store_specific_id"},
		),
		duplicatesSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_suppressed_total",
				Help:      "Purchase notifications not redelivered, by dedup source.",
			},
			[]string{"source"},
		),
		transactionsConfirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_confirmed_total",
				Help:      "Transactions recorded in the ledger and sent to the store to finish.",
			},
			[]string{"store_specific_id"},
		),
		purchasesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_failed_total",
				Help:      "Purchase failures reported to the application.",
			},
			[]string{"reason"},
		),
		notificationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Store notifications that could not be applied.",
			},
			[]string{"kind"},
		),
		initializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "initializations_total",
				Help:      "Initialization outcomes.",
			},
			[]string{"result"},
		),
		finishOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finish_outcomes_total",
				Help:      "Finish worker results.",
			},
			[]string{"outcome"},
		),
		ledgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Ledger appends that failed and were skipped.",
		}),
		dispatchPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_panics_total",
			Help:      "Dispatched callbacks that panicked.",
		}),
	}

	reg.MustRegister(
		m.purchasesDelivered,
		m.duplicatesSuppressed,
		m.transactionsConfirmed,
		m.purchasesFailed,
		m.notificationsDropped,
		m.initializations,
		m.finishOutcomes,
		m.ledgerWriteFailures,
		m.dispatchPanics,
	)
	return m
}

// PurchaseDelivered implements engine.Observer.
func (m *Metrics) PurchaseDelivered(storeSpecificID string) {
	m.purchasesDelivered.WithLabelValues(storeSpecificID).Inc()
}

// DuplicateSuppressed implements engine.Observer.
func (m *Metrics) DuplicateSuppressed(source string) {
	m.duplicatesSuppressed.WithLabelValues(source).Inc()
}

// TransactionConfirmed implements engine.Observer.
func (m *Metrics) TransactionConfirmed(storeSpecificID string) {
	m.transactionsConfirmed.WithLabelValues(storeSpecificID).Inc()
}

// PurchaseFailed implements engine.Observer.
func (m *Metrics) PurchaseFailed(reason connector.PurchaseFailureReason) {
	m.purchasesFailed.WithLabelValues(reason.String()).Inc()
}

// NotificationDropped implements engine.Observer.
func (m *Metrics) NotificationDropped(kind string) {
	m.notificationsDropped.WithLabelValues(kind).Inc()
}

// InitializationCompleted implements engine.Observer.
func (m *Metrics) InitializationCompleted(succeeded bool) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.initializations.WithLabelValues(result).Inc()
}

// FinishOutcome is a finish.WithOutcomeHook callback.
func (m *Metrics) FinishOutcome(_ finish.Request, o finish.Outcome) {
	m.finishOutcomes.WithLabelValues(o.String()).Inc()
}

// LedgerWriteFailed is a ledger.WithWriteFailureHook callback.
func (m *Metrics) LedgerWriteFailed(string, error) {
	m.ledgerWriteFailures.Inc()
}

// DispatchPanicked is a dispatch.WithPanicHook callback.
func (m *Metrics) DispatchPanicked(any) {
	m.dispatchPanics.Inc()
}
