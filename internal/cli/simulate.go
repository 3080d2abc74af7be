package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/connector"
	"github.com/roach88/iapsync/internal/extension"
	"github.com/roach88/iapsync/internal/listener"
	"github.com/roach88/iapsync/internal/metrics"
	"github.com/roach88/iapsync/internal/session"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Purchases   []string      // product ids purchased after initialization
	Pending     []string      // product ids answered with Pending, then confirmed
	Restore     bool          // restore owned purchases after the purchases settle
	Timeout     time.Duration // upper bound on the whole simulation
	MetricsAddr string        // overrides metrics.addr
}

// DeliveredPurchase is one purchase handed to the simulated application.
type DeliveredPurchase struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Pending       bool   `json:"pending,omitempty"`
}

// FailedPurchase is one purchase failure reported to the application.
type FailedPurchase struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

// SimulateResult summarizes a simulated session.
type SimulateResult struct {
	Store             string              `json:"store"`
	Initialized       bool                `json:"initialized"`
	InitFailureReason string              `json:"init_failure_reason,omitempty"`
	Delivered         []DeliveredPurchase `json:"delivered"`
	Failures          []FailedPurchase    `json:"failures"`
	Restored          bool                `json:"restored,omitempty"`
	Ledger            []string            `json:"ledger,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a purchasing session against the fake store",
		Long: `Run one purchasing session against the fake store described by the
configuration file.

The session initializes, purchases the requested products, optionally
restores owned purchases, and prints what the application received. The
ledger configured in the file is used, so purchases settled by an earlier
run are finished without being delivered again.

Exit codes:
  0 - Every requested purchase reached an outcome
  1 - Initialization failed or the simulation timed out
  2 - Command error (invalid config, ledger unavailable, unknown product)

Examples:
  iapsync simulate -c iapsync.yaml --purchase gold --purchase noads
  iapsync simulate -c iapsync.yaml --purchase vip --pending vip
  iapsync simulate -c iapsync.yaml --purchase noads --restore --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Purchases, "purchase", nil, "product id to purchase (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Pending, "pending", nil, "product id to leave pending and confirm afterwards (repeatable)")
	cmd.Flags().BoolVar(&opts.Restore, "restore", false, "restore owned purchases once the purchases settle")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "maximum simulation time")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load products", err)
	}
	for _, id := range slices.Concat(opts.Purchases, opts.Pending) {
		if !slices.ContainsFunc(defs, func(d catalog.ProductDefinition) bool { return d.ID == id }) {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown product %q", id))
		}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sim := newSimulation(opts)
	s, err := session.FromConfig(ctx, cfg, sim.listener(), session.WithMetrics(m))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build session", err)
	}
	sim.session = s
	sim.result.Store = connector.NameOf(s.Store())

	addr := cfg.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}
	if addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, metrics.NewRouter(reg, s.Healthy)); err != nil {
				slog.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	if err := s.Start(); err != nil {
		cancel()
		<-runErr
		_ = s.Close()
		return WrapExitError(ExitCommandError, "failed to start session", err)
	}

	timedOut := false
	select {
	case <-sim.done:
	case <-ctx.Done():
		timedOut = true
	}
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("session run failed", "error", err)
	}

	// The dispatch goroutine has stopped; the result is no longer shared.
	result := sim.snapshot()
	if entries, err := s.Ledger().Entries(context.Background()); err == nil {
		result.Ledger = entries
	}
	if err := s.Close(); err != nil {
		slog.Warn("session close failed", "error", err)
	}

	text := func(w io.Writer) { writeSimulateText(w, result) }
	switch {
	case !result.Initialized:
		msg := "initialization failed"
		if timedOut {
			msg = "timed out before initialization"
		}
		if err := formatter.Fail(ErrCodeSimulate, msg, result, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	case timedOut:
		msg := fmt.Sprintf("timed out with %d purchase outcome(s) outstanding", sim.remaining())
		if err := formatter.Fail(ErrCodeSimulate, msg, result, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	return formatter.Emit(result, text)
}

// simulation is the scripted application. Its listener callbacks run on the
// dispatch goroutine.
type simulation struct {
	opts    *SimulateOptions
	session *session.Session
	pending map[string]bool

	mu          sync.Mutex
	result      SimulateResult
	outstanding int
	restoring   bool
	finished    bool
	done        chan struct{}
}

func newSimulation(opts *SimulateOptions) *simulation {
	sim := &simulation{
		opts:        opts,
		pending:     make(map[string]bool, len(opts.Pending)),
		outstanding: len(opts.Purchases),
		done:        make(chan struct{}),
		result: SimulateResult{
			Delivered: []DeliveredPurchase{},
			Failures:  []FailedPurchase{},
		},
	}
	for _, id := range opts.Pending {
		sim.pending[id] = true
	}
	return sim
}

func (sim *simulation) listener() listener.Listener {
	return listener.Funcs{
		OnInitializedFunc:      sim.onInitialized,
		OnInitializeFailedFunc: sim.onInitializeFailed,
		ProcessPurchaseFunc:    sim.processPurchase,
		OnPurchaseFailedFunc:   sim.onPurchaseFailed,
	}
}

func (sim *simulation) onInitialized(c listener.Controller, ext extension.Provider) {
	sim.mu.Lock()
	sim.result.Initialized = true
	sim.mu.Unlock()

	_, history := extension.Get[extension.TransactionHistoryExtensions](ext, extension.TransactionHistory)
	slog.Info("simulated app initialized",
		"products", c.Products().Len(),
		"transaction_history", history,
	)
	for _, id := range sim.opts.Purchases {
		c.InitiatePurchaseByID(id, "simulate")
	}
	sim.settle()
}

func (sim *simulation) onInitializeFailed(reason connector.InitializationFailureReason, message string) {
	sim.mu.Lock()
	sim.result.InitFailureReason = reason.String()
	sim.mu.Unlock()

	slog.Warn("simulated app failed to initialize", "reason", reason.String(), "message", message)
	sim.finish()
}

func (sim *simulation) processPurchase(e listener.PurchaseEvent) listener.ProcessingResult {
	id := e.Product.Definition.ID
	pending := sim.pending[id]

	sim.mu.Lock()
	sim.result.Delivered = append(sim.result.Delivered, DeliveredPurchase{
		ProductID:     id,
		TransactionID: e.Product.TransactionID,
		Pending:       pending,
	})
	sim.mu.Unlock()

	if pending {
		// Confirmation runs as a later dispatch closure, after this
		// delivery returns. The outcome counts once it is confirmed.
		err := sim.session.Post(func(c listener.Controller) {
			c.ConfirmPendingPurchase(c.Products().WithID(id))
			sim.outcome()
		})
		if err != nil {
			slog.Warn("unable to confirm pending purchase", "product_id", id, "error", err)
		}
		return listener.Pending
	}
	sim.outcome()
	return listener.Complete
}

func (sim *simulation) onPurchaseFailed(p *catalog.Product, desc connector.PurchaseFailureDescription) {
	sim.mu.Lock()
	sim.result.Failures = append(sim.result.Failures, FailedPurchase{
		ProductID: p.Definition.ID,
		Reason:    desc.Reason.String(),
		Message:   desc.Message,
	})
	sim.mu.Unlock()
	sim.outcome()
}

// outcome counts one purchase outcome. Restored deliveries are not counted.
func (sim *simulation) outcome() {
	sim.mu.Lock()
	if sim.outstanding > 0 && !sim.restoring {
		sim.outstanding--
	}
	sim.mu.Unlock()
	sim.settle()
}

// settle starts the restore once every purchase has an outcome, and ends the
// simulation after it.
func (sim *simulation) settle() {
	sim.mu.Lock()
	if sim.outstanding > 0 || sim.restoring || sim.finished {
		sim.mu.Unlock()
		return
	}
	restore := sim.opts.Restore && !sim.result.Restored
	if restore {
		sim.restoring = true
	}
	sim.mu.Unlock()

	if !restore {
		sim.finish()
		return
	}

	ok := sim.session.Restore(func(ok bool) {
		// Restored notifications are already queued; this closure runs after them.
		err := sim.session.Post(func(listener.Controller) {
			sim.mu.Lock()
			sim.result.Restored = ok
			sim.mu.Unlock()
			sim.finish()
		})
		if err != nil {
			sim.finish()
		}
	})
	if !ok {
		slog.Warn("store cannot restore transactions")
		sim.finish()
	}
}

func (sim *simulation) finish() {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.finished {
		return
	}
	sim.finished = true
	close(sim.done)
}

func (sim *simulation) remaining() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.outstanding
}

func (sim *simulation) snapshot() SimulateResult {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	r := sim.result
	r.Delivered = slices.Clone(r.Delivered)
	r.Failures = slices.Clone(r.Failures)
	return r
}

func writeSimulateText(w io.Writer, r SimulateResult) {
	fmt.Fprintf(w, "Store: %s\n", r.Store)
	if !r.Initialized {
		reason := r.InitFailureReason
		if reason == "" {
			reason = "no outcome"
		}
		fmt.Fprintf(w, "✗ initialization failed (%s)\n", reason)
		return
	}
	fmt.Fprintln(w, "✓ initialized")

	for _, d := range r.Delivered {
		suffix := ""
		if d.Pending {
			suffix = " (pending, confirmed)"
		}
		fmt.Fprintf(w, "✓ delivered %s  %s%s\n", d.ProductID, d.TransactionID, suffix)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "✗ failed %s  %s", f.ProductID, f.Reason)
		if f.Message != "" {
			fmt.Fprintf(w, ": %s", f.Message)
		}
		fmt.Fprintln(w)
	}
	if r.Restored {
		fmt.Fprintln(w, "✓ restored owned purchases")
	}
	if r.Ledger != nil {
		fmt.Fprintf(w, "Ledger: %d transaction(s)\n", len(r.Ledger))
	}
}
