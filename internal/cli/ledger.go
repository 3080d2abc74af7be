package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/ledger"
	"github.com/roach88/iapsync/internal/session"
)

// LedgerEntries is the output of ledger list.
type LedgerEntries struct {
	Backend      string   `json:"backend"`
	Transactions []string `json:"transactions"`
}

// LedgerLookup is the output of ledger has.
type LedgerLookup struct {
	TransactionID string `json:"transaction_id"`
	Recorded      bool   `json:"recorded"`
}

// LedgerChange is the output of ledger record and ledger clear.
type LedgerChange struct {
	Recorded []string `json:"recorded,omitempty"`
	Cleared  bool     `json:"cleared,omitempty"`
}

// NewLedgerCommand creates the ledger command and its subcommands.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or edit the transaction ledger",
		Long: `Inspect or edit the transaction ledger configured by --config.

Settled transaction ids are finished with the store without being
delivered again. Recording an id by hand suppresses its delivery;
clearing the ledger makes every owned purchase deliverable once more.

Exit codes:
  0 - Success (ledger has: the id is recorded)
  1 - ledger has: the id is not recorded
  2 - Command error (invalid config, ledger disabled or unreachable)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newLedgerListCommand(rootOpts),
		newLedgerHasCommand(rootOpts),
		newLedgerRecordCommand(rootOpts),
		newLedgerClearCommand(rootOpts),
	)
	return cmd
}

func newLedgerListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List recorded transaction ids",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, func(ctx context.Context, l *ledger.Ledger, backend string) error {
				ids, err := l.Entries(ctx)
				if err != nil {
					return ledgerError(opts, cmd, "failed to list ledger", err)
				}
				slices.Sort(ids)
				out := LedgerEntries{Backend: backend, Transactions: ids}
				if out.Transactions == nil {
					out.Transactions = []string{}
				}
				return newFormatter(opts, cmd).Emit(out, func(w io.Writer) {
					for _, id := range out.Transactions {
						fmt.Fprintln(w, id)
					}
					fmt.Fprintf(w, "%d transaction(s) in %s ledger\n", len(out.Transactions), backend)
				})
			})
		},
	}
}

func newLedgerHasCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "has <transaction-id>",
		Short:         "Report whether a transaction id is recorded",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, cmd, func(ctx context.Context, l *ledger.Ledger, _ string) error {
				id := args[0]
				out := LedgerLookup{TransactionID: id, Recorded: l.HasRecordOf(ctx, id)}
				err := newFormatter(opts, cmd).Emit(out, func(w io.Writer) {
					if out.Recorded {
						fmt.Fprintf(w, "✓ %s is recorded\n", id)
					} else {
						fmt.Fprintf(w, "✗ %s is not recorded\n", id)
					}
				})
				if err != nil {
					return err
				}
				if !out.Recorded {
					return NewExitError(ExitFailure, fmt.Sprintf("%s is not recorded", id))
				}
				return nil
			})
		},
	}
}

func newLedgerRecordCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "record <transaction-id>...",
		Short:         "Record transaction ids as settled",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var writeErr error
			hook := func(id string, err error) {
				writeErr = errors.Join(writeErr, fmt.Errorf("%s: %w", id, err))
			}
			return withLedgerHook(opts, cmd, hook, func(ctx context.Context, l *ledger.Ledger, _ string) error {
				for _, id := range args {
					l.Record(ctx, id)
				}
				if writeErr != nil {
					return ledgerError(opts, cmd, "failed to record transactions", writeErr)
				}
				out := LedgerChange{Recorded: args}
				return newFormatter(opts, cmd).Emit(out, func(w io.Writer) {
					for _, id := range args {
						fmt.Fprintf(w, "✓ recorded %s\n", id)
					}
				})
			})
		},
	}
}

func newLedgerClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Erase every recorded transaction id",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear the ledger without --yes")
			}
			return withLedger(opts, cmd, func(ctx context.Context, l *ledger.Ledger, backend string) error {
				if err := l.Clear(ctx); err != nil {
					return ledgerError(opts, cmd, "failed to clear ledger", err)
				}
				return newFormatter(opts, cmd).Emit(LedgerChange{Cleared: true}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ cleared %s ledger\n", backend)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the ledger")
	return cmd
}

func withLedger(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *ledger.Ledger, string) error) error {
	return withLedgerHook(opts, cmd, nil, fn)
}

// withLedgerHook opens the configured ledger, runs fn, and closes it. A
// disabled ledger is a command error.
func withLedgerHook(opts *RootOptions, cmd *cobra.Command, hook func(string, error), fn func(context.Context, *ledger.Ledger, string) error) error {
	cfg, err := loadConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	l, err := session.OpenLedger(ctx, cfg, hook)
	if err != nil {
		return ledgerError(opts, cmd, "failed to open ledger", err)
	}
	defer l.Close()

	if !l.Enabled() {
		return ledgerError(opts, cmd, "ledger unavailable", ledger.ErrDisabled)
	}
	return fn(ctx, l, cfg.Ledger.Backend)
}

// ledgerError reports err with E_LEDGER and returns a command error.
func ledgerError(opts *RootOptions, cmd *cobra.Command, msg string, err error) error {
	if ferr := newFormatter(opts, cmd).Error(ErrCodeLedger, fmt.Sprintf("%s: %v", msg, err), nil); ferr != nil {
		return ferr
	}
	return WrapExitError(ExitCommandError, msg, err)
}
