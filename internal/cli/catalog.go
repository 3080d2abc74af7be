package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/iapsync/internal/catalog"
	"github.com/roach88/iapsync/internal/catalog/cuecatalog"
)

// CatalogReport is the output of catalog validate.
type CatalogReport struct {
	Source   string                      `json:"source"`
	Products []catalog.ProductDefinition `json:"products"`
}

// NewCatalogCommand creates the catalog command and its subcommands.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "catalog",
		Short:         "Work with product catalogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newCatalogValidateCommand(rootOpts))
	return cmd
}

func newCatalogValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.cue]",
		Short: "Validate a product catalog",
		Long: `Validate a CUE product catalog, or the products of --config when no
file is given, and print the resulting definitions.

Exit codes:
  0 - Catalog is valid
  2 - Catalog or config is invalid

Examples:
  iapsync catalog validate products.cue
  iapsync catalog validate -c iapsync.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogValidate(opts, args, cmd)
		},
	}
}

func runCatalogValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	var (
		report CatalogReport
		err    error
	)
	if len(args) == 1 {
		report.Source = args[0]
		report.Products, err = cuecatalog.Load(args[0])
	} else {
		report.Source = "config"
		if opts.ConfigPath != "" {
			report.Source = opts.ConfigPath
		}
		cfg, cerr := loadConfig(opts, cmd.ErrOrStderr())
		if cerr != nil {
			if ferr := formatter.Error(ErrCodeConfig, cerr.Error(), nil); ferr != nil {
				return ferr
			}
			return WrapExitError(ExitCommandError, "failed to load config", cerr)
		}
		report.Products, err = cfg.Definitions()
	}
	if err == nil {
		err = catalog.ValidateDefinitions(report.Products)
	}
	if err != nil {
		if ferr := formatter.Error(ErrCodeCatalog, err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitCommandError, "invalid catalog", err)
	}
	if report.Products == nil {
		report.Products = []catalog.ProductDefinition{}
	}

	return formatter.Emit(report, func(w io.Writer) {
		writeCatalogText(w, report)
	})
}

func writeCatalogText(w io.Writer, r CatalogReport) {
	idWidth, skuWidth := len("ID"), len("STORE ID")
	for _, d := range r.Products {
		idWidth = max(idWidth, len(d.ID))
		skuWidth = max(skuWidth, len(d.StoreSpecificID))
	}
	fmt.Fprintf(w, "%-*s  %-*s  %s\n", idWidth, "ID", skuWidth, "STORE ID", "TYPE")
	for _, d := range r.Products {
		fmt.Fprintf(w, "%-*s  %-*s  %s\n", idWidth, d.ID, skuWidth, d.StoreSpecificID, d.Type)
	}
	fmt.Fprintf(w, "✓ %d product(s) in %s\n", len(r.Products), r.Source)
}
