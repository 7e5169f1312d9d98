package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"halong/internal/domain"
	"halong/internal/pipeline"
	"halong/internal/registry"
)

func newRegistryCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and edit the corporate actions registry",
	}
	cmd.AddCommand(
		newRegistryListCmd(e),
		newRegistryAddCmd(e),
		newExportReviewCmd(e),
		newImportReviewCmd(e),
	)
	return cmd
}

func (e *env) openRegistry() (*registry.Registry, error) {
	return registry.Open(e.cfg.Storage.RegistryDriver, e.cfg.Storage.RegistryDSN)
}

func newRegistryListCmd(e *env) *cobra.Command {
	var f registry.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := e.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			recs, err := reg.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TICKER\tDATE\tTYPE\tRATIO\tVERIFIED\tSOURCE\tNOTES")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%t\t%s\t%s\n", r.Ticker, r.Date, r.ActionType, r.Ratio, r.Verified, r.Source, r.Notes)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Ticker, "ticker", "", "only this ticker")
	cmd.Flags().BoolVar(&f.VerifiedOnly, "verified", false, "only verified records")
	return cmd
}

func newRegistryAddCmd(e *env) *cobra.Command {
	var (
		rec        domain.CorporateAction
		actionType string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a registry record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec.ActionType = domain.ParseClassification(strings.ToUpper(actionType))
			if rec.ActionType == domain.ClassUnknown {
				return fmt.Errorf("unsupported action type %q", actionType)
			}
			if rec.Ratio <= 0 {
				return fmt.Errorf("ratio must be positive")
			}
			rec.Ticker = strings.ToUpper(strings.TrimSpace(rec.Ticker))
			if rec.Source == "" {
				rec.Source = "manual"
			}
			reg, err := e.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Upsert(cmd.Context(), rec); err != nil {
				return err
			}
			e.log.Info("registry record saved", "ticker", rec.Ticker, "date", rec.Date, "type", rec.ActionType)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&rec.Ticker, "ticker", "", "ticker symbol")
	fl.StringVar(&rec.Date, "date", "", "ex-date, YYYY-MM-DD")
	fl.StringVar(&actionType, "type", "SPLIT", "SPLIT or DIVIDEND")
	fl.Float64Var(&rec.Ratio, "ratio", 0, "new shares per old share")
	fl.BoolVar(&rec.Verified, "verified", true, "mark the record verified")
	fl.StringVar(&rec.Source, "source", "", "where the record came from")
	fl.StringVar(&rec.Notes, "notes", "", "free text")
	_ = cmd.MarkFlagRequired("ticker")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newExportReviewCmd(e *env) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-review",
		Short: "Detect and write UNKNOWN candidates to a review workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out != "" {
				e.cfg.Review.Path = out
			}
			if e.cfg.Review.Path == "" {
				return fmt.Errorf("no review path: set review.path or --out")
			}
			app, err := pipeline.Build(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Orchestrator.Run(cmd.Context(), pipeline.Options{Mode: pipeline.ModeDetect})
			if err != nil {
				return err
			}
			if res.Unknown == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no unknown candidates")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d unknown candidates written to %s\n", res.Unknown, e.cfg.Review.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "workbook path (default review.path)")
	return cmd
}

func newImportReviewCmd(e *env) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import-review",
		Short: "Import reviewed rows from a workbook into the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				in = e.cfg.Review.Path
			}
			if _, err := os.Stat(in); err != nil {
				return fmt.Errorf("review workbook: %w", err)
			}
			reg, err := e.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			n, err := reg.ImportReview(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records imported\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "workbook path (default review.path)")
	return cmd
}
