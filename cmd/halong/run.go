package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"halong/internal/pipeline"
)

func newModeCmd(e *env, mode pipeline.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runPipeline(cmd, mode)
		},
	}
}

func newRunCmd(e *env) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline in the given mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pipeline.ParseMode(mode)
			if err != nil {
				return err
			}
			return e.runPipeline(cmd, m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeRecompute), "detect, refresh, recompute or rebuild")
	return cmd
}

func (e *env) runPipeline(cmd *cobra.Command, mode pipeline.Mode) error {
	app, err := pipeline.Build(e.cfg, e.log)
	if err != nil {
		return err
	}
	defer app.Close()

	res, runErr := app.Orchestrator.Run(cmd.Context(), e.options(mode))
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return runErr
}

func newIngestCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Append the latest session's bars to the raw price table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := pipeline.Build(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Ingest(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d symbols failed to ingest", len(res.Failed))
			}
			return nil
		},
	}
}

func newScheduleCmd(e *env) *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run ingest followed by the pipeline on the configured cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := pipeline.ParseMode(e.cfg.Schedule.Mode)
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("loading timezone: %w", err)
			}
			app, err := pipeline.Build(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := e.options(mode)
			job := func(ctx context.Context) error {
				if _, err := app.Ingest(ctx); err != nil {
					e.log.Warn("ingest failed, running pipeline on stored data", "error", err)
				}
				_, err := app.Orchestrator.Run(ctx, opts)
				return err
			}

			ctx := cmd.Context()
			s, err := pipeline.NewScheduler(ctx, e.cfg.Schedule.Cron, loc, job, e.log)
			if err != nil {
				return err
			}
			s.Start()
			<-ctx.Done()
			s.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "timezone", "Asia/Ho_Chi_Minh", "IANA timezone of the cron schedule")
	return cmd
}
