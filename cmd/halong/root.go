package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"halong/internal/config"
	"halong/internal/pipeline"
	"halong/internal/util"
)

type globalFlags struct {
	configPath string
	dryRun     bool
	symbols    string
	force      string
	logFile    string
}

// env holds what every subcommand needs once flags are parsed.
type env struct {
	flags   *globalFlags
	cfg     *config.Config
	log     *slog.Logger
	closeFn func()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	e := &env{flags: flags}

	root := &cobra.Command{
		Use:           "halong",
		Short:         "Selective corporate-action correction and indicator recompute",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.closeFn != nil {
				e.closeFn()
			}
		},
	}

	defaultConfig := "config/halong.yaml"
	if p := os.Getenv("HALONG_CONFIG"); p != "" {
		defaultConfig = p
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", defaultConfig, "path to the YAML config")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "report intended actions without writing")
	pf.StringVar(&flags.symbols, "symbols", "", "comma-separated symbols reconciled alongside detected candidates")
	pf.StringVar(&flags.force, "force", "", "comma-separated symbols refreshed without detection")
	pf.StringVar(&flags.logFile, "log-file", "", "also append logs to this file")

	root.AddCommand(
		newIngestCmd(e),
		newModeCmd(e, pipeline.ModeDetect, "Report spike candidates without writing"),
		newModeCmd(e, pipeline.ModeRefresh, "Detect and refresh raw prices of confirmed symbols"),
		newModeCmd(e, pipeline.ModeRecompute, "Refresh, recompute derived stores and republish aggregates"),
		newModeCmd(e, pipeline.ModeRebuild, "Rebuild every derived and aggregate store"),
		newRunCmd(e),
		newScheduleCmd(e),
		newRegistryCmd(e),
	)
	return root
}

func (e *env) setup() error {
	cfg, err := config.Load(e.flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	e.cfg = cfg

	var w io.Writer = os.Stderr
	if e.flags.logFile != "" {
		f, err := os.OpenFile(e.flags.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		e.closeFn = func() { f.Close() }
	}
	e.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(e.log)
	return nil
}

func (e *env) options(mode pipeline.Mode) pipeline.Options {
	return pipeline.Options{
		Mode:         mode,
		ForceSymbols: splitSymbols(e.flags.force),
		ExtraSymbols: splitSymbols(e.flags.symbols),
		DryRun:       e.flags.dryRun,
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
