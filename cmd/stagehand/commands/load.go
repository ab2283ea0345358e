package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/metrics"
	"github.com/stagehand-io/stagehand/pkg/orchestrator"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the configured files into the warehouse",
	Long: `Run the full pipeline for every configured file: analyze, validate
quality, compress, stage, COPY, and reconcile warehouse counts.

Files run in parallel up to the configured worker count. The exit code is
zero only when every file succeeded or was skipped.

Examples:
  # Load with the default config location
  stagehand load

  # Load with a custom config
  stagehand load --config /etc/stagehand/config.yaml

  # Override settings through the environment
  STAGEHAND_JOB_WORKERS=8 stagehand load`,
	RunE: runLoad,
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ctrl-C cancels the job; files stop at their next phase boundary and
	// stages are still dropped.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.Listen)
	}

	o, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer o.Close(context.Background())

	report, err := o.Run(ctx)
	if err != nil {
		return err
	}

	printReport(cmd, report)
	if !report.Ok() {
		return loaderr.New(loaderr.KindLoadFailed,
			fmt.Sprintf("%d of %d files failed", report.Failed, len(report.Outcomes)))
	}
	return nil
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}

func printReport(cmd *cobra.Command, report *orchestrator.JobReport) {
	for _, out := range report.Outcomes {
		switch out.State {
		case orchestrator.StateSucceeded:
			rows := int64(0)
			if out.Load != nil {
				rows = out.Load.RowsLoaded
			}
			cmd.Printf("  ok      %-40s %10d rows\n", out.Path, rows)
		case orchestrator.StateSkipped:
			cmd.Printf("  skipped %-40s\n", out.Path)
		default:
			cmd.Printf("  FAILED  %-40s %v\n", out.Path, out.Err)
		}
	}
	cmd.Printf("\n%d succeeded, %d failed, %d skipped, %d rows loaded in %s\n",
		report.Succeeded, report.Failed, report.Skipped,
		report.TotalRows(), report.Finished.Sub(report.Started).Round(timeRound))
}
