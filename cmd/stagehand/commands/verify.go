package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/pkg/analyze"
	"github.com/stagehand-io/stagehand/pkg/completeness"
	"github.com/stagehand-io/stagehand/pkg/progress"
	"github.com/stagehand-io/stagehand/pkg/quality"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile warehouse contents against the configured files",
	Long: `Re-run the warehouse-side completeness validation for each
configured file without loading anything. The file is scanned once to
rebuild its date profile, then the warehouse counts are compared.

All validation queries are read-only aggregates, so verify can be run any
number of times after a load.

Examples:
  stagehand verify
  stagehand verify --config /etc/stagehand/config.yaml`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Capacity:          cfg.Job.PoolCapacity,
		KeepaliveInterval: cfg.Job.KeepaliveInterval,
		Dial:              warehouse.NewPgxDialer(cfg.Warehouse.DSN),
	})
	if err != nil {
		return err
	}
	defer pool.Close(context.Background())

	checker := &completeness.Checker{
		DuplicateKey: cfg.Job.DuplicateKey,
		WindowStart:  cfg.Job.WindowStart,
		WindowEnd:    cfg.Job.WindowEnd,
	}

	var failed int
	for i := range cfg.Files {
		fd := &cfg.Files[i]

		if _, err := analyze.Analyze(fd, progress.Null{}); err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			failed++
			continue
		}
		v := &quality.Validator{DuplicateKey: cfg.Job.DuplicateKey, Sink: progress.Null{}}
		profile, err := v.Validate(fd)
		if err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			failed++
			continue
		}

		lease, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		report, err := checker.Validate(ctx, lease.Session, fd, profile)
		lease.Release()
		if err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			failed++
			continue
		}

		if report.Complete() {
			cmd.Printf("  ok      %-40s %d rows across %d dates\n",
				fd.Path, report.ActualRows, len(report.PerDate))
		} else {
			failed++
			cmd.Printf("  FAILED  %-40s expected %d rows, found %d\n",
				fd.Path, report.ExpectedRows, report.ActualRows)
			for _, d := range report.MissingDates {
				cmd.Printf("          missing date %s\n", d)
			}
			for _, m := range report.Mismatches {
				cmd.Printf("          date %s: expected %d rows, found %d\n", m.Date, m.Expected, m.Actual)
			}
			for _, g := range report.Gaps {
				cmd.Printf("          gap between %s and %s (%d dates)\n", g.After, g.Before, g.Length)
			}
		}
		for _, a := range report.DateAnomalies {
			cmd.Printf("          anomalous date %s: %d rows (%.2fx median)\n", a.Date, a.Count, a.Ratio)
		}
	}

	if failed > 0 {
		cmd.Printf("\n%d of %d files failed verification\n", failed, len(cfg.Files))
	}
	return nil
}
