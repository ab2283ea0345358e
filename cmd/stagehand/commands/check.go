package commands

import (
	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/pkg/analyze"
	"github.com/stagehand-io/stagehand/pkg/progress"
	"github.com/stagehand-io/stagehand/pkg/quality"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the file quality pass without loading",
	Long: `Analyze each configured file and run the streaming quality pass:
date enumeration, rows per date, duplicate keys, and row anomalies. No
warehouse connection is made and nothing is uploaded.

Examples:
  stagehand check
  stagehand check --config /etc/stagehand/config.yaml`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for i := range cfg.Files {
		fd := &cfg.Files[i]
		if _, err := analyze.Analyze(fd, progress.Null{}); err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			continue
		}

		v := &quality.Validator{DuplicateKey: cfg.Job.DuplicateKey, Sink: progress.Null{}}
		report, err := v.Validate(fd)
		if err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			continue
		}

		status := "ok"
		if !report.Clean() {
			status = "DIRTY"
		}
		cmd.Printf("  %-7s %-40s rows=%d dates=%d invalid_dates=%d anomalous_rows=%d duplicate_keys=%d\n",
			status, fd.Path, report.TotalRows, len(report.Dates),
			report.InvalidDates, report.AnomalousRows, len(report.Duplicates))

		for _, a := range report.DateAnomalies {
			cmd.Printf("          anomalous date %s: %d rows (%.2fx median)\n", a.Date, a.Count, a.Ratio)
		}
		for _, g := range report.Duplicates {
			cmd.Printf("          duplicate key %q: %d occurrences, rows %v\n", g.Key, g.Count, g.SampleRows)
		}
	}
	return nil
}
