package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-io/stagehand/pkg/analyze"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/progress"
)

// timeRound is the display precision for durations in CLI output.
const timeRound = 100 * time.Millisecond

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the configured files without loading",
	Long: `Detect each file's format and count its rows without touching the
warehouse. Useful for checking delimiter detection and descriptor setup
before a load.

Examples:
  stagehand analyze
  stagehand analyze --config /etc/stagehand/config.yaml`,
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var failed int
	for i := range cfg.Files {
		fd := &cfg.Files[i]
		report, err := analyze.Analyze(fd, progress.Null{})
		if err != nil {
			cmd.Printf("  FAILED  %-40s %v\n", fd.Path, err)
			failed++
			continue
		}

		f, _ := fd.EffectiveFormat()
		cmd.Printf("  ok      %-40s %s delimiter=%s rows=%d cols=%d size=%d confidence=%.2f\n",
			fd.Path, kindName(f.Kind), delimiterName(f.Delimiter),
			report.Rows, report.Columns, report.SizeBytes, fd.FormatConfidence())
		if report.TruncatedTail {
			cmd.Printf("          warning: final line has no terminator and will not be counted\n")
		}
		if report.LowConfidence {
			cmd.Printf("          warning: low delimiter confidence, consider declaring the delimiter\n")
		}
	}

	if failed > 0 {
		cmd.Printf("\n%d of %d files failed analysis\n", failed, len(cfg.Files))
	}
	return nil
}

func kindName(k format.Kind) string {
	if k == format.KindCSV {
		return "csv"
	}
	return "tsv"
}

func delimiterName(d byte) string {
	switch d {
	case '\t':
		return "tab"
	case ',':
		return "comma"
	case '|':
		return "pipe"
	case ';':
		return "semicolon"
	default:
		return string(d)
	}
}
