// Package orchestrator runs the per-file pipeline state machine over a
// bounded worker pool and folds file outcomes into a job report.
package orchestrator

import (
	"time"

	"github.com/stagehand-io/stagehand/pkg/analyze"
	"github.com/stagehand-io/stagehand/pkg/completeness"
	"github.com/stagehand-io/stagehand/pkg/loader"
	"github.com/stagehand-io/stagehand/pkg/quality"
)

// FileState is a file's position in the pipeline.
type FileState string

const (
	StateNew                 FileState = "NEW"
	StateAnalyzing           FileState = "ANALYZING"
	StateValidatingFile      FileState = "VALIDATING_FILE"
	StateCompressing         FileState = "COMPRESSING"
	StateUploading           FileState = "UPLOADING"
	StateCopying             FileState = "COPYING"
	StateValidatingWarehouse FileState = "VALIDATING_WAREHOUSE"
	StateSucceeded           FileState = "SUCCEEDED"
	StateFailed              FileState = "FAILED"
	StateSkipped             FileState = "SKIPPED"
)

// Terminal reports whether the state ends the file's run.
func (s FileState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// FileOutcome is one file's final record, including whatever phase
// artifacts were produced before it reached a terminal state.
type FileOutcome struct {
	Path  string
	Table string
	State FileState

	// Phase is the pipeline state the file was in when it reached its
	// terminal state; for failures, the phase that failed.
	Phase FileState

	Analysis  *analyze.Report
	Quality   *quality.Report
	Load      *loader.Result
	Warehouse *completeness.Report

	Err      error
	Duration time.Duration
}

// JobReport aggregates a job's file outcomes in submission order.
type JobReport struct {
	Started  time.Time
	Finished time.Time

	Outcomes []FileOutcome

	Succeeded int
	Failed    int
	Skipped   int
}

// Ok reports whether every file either succeeded or was skipped.
func (r *JobReport) Ok() bool {
	return r.Failed == 0
}

// TotalRows sums the rows loaded across successful files.
func (r *JobReport) TotalRows() int64 {
	var n int64
	for _, o := range r.Outcomes {
		if o.Load != nil {
			n += o.Load.RowsLoaded
		}
	}
	return n
}

func (r *JobReport) tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, o := range r.Outcomes {
		switch o.State {
		case StateSucceeded:
			r.Succeeded++
		case StateSkipped:
			r.Skipped++
		default:
			r.Failed++
		}
	}
}
