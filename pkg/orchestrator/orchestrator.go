package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/analyze"
	"github.com/stagehand-io/stagehand/pkg/completeness"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/loader"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/metrics"
	"github.com/stagehand-io/stagehand/pkg/progress"
	"github.com/stagehand-io/stagehand/pkg/quality"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// Orchestrator runs one job: every configured file through the pipeline on
// a bounded worker pool, results collected in submission order.
type Orchestrator struct {
	Cfg     *config.Config
	Pool    *warehouse.Pool
	Loader  *loader.Loader
	Checker *completeness.Checker
	Sink    progress.Sink
	Metrics *metrics.PipelineMetrics
}

// New wires an orchestrator against the real warehouse and object store.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	sink := progress.NewLogSink()

	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Capacity:          cfg.Job.PoolCapacity,
		AcquireTimeout:    cfg.Job.MaxWait,
		KeepaliveInterval: cfg.Job.KeepaliveInterval,
		Dial:              warehouse.NewPgxDialer(cfg.Warehouse.DSN),
	})
	if err != nil {
		return nil, err
	}

	stager, err := warehouse.NewS3Stager(ctx, cfg.Warehouse.Stage, sink)
	if err != nil {
		pool.Close(ctx)
		return nil, err
	}

	return &Orchestrator{
		Cfg:  cfg,
		Pool: pool,
		Loader: &loader.Loader{
			Pool:     pool,
			Stager:   stager,
			Stage:    cfg.Warehouse.Stage,
			Job:      cfg.Job,
			Sink:     sink,
			Recovery: loader.NewRecoveryLog(cfg.Job.RecoveryLog),
		},
		Checker: &completeness.Checker{
			DuplicateKey: cfg.Job.DuplicateKey,
			WindowStart:  cfg.Job.WindowStart,
			WindowEnd:    cfg.Job.WindowEnd,
		},
		Sink: sink,
		Metrics: metrics.NewPipelineMetrics(),
	}, nil
}

// Close releases the orchestrator's warehouse sessions.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.Pool.Close(ctx)
}

// Run processes every configured file and returns the job report. The
// report lists outcomes in submission order regardless of completion
// order. Run fails fast on job-level problems only; per-file failures are
// recorded in the report.
func (o *Orchestrator) Run(ctx context.Context) (*JobReport, error) {
	files := o.Cfg.Files
	report := &JobReport{
		Started:  time.Now().UTC(),
		Outcomes: make([]FileOutcome, len(files)),
	}
	if len(files) == 0 {
		report.Finished = report.Started
		return report, nil
	}

	workers := o.workerCount()
	logger.Info("job starting",
		"files", len(files),
		"workers", workers,
		"policy", string(o.Cfg.Job.ValidationPolicy))

	// A failure under continue_on_error=false cancels the job context;
	// in-flight files stop at their next phase boundary.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				out := o.runFile(ctx, &files[i])
				report.Outcomes[i] = out
				o.observe(out)
				if out.State == StateFailed && !o.Cfg.Job.ShouldContinueOnError() {
					cancel()
				}
			}
		}()
	}

dispatch:
	for i := range files {
		select {
		case work <- i:
		case <-ctx.Done():
			// Undispatched files are recorded as cancelled failures.
			report.Outcomes[i] = FileOutcome{
				Path:  files[i].Path,
				Table: files[i].Table,
				State: StateFailed,
				Err:   loaderr.New(loaderr.KindCancelled, "job stopped before this file was dispatched"),
			}
			for j := i + 1; j < len(files); j++ {
				report.Outcomes[j] = FileOutcome{
					Path:  files[j].Path,
					Table: files[j].Table,
					State: StateFailed,
					Err:   loaderr.New(loaderr.KindCancelled, "job stopped before this file was dispatched"),
				}
			}
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	report.Finished = time.Now().UTC()
	report.tally()

	logger.Info("job finished",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		logger.KeyRows, report.TotalRows(),
		logger.KeyDurationMs, report.Finished.Sub(report.Started).Milliseconds())
	return report, nil
}

// workerCount caps parallelism at the session pool size; a worker beyond
// that would only queue on Acquire.
func (o *Orchestrator) workerCount() int {
	workers := o.Cfg.Job.Workers
	if workers < 1 {
		workers = config.DefaultWorkers
	}
	capacity := o.Cfg.Job.PoolCapacity
	if capacity < 1 {
		capacity = config.DefaultPoolCapacity
	}
	if workers > capacity {
		workers = capacity
	}
	if workers > len(o.Cfg.Files) {
		workers = len(o.Cfg.Files)
	}
	return workers
}

// observe emits the terminal outcome to the sink and metrics.
func (o *Orchestrator) observe(out FileOutcome) {
	outcome := "succeeded"
	switch out.State {
	case StateSkipped:
		outcome = "skipped"
	case StateFailed:
		outcome = "failed"
	}
	if o.Sink != nil {
		o.Sink.FileEnd(out.Path, outcome)
	}
	o.Metrics.RecordFile(outcome)

	if out.Err != nil {
		logger.Error("file failed",
			logger.KeyFile, out.Path,
			logger.KeyTable, out.Table,
			logger.KeyPhase, string(out.Phase),
			"error", out.Err)
	}
}

// qualityErr decides whether a quality report fails the file. Row-level
// findings are warnings by default; under strict quality any invalid
// date, duplicate composite key, or field-count anomaly fails the file
// before load.
func qualityErr(r *quality.Report, strict bool) error {
	if !strict {
		return nil
	}
	if r.InvalidDates > 0 {
		return loaderr.New(loaderr.KindQualityFailed,
			"file has rows with unparseable dates")
	}
	if len(r.Duplicates) > 0 {
		return loaderr.New(loaderr.KindQualityFailed,
			"file has duplicate composite keys")
	}
	if r.AnomalousRows > 0 {
		return loaderr.New(loaderr.KindQualityFailed,
			"file has rows with unexpected field counts")
	}
	return nil
}

// runFile drives one file through the pipeline. Cancellation is honored
// at phase boundaries; a phase once started runs to completion or error.
func (o *Orchestrator) runFile(ctx context.Context, fd *config.FileDescriptor) FileOutcome {
	start := time.Now()
	out := FileOutcome{Path: fd.Path, Table: fd.Table, State: StateNew}

	fail := func(err error) FileOutcome {
		out.Phase = out.State
		out.State = StateFailed
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}
	done := func(state FileState) FileOutcome {
		out.Phase = out.State
		out.State = state
		out.Duration = time.Since(start)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(loaderr.Wrap(loaderr.KindCancelled, "cancelled before analysis", err))
	}

	out.State = StateAnalyzing
	phase := time.Now()
	analysis, err := analyze.Analyze(fd, o.Sink)
	o.Metrics.ObservePhase("analyze", time.Since(phase))
	if err != nil {
		return fail(err)
	}
	out.Analysis = analysis
	if analysis.Empty() {
		return done(StateSkipped)
	}

	policy := o.Cfg.Job.ValidationPolicy
	if policy.FileValidation() || policy.WarehouseValidation() {
		if err := ctx.Err(); err != nil {
			return fail(loaderr.Wrap(loaderr.KindCancelled, "cancelled before file validation", err))
		}
		out.State = StateValidatingFile
		phase = time.Now()
		v := &quality.Validator{DuplicateKey: o.Cfg.Job.DuplicateKey, Sink: o.Sink}
		q, err := v.Validate(fd)
		o.Metrics.ObservePhase("validate_file", time.Since(phase))
		if err != nil {
			return fail(err)
		}
		out.Quality = q
		if policy.FileValidation() {
			if err := qualityErr(q, o.Cfg.Job.QualityStrict); err != nil {
				return fail(err)
			}
			if q.InvalidDates > 0 || len(q.Duplicates) > 0 || q.AnomalousRows > 0 {
				logger.Warn("quality findings recorded",
					logger.KeyFile, fd.Path,
					"invalid_dates", q.InvalidDates,
					"duplicate_keys", len(q.Duplicates),
					"anomalous_rows", q.AnomalousRows)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(loaderr.Wrap(loaderr.KindCancelled, "cancelled before load", err))
	}
	out.State = StateCompressing
	phase = time.Now()
	res, err := o.Loader.Load(ctx, fd, func(p progress.Phase) {
		switch p {
		case progress.PhaseUpload:
			out.State = StateUploading
		case progress.PhaseCopy:
			out.State = StateCopying
		}
	})
	o.Metrics.ObservePhase("load", time.Since(phase))
	if err != nil {
		return fail(err)
	}
	out.Load = res
	if res.Skipped {
		return done(StateSkipped)
	}
	o.Metrics.RecordLoad(res.RowsLoaded, res.StagedBytes, res.Attempts)

	if policy.WarehouseValidation() {
		if err := ctx.Err(); err != nil {
			return fail(loaderr.Wrap(loaderr.KindCancelled, "cancelled before warehouse validation", err))
		}
		out.State = StateValidatingWarehouse
		phase = time.Now()

		lease, err := o.Pool.Acquire(ctx)
		if err != nil {
			return fail(err)
		}
		wreport, err := o.Checker.Validate(ctx, lease.Session, fd, out.Quality)
		lease.Release()
		o.Metrics.ObservePhase("validate_warehouse", time.Since(phase))
		if err != nil {
			return fail(err)
		}
		out.Warehouse = wreport
		if err := wreport.Err(o.Cfg.Job.CompletenessStrict); err != nil {
			return fail(err)
		}
		if !wreport.Complete() {
			logger.Warn("warehouse validation incomplete",
				logger.KeyTable, fd.Table,
				logger.KeyMissing, len(wreport.MissingDates),
				"mismatched_dates", len(wreport.Mismatches))
		}
	}

	return done(StateSucceeded)
}
