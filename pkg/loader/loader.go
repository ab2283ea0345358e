package loader

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/progress"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// dropTimeout bounds the unconditional stage drop after a load.
const dropTimeout = 2 * time.Minute

// SkipReasonEmpty marks zero-byte inputs, which are skipped rather than
// loaded.
const SkipReasonEmpty = "EMPTY"

// Result is the outcome of one file load.
type Result struct {
	Table       string
	StagedBytes int64
	RowsLoaded  int64
	QueryID     string
	Async       bool
	Attempts    int
	Skipped     bool
	SkipReason  string
}

// Loader loads one file per call: compress, stage, COPY, drop. Safe for
// concurrent use by multiple workers; per-file state lives on the stack.
type Loader struct {
	Pool     *warehouse.Pool
	Stager   warehouse.Stager
	Stage    config.StageConfig
	Job      config.JobConfig
	Sink     progress.Sink
	Recovery *RecoveryLog
}

// Load runs the full load sequence for a file whose effective format was
// resolved by the analyzer. The stage is dropped whatever the outcome.
// onPhase, when non-nil, observes each phase transition.
func (l *Loader) Load(ctx context.Context, fd *config.FileDescriptor, onPhase func(progress.Phase)) (*Result, error) {
	phase := func(p progress.Phase) {
		if onPhase != nil {
			onPhase(p)
		}
	}

	f, ok := fd.EffectiveFormat()
	if !ok {
		return nil, loaderr.New(loaderr.KindFileIO, "effective format not resolved before load").WithPath(fd.Path)
	}

	info, err := os.Stat(fd.Path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "stat failed", err).WithPath(fd.Path)
	}
	if info.Size() == 0 {
		return &Result{Table: fd.Table, Skipped: true, SkipReason: SkipReasonEmpty}, nil
	}

	phase(progress.PhaseCompress)
	stagedPath := fd.Path
	stagedBytes := info.Size()
	if f.Compression != format.CompressionGzip {
		stagedPath, stagedBytes, err = Compress(fd.Path, l.compressionLevel(), l.Sink)
		if err != nil {
			return nil, err
		}
	}

	handle := warehouse.NewStageHandle(l.Stage.Bucket, l.Stage.Prefix, fd.Table)
	defer l.dropStage(handle)

	phase(progress.PhaseUpload)
	if _, err := l.Stager.Upload(ctx, stagedPath, handle, l.Job.ParallelUploads); err != nil {
		return nil, err
	}

	phase(progress.PhaseCopy)
	sql, err := warehouse.BuildCopySQL(fd.Table, handle.URL(), f, fd.SkipHeader)
	if err != nil {
		return nil, err
	}

	async := stagedBytes >= l.asyncThreshold()
	deadline := time.Now().Add(l.maxWait())

	var (
		ticket   *warehouse.CopyTicket
		attempts int
	)
	for {
		attempts++
		res, tk, err := l.attempt(ctx, sql, async, deadline, ticket)
		ticket = tk
		if err == nil {
			logger.Info("copy complete",
				logger.KeyFile, fd.Path,
				logger.KeyTable, fd.Table,
				logger.KeyRows, res.RowsLoaded,
				logger.KeyQueryID, res.QueryID,
				logger.KeyAttempt, attempts)
			return &Result{
				Table:       fd.Table,
				StagedBytes: stagedBytes,
				RowsLoaded:  res.RowsLoaded,
				QueryID:     res.QueryID,
				Async:       async,
				Attempts:    attempts,
			}, nil
		}

		if !loaderr.KindOf(err).Transient() || attempts >= l.maxAttempts() {
			return nil, err
		}
		logger.Warn("transient copy failure, retrying with a fresh session",
			logger.KeyFile, fd.Path,
			logger.KeyTable, fd.Table,
			logger.KeyAttempt, attempts,
			"error", err)
	}
}

// attempt runs one COPY attempt on a freshly leased session. For async
// loads the returned ticket survives connection loss so the next attempt
// resumes polling instead of resubmitting.
func (l *Loader) attempt(ctx context.Context, sql string, async bool, deadline time.Time, resume *warehouse.CopyTicket) (warehouse.CopyResult, *warehouse.CopyTicket, error) {
	lease, err := l.Pool.Acquire(ctx)
	if err != nil {
		return warehouse.CopyResult{}, resume, err
	}
	defer lease.Release()

	if !async {
		res, err := lease.SubmitCopy(ctx, sql)
		if err != nil {
			return warehouse.CopyResult{}, nil, err
		}
		res2, err := finish(res)
		return res2, nil, err
	}

	ticket := resume
	lookup := resume != nil
	if ticket == nil {
		ticket, err = lease.SubmitCopyAsync(ctx, sql, deadline)
		if err != nil {
			return warehouse.CopyResult{}, nil, err
		}
		logger.Info("copy submitted asynchronously",
			logger.KeySession, lease.ID(),
			logger.KeyQueryID, ticket.QueryID)
	}

	ticker := time.NewTicker(l.pollInterval())
	defer ticker.Stop()

	for {
		var res warehouse.CopyResult
		if lookup {
			res, err = lease.LookupCopy(ctx, ticket)
		} else {
			res, err = lease.PollCopy(ctx, ticket)
		}
		if err != nil {
			return warehouse.CopyResult{}, ticket, err
		}
		ticket.LastStatus = res.Status

		if res.Status.Terminal() {
			res2, err := finish(res)
			return res2, ticket, err
		}
		if time.Now().After(deadline) {
			return warehouse.CopyResult{}, ticket,
				loaderr.New(loaderr.KindTimeout, "copy exceeded max_wait").WithQueryID(ticket.QueryID)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return warehouse.CopyResult{}, ticket,
				loaderr.Wrap(loaderr.KindCancelled, "copy polling cancelled", ctx.Err()).WithQueryID(ticket.QueryID)
		}
	}
}

// finish maps a terminal CopyResult onto the loader's error surface.
func finish(res warehouse.CopyResult) (warehouse.CopyResult, error) {
	switch res.Status {
	case warehouse.CopySuccess:
		return res, nil
	case warehouse.CopyCancelled:
		return res, loaderr.New(loaderr.KindCancelled, "copy cancelled by the warehouse").WithQueryID(res.QueryID)
	default:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "copy failed"
		}
		return res, loaderr.New(loaderr.KindLoadFailed, fmt.Sprintf("copy rejected: %s", msg)).WithQueryID(res.QueryID)
	}
}

// dropStage removes the stage prefix regardless of load outcome. A failed
// drop is logged and recorded for out-of-band cleanup, never surfaced as a
// load failure.
func (l *Loader) dropStage(h *warehouse.StageHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), dropTimeout)
	defer cancel()

	if err := l.Stager.Drop(ctx, h); err != nil {
		logger.Error("stage drop failed, recording for recovery",
			logger.KeyStage, h.URL(),
			"error", err)
		if rerr := l.Recovery.RecordStage(h, err.Error()); rerr != nil {
			logger.Error("recovery log write failed", "error", rerr)
		}
	}
}

func (l *Loader) compressionLevel() int {
	if l.Job.CompressionLevel == 0 {
		return config.DefaultCompressionLevel
	}
	return l.Job.CompressionLevel
}

func (l *Loader) maxAttempts() int {
	if l.Job.MaxAttempts == 0 {
		return config.DefaultMaxAttempts
	}
	return l.Job.MaxAttempts
}

func (l *Loader) pollInterval() time.Duration {
	if l.Job.PollInterval <= 0 {
		return config.DefaultPollInterval
	}
	return l.Job.PollInterval
}

func (l *Loader) maxWait() time.Duration {
	if l.Job.MaxWait <= 0 {
		return config.DefaultMaxWait
	}
	return l.Job.MaxWait
}

func (l *Loader) asyncThreshold() int64 {
	if l.Job.AsyncThreshold == 0 {
		return int64(config.DefaultAsyncThreshold)
	}
	return l.Job.AsyncThreshold.Int64()
}
