package loader

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-io/stagehand/internal/bytesize"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/progress"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// scriptSession is a warehouse.Session whose copy behavior is supplied by
// the test.
type scriptSession struct {
	id      string
	healthy atomic.Bool

	submitCopy      func(sql string) (warehouse.CopyResult, error)
	submitCopyAsync func(sql string) (*warehouse.CopyTicket, error)
	pollCopy        func(t *warehouse.CopyTicket) (warehouse.CopyResult, error)
	lookupCopy      func(t *warehouse.CopyTicket) (warehouse.CopyResult, error)

	asyncSubmits atomic.Int32
	lookups      atomic.Int32
}

func newScriptSession(id string) *scriptSession {
	s := &scriptSession{id: id}
	s.healthy.Store(true)
	return s
}

func (s *scriptSession) ID() string                                  { return s.id }
func (s *scriptSession) Exec(context.Context, string, ...any) error  { return nil }
func (s *scriptSession) QueryRow(context.Context, string, ...any) warehouse.Row {
	return nil
}
func (s *scriptSession) Query(context.Context, string, ...any) (warehouse.Rows, error) {
	return nil, nil
}

func (s *scriptSession) SubmitCopy(_ context.Context, sql string) (warehouse.CopyResult, error) {
	if s.submitCopy == nil {
		return warehouse.CopyResult{Status: warehouse.CopySuccess, RowsLoaded: 1, QueryID: "q1"}, nil
	}
	return s.submitCopy(sql)
}

func (s *scriptSession) SubmitCopyAsync(_ context.Context, sql string, deadline time.Time) (*warehouse.CopyTicket, error) {
	s.asyncSubmits.Add(1)
	if s.submitCopyAsync == nil {
		return &warehouse.CopyTicket{QueryID: "q-" + s.id, SubmittedAt: time.Now(), Deadline: deadline}, nil
	}
	return s.submitCopyAsync(sql)
}

func (s *scriptSession) PollCopy(_ context.Context, t *warehouse.CopyTicket) (warehouse.CopyResult, error) {
	if s.pollCopy == nil {
		return warehouse.CopyResult{QueryID: t.QueryID, Status: warehouse.CopySuccess}, nil
	}
	return s.pollCopy(t)
}

func (s *scriptSession) LookupCopy(_ context.Context, t *warehouse.CopyTicket) (warehouse.CopyResult, error) {
	s.lookups.Add(1)
	if s.lookupCopy == nil {
		return warehouse.CopyResult{QueryID: t.QueryID, Status: warehouse.CopySuccess}, nil
	}
	return s.lookupCopy(t)
}

func (s *scriptSession) Ping(context.Context) error { return nil }
func (s *scriptSession) Healthy() bool              { return s.healthy.Load() }
func (s *scriptSession) Close(context.Context) error {
	return nil
}

// fakeStager records stage activity in memory.
type fakeStager struct {
	mu        sync.Mutex
	uploads   []string
	drops     []string
	uploadErr error
	dropErr   error
}

func (f *fakeStager) Upload(_ context.Context, localPath string, h *warehouse.StageHandle, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return 0, f.uploadErr
	}
	f.uploads = append(f.uploads, h.ObjectKey(filepath.Base(localPath)))
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *fakeStager) Drop(_ context.Context, h *warehouse.StageHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropErr != nil {
		return f.dropErr
	}
	f.drops = append(f.drops, h.Prefix)
	return nil
}

func testDescriptor(t *testing.T, dir, content string) *config.FileDescriptor {
	t.Helper()
	path := filepath.Join(dir, "trades.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	fd := &config.FileDescriptor{
		Path:       path,
		Table:      "trades",
		DateColumn: "trade_date",
		Columns:    []string{"account_id", "trade_date", "symbol"},
	}
	require.NoError(t, fd.SetEffectiveFormat(format.Result{
		Format:     format.Format{Kind: format.KindTSV, Delimiter: '\t'},
		Confidence: 1.0,
	}))
	return fd
}

func testPool(t *testing.T, sessions ...warehouse.Session) *warehouse.Pool {
	t.Helper()
	var i atomic.Int32
	p, err := warehouse.NewPool(warehouse.PoolConfig{
		Capacity: len(sessions),
		Dial: func(ctx context.Context) (warehouse.Session, error) {
			n := int(i.Add(1))
			if n > len(sessions) {
				return nil, errors.New("no more scripted sessions")
			}
			return sessions[n-1], nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestLoadSyncSuccess(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")
	stager := &fakeStager{}

	l := &Loader{
		Pool:   testPool(t, newScriptSession("s1")),
		Stager: stager,
		Stage:  config.StageConfig{Bucket: "b", Prefix: "stage"},
		Job:    config.JobConfig{},
	}

	res, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsLoaded)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Async)

	// Compressed artifact staged, stage dropped afterwards.
	require.Len(t, stager.uploads, 1)
	assert.True(t, strings.HasSuffix(stager.uploads[0], "trades.tsv.gz"))
	assert.Len(t, stager.drops, 1)
	_, err = os.Stat(fd.Path + ".gz")
	assert.NoError(t, err, "compression artifact is kept for reuse")
}

func TestLoadReportsPhaseTransitions(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	var phases []progress.Phase
	l := &Loader{
		Pool:   testPool(t, newScriptSession("s1")),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
	}
	_, err := l.Load(context.Background(), fd, func(p progress.Phase) { phases = append(phases, p) })
	require.NoError(t, err)
	assert.Equal(t, []progress.Phase{progress.PhaseCompress, progress.PhaseUpload, progress.PhaseCopy}, phases)
}

func TestLoadSkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "")
	stager := &fakeStager{}

	l := &Loader{Pool: testPool(t, newScriptSession("s1")), Stager: stager}
	res, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipReasonEmpty, res.SkipReason)
	assert.Empty(t, stager.uploads, "empty files never reach the stage")
}

func TestLoadAsyncPolling(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	var polls atomic.Int32
	s := newScriptSession("s1")
	s.pollCopy = func(tk *warehouse.CopyTicket) (warehouse.CopyResult, error) {
		if polls.Add(1) < 3 {
			return warehouse.CopyResult{QueryID: tk.QueryID, Status: warehouse.CopyRunning}, nil
		}
		return warehouse.CopyResult{QueryID: tk.QueryID, Status: warehouse.CopySuccess, RowsLoaded: 7}, nil
	}

	l := &Loader{
		Pool:   testPool(t, s),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
		Job: config.JobConfig{
			AsyncThreshold: bytesize.ByteSize(1),
			PollInterval:   5 * time.Millisecond,
		},
	}

	res, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err)
	assert.True(t, res.Async)
	assert.Equal(t, int64(7), res.RowsLoaded)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestLoadServerRejectionIsPermanent(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")
	stager := &fakeStager{}

	s := newScriptSession("s1")
	s.submitCopy = func(string) (warehouse.CopyResult, error) {
		return warehouse.CopyResult{
			QueryID:      "q9",
			Status:       warehouse.CopyFailed,
			ErrorMessage: "column type mismatch",
			Permanent:    true,
		}, nil
	}

	l := &Loader{
		Pool:   testPool(t, s, newScriptSession("s2")),
		Stager: stager,
		Stage:  config.StageConfig{Bucket: "b"},
		Job:    config.JobConfig{MaxAttempts: 2},
	}

	_, err := l.Load(context.Background(), fd, nil)
	require.Error(t, err)
	assert.Equal(t, loaderr.KindLoadFailed, loaderr.KindOf(err))
	assert.Contains(t, err.Error(), "column type mismatch")
	assert.Len(t, stager.drops, 1, "stage dropped on failure too")
}

func TestLoadRetriesTransientFailure(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	s1 := newScriptSession("s1")
	s1.submitCopy = func(string) (warehouse.CopyResult, error) {
		s1.healthy.Store(false)
		return warehouse.CopyResult{}, loaderr.New(loaderr.KindConnectionLost, "wire dropped")
	}
	s2 := newScriptSession("s2")

	l := &Loader{
		Pool:   testPool(t, s1, s2),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
		Job:    config.JobConfig{MaxAttempts: 2},
	}

	res, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestLoadExhaustsAttempts(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	fail := func(s *scriptSession) {
		s.submitCopy = func(string) (warehouse.CopyResult, error) {
			s.healthy.Store(false)
			return warehouse.CopyResult{}, loaderr.New(loaderr.KindConnectionLost, "wire dropped")
		}
	}
	s1 := newScriptSession("s1")
	s2 := newScriptSession("s2")
	fail(s1)
	fail(s2)

	l := &Loader{
		Pool:   testPool(t, s1, s2),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
		Job:    config.JobConfig{MaxAttempts: 2},
	}

	_, err := l.Load(context.Background(), fd, nil)
	require.Error(t, err)
	assert.Equal(t, loaderr.KindConnectionLost, loaderr.KindOf(err))
}

func TestLoadResumesPollingAfterConnectionLoss(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	s1 := newScriptSession("s1")
	s1.pollCopy = func(tk *warehouse.CopyTicket) (warehouse.CopyResult, error) {
		s1.healthy.Store(false)
		return warehouse.CopyResult{}, loaderr.New(loaderr.KindConnectionLost, "wire dropped mid-poll")
	}
	s2 := newScriptSession("s2")
	s2.lookupCopy = func(tk *warehouse.CopyTicket) (warehouse.CopyResult, error) {
		return warehouse.CopyResult{QueryID: tk.QueryID, Status: warehouse.CopySuccess, RowsLoaded: 12}, nil
	}

	l := &Loader{
		Pool:   testPool(t, s1, s2),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
		Job: config.JobConfig{
			AsyncThreshold: bytesize.ByteSize(1),
			PollInterval:   5 * time.Millisecond,
			MaxAttempts:    2,
		},
	}

	res, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.RowsLoaded)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(1), s1.asyncSubmits.Load())
	assert.Equal(t, int32(0), s2.asyncSubmits.Load(), "resume must not resubmit the copy")
	assert.Equal(t, int32(1), s2.lookups.Load())
}

func TestLoadAsyncTimeout(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	s := newScriptSession("s1")
	s.pollCopy = func(tk *warehouse.CopyTicket) (warehouse.CopyResult, error) {
		return warehouse.CopyResult{QueryID: tk.QueryID, Status: warehouse.CopyRunning}, nil
	}

	l := &Loader{
		Pool:   testPool(t, s),
		Stager: &fakeStager{},
		Stage:  config.StageConfig{Bucket: "b"},
		Job: config.JobConfig{
			AsyncThreshold: bytesize.ByteSize(1),
			PollInterval:   5 * time.Millisecond,
			MaxWait:        30 * time.Millisecond,
		},
	}

	_, err := l.Load(context.Background(), fd, nil)
	require.Error(t, err)
	assert.Equal(t, loaderr.KindTimeout, loaderr.KindOf(err))
}

func TestLoadRecordsUndroppedStage(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")
	logPath := filepath.Join(dir, "recovery.jsonl")

	stager := &fakeStager{dropErr: errors.New("access denied")}
	l := &Loader{
		Pool:     testPool(t, newScriptSession("s1")),
		Stager:   stager,
		Stage:    config.StageConfig{Bucket: "b", Prefix: "stage"},
		Recovery: NewRecoveryLog(logPath),
	}

	_, err := l.Load(context.Background(), fd, nil)
	require.NoError(t, err, "a failed drop does not fail the load")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var rec RecoveryRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &rec))
	assert.Equal(t, "trades", rec.Table)
	assert.Equal(t, "b", rec.Bucket)
	assert.True(t, strings.HasPrefix(rec.Prefix, "stage/trades/"))
	assert.Contains(t, rec.Reason, "access denied")
}

func TestLoadStagesGzipSourceUnmodified(t *testing.T) {
	dir := t.TempDir()
	fd := testDescriptor(t, dir, "a1\t20220901\tIBM\n")

	// Pretend the source is already gzip; the loader must stage it as-is.
	fd2 := &config.FileDescriptor{
		Path:       fd.Path,
		Table:      "trades",
		DateColumn: "trade_date",
		Columns:    []string{"account_id", "trade_date", "symbol"},
	}
	require.NoError(t, fd2.SetEffectiveFormat(format.Result{
		Format: format.Format{
			Kind:        format.KindTSV,
			Delimiter:   '\t',
			Compression: format.CompressionGzip,
		},
		Confidence: 1.0,
	}))

	stager := &fakeStager{}
	l := &Loader{
		Pool:   testPool(t, newScriptSession("s1")),
		Stager: stager,
		Stage:  config.StageConfig{Bucket: "b"},
	}

	_, err := l.Load(context.Background(), fd2, nil)
	require.NoError(t, err)
	require.Len(t, stager.uploads, 1)
	assert.True(t, strings.HasSuffix(stager.uploads[0], "trades.tsv"), "no recompression of gzip input")
}
