package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// queryHistorySQL locates a COPY from a replacement session after the
// submitting connection was lost. The warehouse keeps recent statements in
// sys_query_history keyed by the backend that ran them.
const queryHistorySQL = `
SELECT status, returned_rows, error_message
FROM sys_query_history
WHERE session_id = $1
  AND start_time >= $2
  AND query_text LIKE 'COPY INTO%'
ORDER BY start_time DESC
LIMIT 1`

// PgxSession is a warehouse session over one pgx connection.
type PgxSession struct {
	id   string
	conn *pgx.Conn
	pid  int

	// busy is set while an async COPY owns the wire; keepalive pings are
	// skipped rather than interleaved with the running statement.
	busy    atomic.Bool
	healthy atomic.Bool

	mu     sync.Mutex
	copies map[string]*asyncCopy
}

type asyncCopy struct {
	done   chan struct{}
	result CopyResult
	// err carries runCopy's classified transport error so a later poll
	// surfaces the original kind instead of a synthesized failure.
	err error
}

// NewPgxDialer returns a Dialer that opens sessions against the given DSN.
func NewPgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (Session, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		s := &PgxSession{
			id:     uuid.NewString()[:8],
			conn:   conn,
			pid:    int(conn.PgConn().PID()),
			copies: make(map[string]*asyncCopy),
		}
		s.healthy.Store(true)
		logger.Debug("warehouse session opened",
			logger.KeySession, s.id,
			"backend_pid", s.pid)
		return s, nil
	}
}

func (s *PgxSession) ID() string { return s.id }

func (s *PgxSession) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.conn.Exec(ctx, sql, args...)
	if err != nil && isWireError(err) {
		s.healthy.Store(false)
	}
	return err
}

func (s *PgxSession) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *PgxSession) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		if isWireError(err) {
			s.healthy.Store(false)
		}
		return nil, err
	}
	return rows, nil
}

// SubmitCopy runs a COPY and waits for it. Server-side rejections come
// back as a failed CopyResult; only transport failures are errors.
func (s *PgxSession) SubmitCopy(ctx context.Context, sql string) (CopyResult, error) {
	s.busy.Store(true)
	defer s.busy.Store(false)
	return s.runCopy(ctx, uuid.NewString(), sql)
}

// SubmitCopyAsync starts the COPY on a goroutine that owns the wire until
// the statement completes, and returns immediately with a ticket.
func (s *PgxSession) SubmitCopyAsync(ctx context.Context, sql string, deadline time.Time) (*CopyTicket, error) {
	qid := uuid.NewString()
	ac := &asyncCopy{done: make(chan struct{})}

	s.mu.Lock()
	s.copies[qid] = ac
	s.mu.Unlock()

	s.busy.Store(true)
	go func() {
		defer close(ac.done)
		defer s.busy.Store(false)

		runCtx := context.Background()
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithDeadline(runCtx, deadline)
			defer cancel()
		}

		res, err := s.runCopy(runCtx, qid, sql)

		s.mu.Lock()
		ac.result, ac.err = res, err
		s.mu.Unlock()
	}()

	return &CopyTicket{
		QueryID:     qid,
		SessionPID:  s.pid,
		SubmittedAt: time.Now().UTC(),
		Deadline:    deadline,
		LastStatus:  CopyRunning,
	}, nil
}

// runCopy executes the statement and folds the outcome into a CopyResult.
func (s *PgxSession) runCopy(ctx context.Context, qid, sql string) (CopyResult, error) {
	tag, err := s.conn.Exec(ctx, sql)
	if err == nil {
		return CopyResult{
			QueryID:    qid,
			Status:     CopySuccess,
			RowsLoaded: tag.RowsAffected(),
		}, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && !isConnectionState(pgErr.Code) {
		// The server processed and rejected the statement. Under
		// ABORT_STATEMENT nothing was committed.
		return CopyResult{
			QueryID:      qid,
			Status:       CopyFailed,
			ErrorMessage: pgErr.Message,
			Permanent:    true,
		}, nil
	}

	s.healthy.Store(false)
	if errors.Is(err, context.Canceled) {
		return CopyResult{}, loaderr.Wrap(loaderr.KindCancelled, "copy cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CopyResult{}, loaderr.Wrap(loaderr.KindTimeout, "copy exceeded its deadline", err)
	}
	return CopyResult{}, loaderr.Wrap(loaderr.KindConnectionLost, "copy connection lost", err)
}

// PollCopy reports the state of an async COPY submitted on this session.
func (s *PgxSession) PollCopy(ctx context.Context, ticket *CopyTicket) (CopyResult, error) {
	s.mu.Lock()
	ac, ok := s.copies[ticket.QueryID]
	s.mu.Unlock()
	if !ok {
		return CopyResult{}, loaderr.New(loaderr.KindConnectionLost,
			"copy query not tracked by this session").WithQueryID(ticket.QueryID)
	}

	select {
	case <-ac.done:
		s.mu.Lock()
		res, err := ac.result, ac.err
		s.mu.Unlock()
		return res, err
	default:
		if !s.Healthy() {
			return CopyResult{}, loaderr.New(loaderr.KindConnectionLost,
				"session lost while copy in flight").WithQueryID(ticket.QueryID)
		}
		return CopyResult{QueryID: ticket.QueryID, Status: CopyRunning}, nil
	}
}

// LookupCopy resolves the fate of a COPY submitted on a lost session by
// consulting the warehouse's query history.
func (s *PgxSession) LookupCopy(ctx context.Context, ticket *CopyTicket) (CopyResult, error) {
	var (
		status string
		rows   int64
		errMsg *string
	)
	err := s.conn.QueryRow(ctx, queryHistorySQL, ticket.SessionPID, ticket.SubmittedAt).
		Scan(&status, &rows, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		// History lags the live view; keep polling until it lands or the
		// job's deadline expires.
		return CopyResult{QueryID: ticket.QueryID, Status: CopyRunning}, nil
	}
	if err != nil {
		if isWireError(err) {
			s.healthy.Store(false)
		}
		return CopyResult{}, loaderr.Wrap(loaderr.KindConnectionLost, "query history lookup failed", err).
			WithQueryID(ticket.QueryID)
	}

	res := CopyResult{QueryID: ticket.QueryID, RowsLoaded: rows}
	if errMsg != nil {
		res.ErrorMessage = *errMsg
	}
	switch strings.ToLower(status) {
	case "success":
		res.Status = CopySuccess
	case "failed":
		res.Status = CopyFailed
		res.Permanent = true
	case "canceled", "cancelled":
		res.Status = CopyCancelled
	default:
		res.Status = CopyRunning
	}
	return res, nil
}

// Ping keeps the session warm. A no-op while an async COPY owns the wire;
// the in-flight statement itself proves liveness to the server.
func (s *PgxSession) Ping(ctx context.Context) error {
	if s.busy.Load() {
		return nil
	}
	if err := s.conn.Ping(ctx); err != nil {
		s.healthy.Store(false)
		return err
	}
	return nil
}

func (s *PgxSession) Healthy() bool {
	return s.healthy.Load() && !s.conn.IsClosed()
}

func (s *PgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// isConnectionState reports whether a SQLSTATE signals a dead or dying
// connection rather than a statement-level failure.
func isConnectionState(code string) bool {
	if strings.HasPrefix(code, "08") { // connection exception
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03": // admin shutdown, crash shutdown, cannot connect
		return true
	case "53300": // too many connections
		return true
	}
	return false
}

// isWireError distinguishes transport failures from server-side errors.
func isWireError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isConnectionState(pgErr.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Caller-driven cancellation; if it interrupted an in-flight
		// statement the closed conn is caught by Healthy instead.
		return false
	}
	return !errors.Is(err, pgx.ErrNoRows)
}
