// Package warehouse provides the session abstraction over the analytic
// warehouse, the bounded FIFO connection pool with per-lease keepalive, the
// ephemeral stage primitives, and the COPY statement builder.
//
// The warehouse speaks the Postgres wire protocol; ephemeral stages are
// object-store prefixes referenced by COPY, in the external-stage style.
package warehouse

import (
	"context"
	"time"
)

// CopyStatus is the server-side state of a COPY query.
type CopyStatus int

const (
	CopyRunning CopyStatus = iota
	CopySuccess
	CopyFailed
	CopyCancelled
)

func (s CopyStatus) String() string {
	switch s {
	case CopyRunning:
		return "RUNNING"
	case CopySuccess:
		return "SUCCESS"
	case CopyFailed:
		return "FAILED"
	case CopyCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s CopyStatus) Terminal() bool {
	return s != CopyRunning
}

// CopyResult is one observation of a COPY query's state.
type CopyResult struct {
	QueryID    string
	Status     CopyStatus
	RowsLoaded int64
	// ErrorMessage carries the server diagnostic for failed copies.
	ErrorMessage string
	// Permanent marks server-reported errors that will not succeed on
	// retry (schema mismatch, coercion failure under ABORT_STATEMENT).
	Permanent bool
}

// CopyTicket references an asynchronously submitted COPY.
type CopyTicket struct {
	// QueryID identifies the query for status polls. Assigned at
	// submission.
	QueryID string

	// SessionPID is the server backend that ran the submission, used to
	// locate the query from a replacement session.
	SessionPID int

	SubmittedAt time.Time
	Deadline    time.Time

	// LastStatus is the most recently observed status.
	LastStatus CopyStatus
}

// Expired reports whether the ticket passed its hard deadline.
func (t *CopyTicket) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result. Callers must Close.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Session is one warehouse connection. Sessions are not safe for
// concurrent use except for Ping, which keepalive may call while an async
// COPY is in flight (implementations skip the ping when the wire is busy).
type Session interface {
	// ID identifies the session in logs.
	ID() string

	// Exec runs a statement and discards its result.
	Exec(ctx context.Context, sql string, args ...any) error

	// QueryRow runs a query expected to return one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row

	// Query runs a query returning multiple rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// SubmitCopy runs a COPY synchronously and returns its result.
	SubmitCopy(ctx context.Context, sql string) (CopyResult, error)

	// SubmitCopyAsync submits a COPY without waiting for completion.
	SubmitCopyAsync(ctx context.Context, sql string, deadline time.Time) (*CopyTicket, error)

	// PollCopy returns the current state of an async COPY submitted on
	// this session.
	PollCopy(ctx context.Context, ticket *CopyTicket) (CopyResult, error)

	// LookupCopy locates a COPY submitted on another session, typically
	// after a connection loss, and returns its current state.
	LookupCopy(ctx context.Context, ticket *CopyTicket) (CopyResult, error)

	// Ping issues a cheap no-op to defeat idle session timeouts.
	Ping(ctx context.Context) error

	// Healthy reports whether the session's transport is still usable.
	Healthy() bool

	// Close terminates the session.
	Close(ctx context.Context) error
}

// Dialer opens a new warehouse session.
type Dialer func(ctx context.Context) (Session, error)
