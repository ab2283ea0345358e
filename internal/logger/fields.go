package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that job runs
// can be aggregated and queried by file, table, and phase.
const (
	// Job and file lifecycle
	KeyJobID   = "job_id"  // Unique job identifier
	KeyFile    = "file"    // Input file path
	KeyTable   = "table"   // Target warehouse table
	KeyPhase   = "phase"   // Pipeline phase: analyze, validate, compress, upload, copy, verify
	KeyOutcome = "outcome" // Terminal per-file outcome

	// Sizing and throughput
	KeyRows       = "rows"        // Row count
	KeyBytes      = "bytes"       // Byte count
	KeyBytesRead  = "bytes_read"  // Cumulative bytes read from the input
	KeyDurationMs = "duration_ms" // Elapsed milliseconds

	// Warehouse interaction
	KeyQueryID = "query_id" // Server-side query identifier
	KeyStage   = "stage"    // Stage path for the file
	KeySession = "session"  // Pool session identifier
	KeyAttempt = "attempt"  // Retry attempt number

	// Validation
	KeyDates     = "dates"     // Distinct date count
	KeyMissing   = "missing"   // Missing date count
	KeyAnomalies = "anomalies" // Anomalous date count
	KeyDelim     = "delimiter" // Resolved field delimiter
)
