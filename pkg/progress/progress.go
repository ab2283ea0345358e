// Package progress defines the sink interface through which pipeline phases
// report file-scoped lifecycle events and byte/row counters. The core never
// renders anything itself; it only emits events.
package progress

// Phase identifies the pipeline phase an event belongs to.
type Phase string

const (
	PhaseAnalyze  Phase = "analyze"
	PhaseValidate Phase = "validate"
	PhaseCompress Phase = "compress"
	PhaseUpload   Phase = "upload"
	PhaseCopy     Phase = "copy"
	PhaseVerify   Phase = "verify"
)

// Sink receives progress events for one or more files. Implementations must
// be safe for concurrent use; multiple file workers report to the same sink.
type Sink interface {
	// FileStart signals that a phase began for a file. total is the number
	// of bytes (streaming phases) or rows (copy) expected, or 0 if unknown.
	FileStart(path string, phase Phase, total int64)

	// Progress reports an increment of work within a phase.
	Progress(path string, phase Phase, delta int64)

	// FileEnd signals that the file reached a terminal outcome. outcome is
	// the outcome string from the job report.
	FileEnd(path string, outcome string)
}
