package progress

import (
	"sync"

	"github.com/stagehand-io/stagehand/internal/logger"
)

// LogSink writes one log line per milestone. Deltas are accumulated and
// flushed at phase boundaries so a 20 GiB scan does not produce thousands
// of lines.
type LogSink struct {
	mu      sync.Mutex
	current map[string]int64 // path+phase -> accumulated units
}

// NewLogSink creates a logging progress sink.
func NewLogSink() *LogSink {
	return &LogSink{current: make(map[string]int64)}
}

func (s *LogSink) FileStart(path string, phase Phase, total int64) {
	logger.Info("phase started",
		logger.KeyFile, path,
		logger.KeyPhase, string(phase),
		logger.KeyBytes, total,
	)
}

func (s *LogSink) Progress(path string, phase Phase, delta int64) {
	s.mu.Lock()
	s.current[path+"/"+string(phase)] += delta
	s.mu.Unlock()
}

func (s *LogSink) FileEnd(path string, outcome string) {
	s.mu.Lock()
	totals := make(map[string]int64)
	for k, v := range s.current {
		if len(k) > len(path) && k[:len(path)] == path {
			totals[k[len(path)+1:]] = v
			delete(s.current, k)
		}
	}
	s.mu.Unlock()

	args := []any{logger.KeyFile, path, logger.KeyOutcome, outcome}
	for phase, units := range totals {
		args = append(args, phase, units)
	}
	logger.Info("file finished", args...)
}

// Null is a sink that discards all events. Useful for tests and for callers
// that only want the job report.
type Null struct{}

func (Null) FileStart(string, Phase, int64) {}
func (Null) Progress(string, Phase, int64)  {}
func (Null) FileEnd(string, string)         {}
