package loader

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// RecoveryRecord is one JSON line in the recovery log: a stage prefix that
// outlived its load because the drop failed. An operator (or a later run)
// removes these by hand.
type RecoveryRecord struct {
	Time   time.Time `json:"time"`
	Table  string    `json:"table"`
	Bucket string    `json:"bucket"`
	Prefix string    `json:"prefix"`
	Reason string    `json:"reason"`
}

// RecoveryLog appends undropped stage records to a JSON-lines file.
type RecoveryLog struct {
	mu   sync.Mutex
	path string
}

// NewRecoveryLog returns a log writing to path. An empty path disables
// recording.
func NewRecoveryLog(path string) *RecoveryLog {
	return &RecoveryLog{path: path}
}

// RecordStage appends one undropped stage.
func (r *RecoveryLog) RecordStage(h *warehouse.StageHandle, reason string) error {
	if r == nil || r.path == "" {
		return nil
	}

	line, err := json.Marshal(RecoveryRecord{
		Time:   time.Now().UTC(),
		Table:  h.Table,
		Bucket: h.Bucket,
		Prefix: h.Prefix,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return loaderr.Wrap(loaderr.KindFileIO, "open recovery log failed", err).WithPath(r.path)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return loaderr.Wrap(loaderr.KindFileIO, "write recovery log failed", err).WithPath(r.path)
	}
	return nil
}
