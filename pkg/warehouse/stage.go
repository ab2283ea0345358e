package warehouse

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageHandle identifies one ephemeral stage: an object-store prefix that
// exists for a single file load and is dropped unconditionally afterwards.
type StageHandle struct {
	// Table is the destination table the stage feeds.
	Table string

	// ID is the random component of the stage path, unique per attempt.
	ID string

	// Bucket and Prefix locate the stage in the object store.
	Bucket string
	Prefix string

	CreatedAt time.Time
}

// NewStageHandle allocates a stage location under root for a table. The
// random path component keeps concurrent loads of the same table from
// colliding.
func NewStageHandle(bucket, root, table string) *StageHandle {
	id := uuid.NewString()
	prefix := fmt.Sprintf("%s/%s/%s", root, table, id)
	if root == "" {
		prefix = fmt.Sprintf("%s/%s", table, id)
	}
	return &StageHandle{
		Table:     table,
		ID:        id,
		Bucket:    bucket,
		Prefix:    prefix,
		CreatedAt: time.Now().UTC(),
	}
}

// URL is the stage location as referenced by COPY.
func (h *StageHandle) URL() string {
	return fmt.Sprintf("s3://%s/%s", h.Bucket, h.Prefix)
}

// ObjectKey is the key of a file uploaded into the stage.
func (h *StageHandle) ObjectKey(name string) string {
	return h.Prefix + "/" + name
}
