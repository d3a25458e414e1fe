package publish

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/fixd/internal/transport"
)

// Common errors for the publication pipeline.
var (
	// ErrTaskNotFound indicates an unknown task ID.
	ErrTaskNotFound = errors.New("upload task not found")

	// ErrRateLimited is a scheduling signal, not a failure: the task stays
	// queued and is retried on the next processing tick.
	ErrRateLimited = errors.New("publication rate limit reached")
)

// TaskState is the lifecycle state of an upload task.
type TaskState string

const (
	// StateQueued means the task awaits a processing slot.
	StateQueued TaskState = "queued"

	// StateSending means a transport push is in flight.
	StateSending TaskState = "sending"

	// StateAcknowledged means the remote confirmed the push; terminal.
	StateAcknowledged TaskState = "acknowledged"

	// StateAbandoned means the retry ceiling was hit; terminal, always
	// logged, never silent.
	StateAbandoned TaskState = "abandoned"
)

// UploadTask is one queued publication: the public index entry plus the
// sealed payload, with attempt bookkeeping.
type UploadTask struct {
	ID         string                      `json:"id"`
	FixHash    string                      `json:"fix_hash"`
	Entry      *transport.RemoteIndexEntry `json:"entry"`
	Blob       *transport.SealedBlob       `json:"blob,omitempty"`
	EnqueuedAt time.Time                   `json:"enqueued_at"`
	Attempts   int                         `json:"attempts"`
	State      TaskState                   `json:"state"`
}

// NewTask builds a queued task for one fix.
func NewTask(entry *transport.RemoteIndexEntry, blob *transport.SealedBlob) *UploadTask {
	return &UploadTask{
		ID:         uuid.New().String(),
		FixHash:    entry.FixHash,
		Entry:      entry,
		Blob:       blob,
		EnqueuedAt: time.Now().UTC(),
		State:      StateQueued,
	}
}
