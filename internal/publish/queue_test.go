package publish_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/publish"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

func entryFixture(hash string) *transport.RemoteIndexEntry {
	return &transport.RemoteIndexEntry{
		FixHash:    hash,
		AuthorID:   "author-a",
		ErrorType:  "TypeError",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UsageCount: 1,
	}
}

func taskFixture(hash string) *publish.UploadTask {
	return publish.NewTask(entryFixture(hash), &transport.SealedBlob{
		Ciphertext: []byte("sealed-" + hash),
		Signature:  []byte("sig-" + hash),
	})
}

func queuePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "upload-queue.json")
}

func TestQueue_EnqueueAndPending(t *testing.T) {
	q := publish.NewQueue(queuePath(t), zap.NewNop())

	require.NoError(t, q.Enqueue(taskFixture("aaaa")))
	require.NoError(t, q.Enqueue(taskFixture("bbbb")))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "aaaa", pending[0].FixHash)
	assert.Equal(t, "bbbb", pending[1].FixHash)
	assert.Equal(t, publish.StateQueued, pending[0].State)
}

func TestQueue_EnqueueSameHashIsNoOp(t *testing.T) {
	q := publish.NewQueue(queuePath(t), zap.NewNop())

	require.NoError(t, q.Enqueue(taskFixture("aaaa")))
	require.NoError(t, q.Enqueue(taskFixture("aaaa")))

	assert.Equal(t, 1, q.Len())
}

func TestQueue_SurvivesRestart(t *testing.T) {
	path := queuePath(t)

	q := publish.NewQueue(path, zap.NewNop())
	require.NoError(t, q.Enqueue(taskFixture("aaaa")))
	require.NoError(t, q.Enqueue(taskFixture("bbbb")))

	// Simulate a crash mid-push: one task is in flight.
	pending := q.Pending()
	require.NoError(t, q.MarkSending(pending[0].ID))

	reloaded := publish.NewQueue(path, zap.NewNop())
	restored := reloaded.Pending()
	require.Len(t, restored, 2)

	// The in-flight task went back to queued on reload.
	assert.Equal(t, publish.StateQueued, restored[0].State)
	assert.Equal(t, []byte("sealed-aaaa"), restored[0].Blob.Ciphertext)
}

func TestQueue_CorruptFileStartsEmpty(t *testing.T) {
	path := queuePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	q := publish.NewQueue(path, zap.NewNop())
	assert.Equal(t, 0, q.Len())

	// Still usable afterwards.
	require.NoError(t, q.Enqueue(taskFixture("aaaa")))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_CompleteRemoves(t *testing.T) {
	q := publish.NewQueue(queuePath(t), zap.NewNop())
	require.NoError(t, q.Enqueue(taskFixture("aaaa")))

	id := q.Pending()[0].ID
	require.NoError(t, q.Complete(id))
	assert.Equal(t, 0, q.Len())

	require.ErrorIs(t, q.Complete(id), publish.ErrTaskNotFound)
}

func TestQueue_RecordFailureCounts(t *testing.T) {
	q := publish.NewQueue(queuePath(t), zap.NewNop())
	require.NoError(t, q.Enqueue(taskFixture("aaaa")))
	id := q.Pending()[0].ID

	require.NoError(t, q.MarkSending(id))
	attempts, err := q.RecordFailure(id)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = q.RecordFailure(id)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// Failure returns the task to the queue for the next tick.
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, publish.StateQueued, pending[0].State)
}

func TestQueue_UnknownTask(t *testing.T) {
	q := publish.NewQueue(queuePath(t), zap.NewNop())

	require.ErrorIs(t, q.MarkSending("nope"), publish.ErrTaskNotFound)
	_, err := q.RecordFailure("nope")
	require.ErrorIs(t, err, publish.ErrTaskNotFound)
}
