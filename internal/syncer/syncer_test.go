package syncer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/scoring"
	"github.com/fyrsmithlabs/fixd/internal/sealer"
	"github.com/fyrsmithlabs/fixd/internal/syncer"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

func newStore(t *testing.T) *fixstore.Store {
	t.Helper()
	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	store, err := fixstore.New(fixstore.Config{}, scorer, zap.NewNop())
	require.NoError(t, err)
	return store
}

func newReconciler(t *testing.T, store *fixstore.Store, remote transport.Transport, seal *sealer.Sealer) *syncer.Reconciler {
	t.Helper()
	r, err := syncer.New(store, remote, seal, "", zap.NewNop())
	require.NoError(t, err)
	return r
}

func remoteEntry(hash, author string, usage int64) *transport.RemoteIndexEntry {
	return &transport.RemoteIndexEntry{
		FixHash:    hash,
		AuthorID:   author,
		ErrorType:  "NameError",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UsageCount: usage,
	}
}

func TestPull_InsertsShadows(t *testing.T) {
	remote := transport.NewMemory()
	ctx := context.Background()

	_, err := remote.Push(ctx, remoteEntry("aaaa", "peer-1", 3),
		&transport.SealedBlob{Ciphertext: []byte("sealed"), Signature: []byte("sig")})
	require.NoError(t, err)
	_, err = remote.Push(ctx, remoteEntry("bbbb", "peer-2", 0), nil)
	require.NoError(t, err)

	store := newStore(t)
	r := newReconciler(t, store, remote, nil)

	report, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, 0, report.Discarded)

	rec, err := store.Get("aaaa")
	require.NoError(t, err)
	assert.Equal(t, fixstore.OriginShadow, rec.Origin)
	assert.Equal(t, "peer-1", rec.AuthorID)
	assert.Equal(t, int64(3), rec.UsageCount)
	assert.Empty(t, rec.Solution)
	assert.Equal(t, []byte("sealed"), rec.SealedSolution)

	// The coarse classifier stands in as the shadow's search key.
	assert.Equal(t, "NameError", rec.ErrorSignature)

	// The index-only entry has no blob and stays searchable regardless.
	rec, err = store.Get("bbbb")
	require.NoError(t, err)
	assert.Empty(t, rec.SealedSolution)
}

func TestPull_NeverClobbersLocalRecords(t *testing.T) {
	remote := transport.NewMemory()
	ctx := context.Background()
	store := newStore(t)

	local, err := fixstore.NewRecord("me", "NameError", "name x is not defined", "define x", nil)
	require.NoError(t, err)
	_, err = store.Add(local)
	require.NoError(t, err)

	// A peer re-publishes the same hash with a divergent usage count.
	_, err = remote.Push(ctx, remoteEntry(local.FixHash, "me", 42), nil)
	require.NoError(t, err)

	r := newReconciler(t, store, remote, nil)
	report, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Added)

	got, err := store.Get(local.FixHash)
	require.NoError(t, err)
	assert.Equal(t, fixstore.OriginLocal, got.Origin)
	assert.Equal(t, int64(0), got.UsageCount)
	assert.Equal(t, "define x", got.Solution)
}

func TestPull_RefreshesShadowUsage(t *testing.T) {
	remote := transport.NewMemory()
	ctx := context.Background()
	store := newStore(t)
	r := newReconciler(t, store, remote, nil)

	_, err := remote.Push(ctx, remoteEntry("aaaa", "peer-1", 1), nil)
	require.NoError(t, err)
	_, err = r.Pull(ctx)
	require.NoError(t, err)

	_, err = remote.Push(ctx, remoteEntry("aaaa", "peer-1", 9), nil)
	require.NoError(t, err)

	report, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refreshed)

	rec, err := store.Get("aaaa")
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.UsageCount)
}

func TestPull_TwiceIsZeroDelta(t *testing.T) {
	remote := transport.NewMemory()
	ctx := context.Background()

	_, err := remote.Push(ctx, remoteEntry("aaaa", "peer-1", 3), nil)
	require.NoError(t, err)
	e := remoteEntry("bbbb", "peer-1", 1)
	e.Edges = []fixstore.BranchEdge{{
		FromHash:     "bbbb",
		ToHash:       "aaaa",
		Relationship: fixstore.RelSolvedSimilar,
		CreatedAt:    time.Now().UTC(),
	}}
	_, err = remote.Push(ctx, e, nil)
	require.NoError(t, err)

	store := newStore(t)
	r := newReconciler(t, store, remote, nil)

	first, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Added)
	assert.Equal(t, 1, first.EdgesAdded)

	recordsAfterFirst := len(store.List())
	edgesAfterFirst := len(store.Edges())

	second, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, second.Zero())
	assert.Equal(t, recordsAfterFirst, len(store.List()))
	assert.Equal(t, edgesAfterFirst, len(store.Edges()))
}

func TestPull_DiscardsOwnBlobFailingVerification(t *testing.T) {
	seal, err := sealer.New("device-1", "salt")
	require.NoError(t, err)

	ciphertext, signature, err := seal.Seal([]byte("my solution"))
	require.NoError(t, err)
	signature[0] ^= 0x01

	remote := transport.NewMemory()
	ctx := context.Background()
	_, err = remote.Push(ctx, remoteEntry("aaaa", seal.AuthorID(), 0),
		&transport.SealedBlob{Ciphertext: ciphertext, Signature: signature})
	require.NoError(t, err)

	store := newStore(t)
	r := newReconciler(t, store, remote, seal)

	report, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, 0, report.Added)

	_, err = store.Get("aaaa")
	require.ErrorIs(t, err, fixstore.ErrNotFound)
}

func TestPull_KeepsForeignBlobsOpaque(t *testing.T) {
	seal, err := sealer.New("device-1", "salt")
	require.NoError(t, err)

	// A foreign blob cannot be verified with device-bound keys; it is
	// retained as-is.
	remote := transport.NewMemory()
	ctx := context.Background()
	_, err = remote.Push(ctx, remoteEntry("aaaa", "someone-else", 0),
		&transport.SealedBlob{Ciphertext: []byte("opaque"), Signature: []byte("unverifiable")})
	require.NoError(t, err)

	store := newStore(t)
	r := newReconciler(t, store, remote, seal)

	report, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)

	rec, err := store.Get("aaaa")
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque"), rec.SealedSolution)
}

func TestPull_WritesIndexCache(t *testing.T) {
	remote := transport.NewMemory()
	ctx := context.Background()
	_, err := remote.Push(ctx, remoteEntry("aaaa", "peer-1", 0), nil)
	require.NoError(t, err)

	store := newStore(t)
	path := filepath.Join(t.TempDir(), "remote-index.json")
	r, err := syncer.New(store, remote, nil, path, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Pull(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "aaaa")
}

func TestNew_Validation(t *testing.T) {
	store := newStore(t)
	remote := transport.NewMemory()

	_, err := syncer.New(nil, remote, nil, "", nil)
	require.Error(t, err)
	_, err = syncer.New(store, nil, nil, "", nil)
	require.Error(t, err)
}
