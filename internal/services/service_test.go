package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/novelty"
	"github.com/fyrsmithlabs/fixd/internal/publish"
	"github.com/fyrsmithlabs/fixd/internal/scoring"
	"github.com/fyrsmithlabs/fixd/internal/sealer"
	"github.com/fyrsmithlabs/fixd/internal/services"
	"github.com/fyrsmithlabs/fixd/internal/syncer"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

type fixture struct {
	svc    services.Service
	store  *fixstore.Store
	remote *transport.Memory
}

func newFixture(t *testing.T, flushEveryOps int) *fixture {
	t.Helper()

	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	store, err := fixstore.New(fixstore.Config{}, scorer, zap.NewNop())
	require.NoError(t, err)

	filter, err := novelty.New(novelty.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	seal, err := sealer.New("test-device", "test-salt")
	require.NoError(t, err)

	remote := transport.NewMemory()
	queue := publish.NewQueue("", zap.NewNop())

	cfg := publish.DefaultConfig()
	cfg.Backoff = nil
	cfg.PushesPerSecond = rate.Limit(10000)
	worker, err := publish.NewWorker(cfg, queue, store, remote, zap.NewNop())
	require.NoError(t, err)

	recon, err := syncer.New(store, remote, seal, "", zap.NewNop())
	require.NoError(t, err)

	svc, err := services.New(services.Deps{
		Store:         store,
		Filter:        filter,
		Sealer:        seal,
		Worker:        worker,
		Reconciler:    recon,
		FlushEveryOps: flushEveryOps,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, remote: remote}
}

func TestEndToEnd_CaptureResolveUse(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	// Empty store: resolve is a legitimate error, not an empty list.
	_, err := f.svc.Resolve(ctx, "name 'x' is not defined", "NameError", 5)
	require.ErrorIs(t, err, fixstore.ErrEmptyStore)

	res, err := f.svc.Capture(ctx, "NameError", "name 'x' is not defined",
		"define x before first use", nil)
	require.NoError(t, err)
	assert.Equal(t, novelty.VerdictPublish, res.Decision.Verdict)
	assert.True(t, res.Queued)

	results, err := f.svc.Resolve(ctx, "name 'x' is not defined", "NameError", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, res.FixHash, results[0].Record.FixHash)

	// Fresh exact match: full similarity and recency terms, no success or
	// usage contribution yet.
	firstScore := results[0].Score
	assert.InDelta(t, 0.60, firstScore, 0.01)

	usage, success, err := f.svc.RecordUsage(ctx, res.FixHash, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage)
	assert.Equal(t, int64(1), success)

	results, err = f.svc.Resolve(ctx, "name 'x' is not defined", "NameError", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].Score, firstScore)
}

func TestCapture_SuppressesDuplicate(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	first, err := f.svc.Capture(ctx, "NameError", "name 'x' is not defined",
		"define the variable before first use", nil)
	require.NoError(t, err)
	assert.True(t, first.Queued)

	// Same error shape (literals normalize away), near-identical solution.
	second, err := f.svc.Capture(ctx, "NameError", "name 'y' is not defined",
		"define the variable before its first use", nil)
	require.NoError(t, err)
	assert.Equal(t, novelty.VerdictSuppress, second.Decision.Verdict)
	assert.Equal(t, "duplicate", second.Decision.Reason)
	assert.False(t, second.Queued)

	// The suppressed fix is still stored locally.
	_, err = f.store.Get(second.FixHash)
	require.NoError(t, err)
}

func TestCapture_BranchesOnSimilar(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	first, err := f.svc.Capture(ctx, "ConnectionError", "failed to connect to database server",
		"check that the server is running", nil)
	require.NoError(t, err)

	// Moderately similar signature with an unrelated solution: derived
	// fix, published with a branch edge back to the original.
	second, err := f.svc.Capture(ctx, "ConnectionError",
		"failed to connect to database server timeout after thirty seconds retrying",
		"raise the client connection timeout", nil)
	require.NoError(t, err)
	assert.Equal(t, novelty.VerdictBranch, second.Decision.Verdict)
	assert.True(t, second.Queued)

	require.NotNil(t, second.Edge)
	assert.Equal(t, second.FixHash, second.Edge.FromHash)
	assert.Equal(t, first.FixHash, second.Edge.ToHash)
	assert.Equal(t, fixstore.RelSolvedSimilar, second.Edge.Relationship)
}

func TestCapture_EveryKOpsTriggersFlush(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first, err := f.svc.Capture(ctx, "NameError", "name 'x' is not defined", "define x", nil)
	require.NoError(t, err)
	assert.Nil(t, f.remote.Entry(first.FixHash))

	second, err := f.svc.Capture(ctx, "TypeError", "unsupported operand type for plus", "cast to int", nil)
	require.NoError(t, err)

	// The second operation hit the threshold and drained the queue.
	assert.NotNil(t, f.remote.Entry(first.FixHash))
	assert.NotNil(t, f.remote.Entry(second.FixHash))

	// The confirmed pushes stamped commit refs.
	rec, err := f.store.Get(first.FixHash)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CommitRef)
}

func TestFlush_PushesQueuedFixes(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	res, err := f.svc.Capture(ctx, "NameError", "name 'x' is not defined", "define x", nil)
	require.NoError(t, err)

	n, err := f.svc.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, f.remote.Entry(res.FixHash))
}

func TestPull_RoundTripsThroughService(t *testing.T) {
	publisher := newFixture(t, 100)
	ctx := context.Background()

	res, err := publisher.svc.Capture(ctx, "NameError", "name 'x' is not defined", "define x", nil)
	require.NoError(t, err)
	_, err = publisher.svc.Flush(ctx)
	require.NoError(t, err)

	// A second device sharing the remote picks the fix up as a shadow.
	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	store, err := fixstore.New(fixstore.Config{}, scorer, zap.NewNop())
	require.NoError(t, err)
	recon, err := syncer.New(store, publisher.remote, nil, "", zap.NewNop())
	require.NoError(t, err)

	report, err := recon.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)

	rec, err := store.Get(res.FixHash)
	require.NoError(t, err)
	assert.Equal(t, fixstore.OriginShadow, rec.Origin)
	assert.NotEmpty(t, rec.SealedSolution)
}

func TestRemoteDisabled(t *testing.T) {
	scorer, err := scoring.New(scoring.DefaultConfig())
	require.NoError(t, err)
	store, err := fixstore.New(fixstore.Config{}, scorer, zap.NewNop())
	require.NoError(t, err)
	filter, err := novelty.New(novelty.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	seal, err := sealer.New("test-device", "test-salt")
	require.NoError(t, err)

	svc, err := services.New(services.Deps{Store: store, Filter: filter, Sealer: seal})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Pull(ctx)
	require.ErrorIs(t, err, services.ErrRemoteDisabled)
	_, err = svc.Flush(ctx)
	require.ErrorIs(t, err, services.ErrRemoteDisabled)

	// Local capture still works without a remote.
	res, err := svc.Capture(ctx, "NameError", "name 'x' is not defined", "define x", nil)
	require.NoError(t, err)
	assert.False(t, res.Queued)

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Close())
}
