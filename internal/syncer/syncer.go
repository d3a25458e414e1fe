// Package syncer reconciles the remote public index into the local store.
//
// Merge rules: remote entries unknown locally become remote-shadow records;
// known shadows get their remote-reported usage refreshed; local
// authoritative records are never modified by a pull. Relationship edges
// are added, never removed. Pulling twice with no remote changes in
// between produces zero net state delta.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/sealer"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/syncer"

const cacheVersion = 1

// cacheDocument is the persisted snapshot of the last successful pull.
type cacheDocument struct {
	Version  int                          `json:"version"`
	PulledAt time.Time                    `json:"pulled_at"`
	Entries  []*transport.RemoteIndexEntry `json:"entries"`
}

// MergeReport summarizes one reconciliation pass.
type MergeReport struct {
	// Added counts new remote-shadow records inserted.
	Added int `json:"added"`

	// Refreshed counts existing shadows whose remote usage changed.
	Refreshed int `json:"refreshed"`

	// Skipped counts entries that produced no change: local authoritative
	// records and shadows already up to date.
	Skipped int `json:"skipped"`

	// Discarded counts entries dropped for being malformed or failing
	// signature verification. Always logged.
	Discarded int `json:"discarded"`

	// EdgesAdded counts new branch edges merged from remote entries.
	EdgesAdded int `json:"edges_added"`
}

// Zero reports whether the pass changed nothing.
func (r MergeReport) Zero() bool {
	return r.Added == 0 && r.Refreshed == 0 && r.EdgesAdded == 0
}

// Reconciler merges pulled remote state into the fix store.
type Reconciler struct {
	store     *fixstore.Store
	remote    transport.Transport
	seal      *sealer.Sealer
	cachePath string
	logger    *zap.Logger

	pullCounter metric.Int64Counter
}

// New creates a reconciler. The sealer is used to verify blobs this device
// authored; blobs from other authors are device-bound and stay opaque, so
// only structural checks apply to them. cachePath may be empty to skip the
// on-disk index cache.
func New(store *fixstore.Store, remote transport.Transport, seal *sealer.Sealer, cachePath string, logger *zap.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if remote == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconciler{
		store:     store,
		remote:    remote,
		seal:      seal,
		cachePath: cachePath,
		logger:    logger,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	r.pullCounter, err = meter.Int64Counter(
		"fixd.sync.pulls_total",
		metric.WithDescription("Total number of completed reconciliation passes"),
		metric.WithUnit("{pull}"),
	)
	if err != nil {
		logger.Warn("failed to create pull counter", zap.Error(err))
	}

	return r, nil
}

// Pull fetches the remote index and merges it. Local authoritative records
// are never clobbered; the operation is idempotent.
func (r *Reconciler) Pull(ctx context.Context) (*MergeReport, error) {
	entries, err := r.remote.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pull remote index: %w", err)
	}

	report := &MergeReport{}
	edgesBefore := len(r.store.Edges())

	for _, entry := range entries {
		r.mergeEntry(ctx, entry, report)
	}

	// Edges go in a second pass so an edge may reference an entry that
	// appeared later in the same pull.
	for _, entry := range entries {
		r.mergeEdges(entry)
	}
	report.EdgesAdded = len(r.store.Edges()) - edgesBefore

	if err := r.persistCache(entries); err != nil {
		r.logger.Warn("failed to persist index cache", zap.Error(err))
	}

	if r.pullCounter != nil {
		r.pullCounter.Add(ctx, 1)
	}
	r.logger.Info("reconciled remote index",
		zap.Int("entries", len(entries)),
		zap.Int("added", report.Added),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("skipped", report.Skipped),
		zap.Int("discarded", report.Discarded),
		zap.Int("edges_added", report.EdgesAdded))

	return report, nil
}

func (r *Reconciler) mergeEntry(ctx context.Context, entry *transport.RemoteIndexEntry, report *MergeReport) {
	if entry == nil || entry.Validate() != nil {
		report.Discarded++
		r.logger.Warn("discarding malformed remote index entry")
		return
	}

	existing, err := r.store.Get(entry.FixHash)
	switch {
	case err == nil && existing.Origin == fixstore.OriginLocal:
		// Local records are authoritative; a pull never touches them.
		report.Skipped++
		return

	case err == nil:
		changed, refreshErr := r.store.RefreshShadow(entry.FixHash, entry.UsageCount)
		if refreshErr != nil {
			r.logger.Warn("failed to refresh shadow record",
				zap.String("fix_hash", short(entry.FixHash)), zap.Error(refreshErr))
			return
		}
		if changed {
			report.Refreshed++
		} else {
			report.Skipped++
		}
		return

	case !errors.Is(err, fixstore.ErrNotFound):
		r.logger.Warn("failed to look up remote entry locally",
			zap.String("fix_hash", short(entry.FixHash)), zap.Error(err))
		return
	}

	rec, ok := r.buildShadow(ctx, entry)
	if !ok {
		report.Discarded++
		return
	}

	if err := r.store.InsertShadow(rec); err != nil {
		r.logger.Warn("failed to insert shadow record",
			zap.String("fix_hash", short(entry.FixHash)), zap.Error(err))
		return
	}
	report.Added++
}

// buildShadow projects an index entry into a remote-shadow record,
// opportunistically fetching its sealed blob. The remote never carries the
// error signature, so the coarse classifier stands in as the search key
// for shadows.
func (r *Reconciler) buildShadow(ctx context.Context, entry *transport.RemoteIndexEntry) (*fixstore.FixRecord, bool) {
	rec := &fixstore.FixRecord{
		FixHash:        entry.FixHash,
		AuthorID:       entry.AuthorID,
		ErrorType:      entry.ErrorType,
		ErrorSignature: entry.ErrorType,
		CreatedAt:      entry.CreatedAt,
		UsageCount:     entry.UsageCount,
		Origin:         fixstore.OriginShadow,
	}

	blob, err := r.remote.Fetch(ctx, entry.FixHash)
	if err != nil {
		if !errors.Is(err, transport.ErrBlobNotFound) {
			r.logger.Debug("sealed blob fetch failed, keeping index-only shadow",
				zap.String("fix_hash", short(entry.FixHash)), zap.Error(err))
		}
		return rec, true
	}

	// Only blobs this device authored are verifiable; keys are device
	// bound, so foreign blobs stay opaque and are retained as-is.
	if r.seal != nil && entry.AuthorID == r.seal.AuthorID() {
		if err := r.seal.Verify(blob.Ciphertext, blob.Signature); err != nil {
			r.logger.Warn("discarding remote entry failing signature verification",
				zap.String("fix_hash", short(entry.FixHash)), zap.Error(err))
			return nil, false
		}
	}

	rec.SealedSolution = blob.Ciphertext
	return rec, true
}

// mergeEdges adds remote relationship edges whose endpoints both exist
// locally. Edges are add-only and deduplicated by the store.
func (r *Reconciler) mergeEdges(entry *transport.RemoteIndexEntry) {
	if entry == nil {
		return
	}
	for _, edge := range entry.Edges {
		_, err := r.store.CreateBranch(edge.FromHash, edge.ToHash, edge.Relationship)
		if err != nil && !errors.Is(err, fixstore.ErrNotFound) {
			r.logger.Debug("skipping unmergeable remote edge",
				zap.String("from", short(edge.FromHash)),
				zap.String("to", short(edge.ToHash)),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) persistCache(entries []*transport.RemoteIndexEntry) error {
	if r.cachePath == "" {
		return nil
	}
	return fixstore.WriteAtomic(r.cachePath, cacheDocument{
		Version:  cacheVersion,
		PulledAt: time.Now().UTC(),
		Entries:  entries,
	})
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
