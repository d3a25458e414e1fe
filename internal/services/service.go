// Package services composes the fix store, novelty filter, crypto gateway,
// publication pipeline and sync reconciler into the library surface the
// CLI consumes.
package services

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/novelty"
	"github.com/fyrsmithlabs/fixd/internal/publish"
	"github.com/fyrsmithlabs/fixd/internal/sealer"
	"github.com/fyrsmithlabs/fixd/internal/similarity"
	"github.com/fyrsmithlabs/fixd/internal/syncer"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/services"

// ErrRemoteDisabled indicates an operation that needs the shared remote was
// called in local-only mode (no remote URL configured).
var ErrRemoteDisabled = errors.New("remote is not configured")

// CaptureResult reports what happened to a captured fix.
type CaptureResult struct {
	// FixHash identifies the stored record.
	FixHash string

	// Decision is the novelty filter's verdict.
	Decision novelty.Decision

	// Edge is the branch edge created for a branch verdict, nil otherwise.
	Edge *fixstore.BranchEdge

	// Queued reports whether the fix was enqueued for publication.
	Queued bool
}

// Service is the fix knowledge cache's public surface.
type Service interface {
	// Resolve searches stored fixes for an error, best match first.
	Resolve(ctx context.Context, errorText, errorTypeHint string, limit int) ([]fixstore.ScoredRecord, error)

	// Capture stores a new fix, runs the novelty filter and, unless the
	// fix is suppressed as a duplicate, seals and enqueues it for
	// publication. The error text is normalized into the stored signature.
	Capture(ctx context.Context, errorType, errorText, solution string, meta map[string]any) (*CaptureResult, error)

	// RecordUsage records an application of a fix and whether it worked.
	RecordUsage(ctx context.Context, fixHash string, succeeded bool) (usage, success int64, err error)

	// Branch creates an explicit derivation edge between two fixes.
	Branch(ctx context.Context, fromHash, toHash string, rel fixstore.Relationship) (*fixstore.BranchEdge, error)

	// Pull reconciles the remote index into the local store.
	Pull(ctx context.Context) (*syncer.MergeReport, error)

	// Flush drains the upload queue within the rate-limit budget.
	Flush(ctx context.Context) (int, error)

	// Statistics reports aggregate store counts.
	Statistics(ctx context.Context) fixstore.Statistics

	// Start launches background publication; Close stops it.
	Start() error
	Close() error
}

// Deps are the composed components. Worker and Reconciler are nil in
// local-only mode.
type Deps struct {
	Store      *fixstore.Store
	Filter     *novelty.Filter
	Sealer     *sealer.Sealer
	Worker     *publish.Worker
	Reconciler *syncer.Reconciler

	// FlushEveryOps triggers an opportunistic flush after this many local
	// mutations. Zero disables the trigger.
	FlushEveryOps int

	Logger *zap.Logger
}

type service struct {
	store  *fixstore.Store
	filter *novelty.Filter
	seal   *sealer.Sealer
	worker *publish.Worker
	recon  *syncer.Reconciler

	flushEveryOps int
	logger        *zap.Logger
	tracer        trace.Tracer

	mu      sync.Mutex
	opCount int
}

// New composes a Service from its parts.
func New(deps Deps) (Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Filter == nil {
		return nil, errors.New("novelty filter is required")
	}
	if deps.Sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &service{
		store:         deps.Store,
		filter:        deps.Filter,
		seal:          deps.Sealer,
		worker:        deps.Worker,
		recon:         deps.Reconciler,
		flushEveryOps: deps.FlushEveryOps,
		logger:        deps.Logger,
		tracer:        otel.Tracer(instrumentationName),
	}, nil
}

func (s *service) Resolve(ctx context.Context, errorText, errorTypeHint string, limit int) ([]fixstore.ScoredRecord, error) {
	_, span := s.tracer.Start(ctx, "fixd.resolve",
		trace.WithAttributes(attribute.String("error_type_hint", errorTypeHint)))
	defer span.End()

	return s.store.Search(errorText, errorTypeHint, limit)
}

func (s *service) Capture(ctx context.Context, errorType, errorText, solution string, meta map[string]any) (*CaptureResult, error) {
	ctx, span := s.tracer.Start(ctx, "fixd.capture",
		trace.WithAttributes(attribute.String("error_type", errorType)))
	defer span.End()

	rec, err := fixstore.NewRecord(s.seal.AuthorID(), errorType, similarity.Normalize(errorText), solution, meta)
	if err != nil {
		return nil, err
	}

	hash, err := s.store.Add(rec)
	if err != nil {
		return nil, err
	}

	decision, err := s.filter.Evaluate(rec, s.store)
	if err != nil {
		return nil, err
	}

	result := &CaptureResult{FixHash: hash, Decision: decision}

	if decision.Verdict == novelty.VerdictBranch {
		edge, err := s.store.CreateBranch(hash, decision.TargetHash, decision.Relationship)
		if err != nil {
			return nil, err
		}
		result.Edge = edge
	}

	if decision.Verdict != novelty.VerdictSuppress && s.worker != nil {
		if err := s.enqueue(rec); err != nil {
			// The record is stored; publication will be retried on a
			// later capture or an explicit flush.
			s.logger.Warn("failed to enqueue publication",
				zap.String("fix_hash", shortHash(hash)), zap.Error(err))
		} else {
			result.Queued = true
		}
	}

	s.bumpOps(ctx)
	return result, nil
}

// enqueue seals the solution and hands the public projection plus sealed
// blob to the publication pipeline.
func (s *service) enqueue(rec *fixstore.FixRecord) error {
	ciphertext, signature, err := s.seal.Seal([]byte(rec.Solution))
	if err != nil {
		return err
	}

	entry := &transport.RemoteIndexEntry{
		FixHash:    rec.FixHash,
		AuthorID:   rec.AuthorID,
		ErrorType:  rec.ErrorType,
		CreatedAt:  rec.CreatedAt,
		UsageCount: rec.UsageCount,
		Edges:      s.store.EdgesTouching(rec.FixHash),
	}
	blob := &transport.SealedBlob{Ciphertext: ciphertext, Signature: signature}

	return s.worker.Enqueue(entry, blob)
}

func (s *service) RecordUsage(ctx context.Context, fixHash string, succeeded bool) (int64, int64, error) {
	ctx, span := s.tracer.Start(ctx, "fixd.record_usage",
		trace.WithAttributes(attribute.Bool("succeeded", succeeded)))
	defer span.End()

	usage, success, err := s.store.RecordUsage(fixHash, succeeded)
	if err != nil {
		return 0, 0, err
	}

	s.bumpOps(ctx)
	return usage, success, nil
}

func (s *service) Branch(ctx context.Context, fromHash, toHash string, rel fixstore.Relationship) (*fixstore.BranchEdge, error) {
	_, span := s.tracer.Start(ctx, "fixd.branch",
		trace.WithAttributes(attribute.String("relationship", string(rel))))
	defer span.End()

	return s.store.CreateBranch(fromHash, toHash, rel)
}

func (s *service) Pull(ctx context.Context) (*syncer.MergeReport, error) {
	ctx, span := s.tracer.Start(ctx, "fixd.pull")
	defer span.End()

	if s.recon == nil {
		return nil, ErrRemoteDisabled
	}
	return s.recon.Pull(ctx)
}

func (s *service) Flush(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "fixd.flush")
	defer span.End()

	if s.worker == nil {
		return 0, ErrRemoteDisabled
	}
	return s.worker.Flush(ctx, 0)
}

func (s *service) Statistics(ctx context.Context) fixstore.Statistics {
	_, span := s.tracer.Start(ctx, "fixd.statistics")
	defer span.End()

	return s.store.Statistics()
}

func (s *service) Start() error {
	if s.worker == nil {
		return nil
	}
	return s.worker.Start()
}

func (s *service) Close() error {
	if s.worker != nil {
		s.worker.Stop()
	}
	return nil
}

// bumpOps counts local mutations and triggers an opportunistic flush every
// flushEveryOps operations so the queue drains without waiting for the
// background tick.
func (s *service) bumpOps(ctx context.Context) {
	if s.worker == nil || s.flushEveryOps <= 0 {
		return
	}

	s.mu.Lock()
	s.opCount++
	due := s.opCount >= s.flushEveryOps
	if due {
		s.opCount = 0
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.worker.Flush(ctx, 0); err != nil {
		s.logger.Warn("opportunistic flush failed", zap.Error(err))
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
