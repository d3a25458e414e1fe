// Package fixstore owns the authoritative local collection of fix records
// and branch edges.
//
// The in-memory maps are the source of truth between persists; every
// mutating operation rewrites the full snapshot atomically before
// returning. Reads run concurrently under the read lock, mutations are
// serialized under the write lock because persistence is a
// read-modify-write-whole-file cycle.
package fixstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/fixstore"

// Config configures the store.
type Config struct {
	// SnapshotPath is the snapshot file. Empty keeps the store purely
	// in-memory (tests, ephemeral runs).
	SnapshotPath string
}

// Store holds fix records and branch edges for the process lifetime.
type Store struct {
	mu      sync.RWMutex
	cfg     Config
	scorer  Scorer
	logger  *zap.Logger
	records map[string]*FixRecord
	edges   []*BranchEdge

	// abandonedUploads is fed by the publication pipeline and reported in
	// statistics. Guarded by mu like everything else.
	abandonedUploads int64

	searchCounter metric.Int64Counter
	recordCounter metric.Int64Counter
	usageCounter  metric.Int64Counter
}

// New creates a store, loading the persisted snapshot when one exists.
//
// A snapshot that fails to parse does not prevent startup: the store logs a
// loud warning and begins empty, so the process is always usable.
func New(cfg Config, scorer Scorer, logger *zap.Logger) (*Store, error) {
	if scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:     cfg,
		scorer:  scorer,
		logger:  logger,
		records: make(map[string]*FixRecord),
	}

	if cfg.SnapshotPath != "" {
		if err := s.load(); err != nil {
			logger.Warn("fix store snapshot unreadable, starting empty",
				zap.String("path", cfg.SnapshotPath),
				zap.Error(err))
			s.records = make(map[string]*FixRecord)
			s.edges = nil
			s.abandonedUploads = 0
		}
	}

	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.searchCounter, err = meter.Int64Counter(
		"fixd.store.searches_total",
		metric.WithDescription("Total number of fix searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn("failed to create search counter", zap.Error(err))
	}

	s.recordCounter, err = meter.Int64Counter(
		"fixd.store.records_total",
		metric.WithDescription("Total number of fix records added"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create record counter", zap.Error(err))
	}

	s.usageCounter, err = meter.Int64Counter(
		"fixd.store.usage_total",
		metric.WithDescription("Total number of usage outcomes recorded"),
		metric.WithUnit("{usage}"),
	)
	if err != nil {
		s.logger.Warn("failed to create usage counter", zap.Error(err))
	}
}

// Search returns up to limit records ordered by descending relevance
// against querySignature. When errorTypeHint is non-empty only records of
// that type are considered.
//
// An empty result is a legitimate "no matches"; ErrEmptyStore is returned
// only when the store holds zero records of any type.
func (s *Store) Search(querySignature, errorTypeHint string, limit int) ([]ScoredRecord, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return nil, ErrEmptyStore
	}
	if limit <= 0 {
		limit = 10
	}

	scored := make([]ScoredRecord, 0, len(s.records))
	for _, rec := range s.records {
		if errorTypeHint != "" && rec.ErrorType != errorTypeHint {
			continue
		}
		cp := rec.Clone()
		cp.RelevanceScore = s.scorer.Score(rec, querySignature, now)
		scored = append(scored, ScoredRecord{Record: cp, Score: cp.RelevanceScore})
	}

	sort.SliceStable(scored, func(i, j int) bool { return lessScored(scored[i], scored[j]) })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	if s.searchCounter != nil {
		s.searchCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("error_type", errorTypeHint),
			attribute.Int("result_count", len(scored)),
		))
	}

	return scored, nil
}

// lessScored orders by descending score; ties prefer local-authoritative
// records over remote shadows, then higher usage count, then the
// lexicographically smaller hash for determinism.
func lessScored(a, b ScoredRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	aLocal := a.Record.Origin == OriginLocal
	bLocal := b.Record.Origin == OriginLocal
	if aLocal != bLocal {
		return aLocal
	}
	if a.Record.UsageCount != b.Record.UsageCount {
		return a.Record.UsageCount > b.Record.UsageCount
	}
	return a.Record.FixHash < b.Record.FixHash
}

// Add inserts a record and persists the snapshot.
//
// Re-adding a hash with byte-identical content is an idempotent no-op
// returning the existing hash; re-adding with different content fails with
// ErrDuplicateHash.
func (s *Store) Add(rec *FixRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.FixHash]; ok {
		if existing.ContentEqual(rec) {
			return existing.FixHash, nil
		}
		return "", fmt.Errorf("%w: %s", ErrDuplicateHash, rec.FixHash)
	}

	s.records[rec.FixHash] = rec.Clone()
	if err := s.persistLocked(); err != nil {
		delete(s.records, rec.FixHash)
		return "", err
	}

	if s.recordCounter != nil {
		s.recordCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("error_type", rec.ErrorType),
			attribute.String("origin", string(rec.Origin)),
		))
	}

	s.logger.Info("added fix record",
		zap.String("fix_hash", short(rec.FixHash)),
		zap.String("error_type", rec.ErrorType),
		zap.String("origin", string(rec.Origin)))

	return rec.FixHash, nil
}

// Get returns a copy of the record for fixHash.
func (s *Store) Get(fixHash string) (*FixRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fixHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fixHash)
	}
	return rec.Clone(), nil
}

// List returns copies of all records, unordered. The publication pipeline
// borrows these read-only snapshots to build upload tasks.
func (s *Store) List() []*FixRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FixRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// RecordUsage increments the usage counter, and the success counter when
// succeeded, then persists. Returns the updated counters.
func (s *Store) RecordUsage(fixHash string, succeeded bool) (usage, success int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fixHash]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, fixHash)
	}

	rec.UsageCount++
	if succeeded {
		rec.SuccessCount++
	}

	if err := s.persistLocked(); err != nil {
		rec.UsageCount--
		if succeeded {
			rec.SuccessCount--
		}
		return 0, 0, err
	}

	if s.usageCounter != nil {
		s.usageCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("succeeded", succeeded),
		))
	}

	return rec.UsageCount, rec.SuccessCount, nil
}

// CreateBranch adds a directed derivation edge between two existing
// records. Identical edges are deduplicated (idempotent), which keeps
// repeated sync merges from growing the graph.
func (s *Store) CreateBranch(fromHash, toHash string, rel Relationship) (*BranchEdge, error) {
	if fromHash == toHash {
		return nil, fmt.Errorf("%w: %s", ErrSelfLoop, fromHash)
	}
	if !ValidRelationship(rel) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRelationship, rel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[fromHash]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fromHash)
	}
	if _, ok := s.records[toHash]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, toHash)
	}

	for _, e := range s.edges {
		if e.FromHash == fromHash && e.ToHash == toHash && e.Relationship == rel {
			cp := *e
			return &cp, nil
		}
	}

	edge := &BranchEdge{
		FromHash:     fromHash,
		ToHash:       toHash,
		Relationship: rel,
		CreatedAt:    time.Now().UTC(),
	}
	s.edges = append(s.edges, edge)

	if err := s.persistLocked(); err != nil {
		s.edges = s.edges[:len(s.edges)-1]
		return nil, err
	}

	s.logger.Info("created branch edge",
		zap.String("from", short(fromHash)),
		zap.String("to", short(toHash)),
		zap.String("relationship", string(rel)))

	cp := *edge
	return &cp, nil
}

// Edges returns copies of all branch edges.
func (s *Store) Edges() []BranchEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BranchEdge, len(s.edges))
	for i, e := range s.edges {
		out[i] = *e
	}
	return out
}

// EdgesTouching returns edges with fixHash as either endpoint, used to
// project relationship edges into remote index entries.
func (s *Store) EdgesTouching(fixHash string) []BranchEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BranchEdge
	for _, e := range s.edges {
		if e.FromHash == fixHash || e.ToHash == fixHash {
			out = append(out, *e)
		}
	}
	return out
}

// SetCommitRef stamps the remote transport handle after a confirmed push.
// This is the only cross-component mutation the publication pipeline
// performs on a record.
func (s *Store) SetCommitRef(fixHash, commitRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fixHash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fixHash)
	}

	prev := rec.CommitRef
	rec.CommitRef = commitRef
	if err := s.persistLocked(); err != nil {
		rec.CommitRef = prev
		return err
	}
	return nil
}

// InsertShadow adds a remote-shadow record ingested by the sync
// reconciler. Existing records are never touched; the caller decides
// between insert and refresh.
func (s *Store) InsertShadow(rec *FixRecord) error {
	if rec == nil || rec.Origin != OriginShadow {
		return fmt.Errorf("%w: shadow insert requires a remote-shadow record", ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.FixHash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHash, rec.FixHash)
	}

	s.records[rec.FixHash] = rec.Clone()
	if err := s.persistLocked(); err != nil {
		delete(s.records, rec.FixHash)
		return err
	}
	return nil
}

// RefreshShadow updates the remote-reported usage counter of an existing
// remote-shadow record. Local-authoritative records are never overwritten;
// attempting to refresh one is a silent no-op so a pull cannot clobber
// local state. Returns true when a field actually changed.
func (s *Store) RefreshShadow(fixHash string, remoteUsage int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fixHash]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, fixHash)
	}
	if rec.Origin != OriginShadow {
		return false, nil
	}
	if rec.UsageCount == remoteUsage {
		return false, nil
	}

	prev := rec.UsageCount
	rec.UsageCount = remoteUsage
	if err := s.persistLocked(); err != nil {
		rec.UsageCount = prev
		return false, err
	}
	return true, nil
}

// IncrementAbandoned records a publication task dropped after the retry
// ceiling, surfaced through Statistics.
func (s *Store) IncrementAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abandonedUploads++
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("failed to persist abandoned-upload counter", zap.Error(err))
	}
}

// Statistics returns aggregate counts over records and edges.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		TotalRecords:     len(s.records),
		RecordsPerType:   make(map[string]int),
		TotalEdges:       len(s.edges),
		AbandonedUploads: s.abandonedUploads,
	}
	for _, rec := range s.records {
		stats.RecordsPerType[rec.ErrorType]++
		if rec.Origin == OriginLocal {
			stats.LocalRecords++
		} else {
			stats.ShadowRecords++
		}
	}
	return stats
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
