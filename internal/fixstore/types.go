package fixstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Common errors for fix store operations.
var (
	// ErrNotFound indicates an unknown fix hash was referenced.
	ErrNotFound = errors.New("fix record not found")

	// ErrDuplicateHash indicates a non-idempotent re-add of an existing hash.
	ErrDuplicateHash = errors.New("fix hash already exists with different content")

	// ErrSelfLoop indicates a branch edge from a record to itself.
	ErrSelfLoop = errors.New("branch edge cannot reference itself")

	// ErrEmptyStore indicates a search against a store holding zero records.
	ErrEmptyStore = errors.New("store holds no records")

	// ErrCorruptState indicates a persisted snapshot failed to parse.
	ErrCorruptState = errors.New("persisted snapshot is corrupt")

	// ErrInvalidRecord indicates a record failed construction-time validation.
	ErrInvalidRecord = errors.New("invalid fix record")

	// ErrUnknownRelationship indicates an unrecognized branch relationship.
	ErrUnknownRelationship = errors.New("unknown branch relationship")
)

// Origin distinguishes who is authoritative for a record.
type Origin string

const (
	// OriginLocal marks records authored by this client. The local copy is
	// authoritative and holds the solution in cleartext.
	OriginLocal Origin = "local"

	// OriginShadow marks records ingested from sync. The solution payload
	// stays encrypted and unreadable unless authored by this client.
	OriginShadow Origin = "remote-shadow"
)

// Relationship classifies a branch edge between two fix records.
type Relationship string

const (
	RelSolvedSimilar       Relationship = "solved_similar"
	RelAlternativeApproach Relationship = "alternative_approach"
	RelImprovedVersion     Relationship = "improved_version"
	RelPrerequisite        Relationship = "prerequisite"
)

// ValidRelationship reports whether r is a recognized relationship.
func ValidRelationship(r Relationship) bool {
	switch r {
	case RelSolvedSimilar, RelAlternativeApproach, RelImprovedVersion, RelPrerequisite:
		return true
	}
	return false
}

// FixRecord is the unit of knowledge: an error pattern, the solution that
// resolved it, provenance and usage statistics.
type FixRecord struct {
	// FixHash is the content-derived identifier: sha256 over error
	// signature, solution and author. Unique and immutable; never
	// recomputed after creation.
	FixHash string `json:"fix_hash"`

	// AuthorID is a pseudonymous one-way hash of the device identity,
	// never the raw identity.
	AuthorID string `json:"author_id"`

	// ErrorType is a coarse classifier label, set at creation.
	ErrorType string `json:"error_type"`

	// ErrorSignature is the normalized representation of the error text,
	// the primary search key.
	ErrorSignature string `json:"error_signature"`

	// Solution is the fix payload. Cleartext for local-authoritative
	// records, empty for remote shadows.
	Solution string `json:"solution,omitempty"`

	// SealedSolution holds the encrypted payload of a remote shadow,
	// retained opaque. Never populated for local records.
	SealedSolution []byte `json:"sealed_solution,omitempty"`

	// Context is free-form structured metadata (script name, line, session
	// counters). Never shared in cleartext.
	Context map[string]any `json:"context,omitempty"`

	// CreatedAt is the immutable creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// SuccessCount and UsageCount are monotonically non-decreasing
	// counters; SuccessCount never exceeds UsageCount.
	SuccessCount int64 `json:"success_count"`
	UsageCount   int64 `json:"usage_count"`

	// RelevanceScore is a cached display snapshot of the last computed
	// score. Not ground truth; recomputed lazily on each search.
	RelevanceScore float64 `json:"relevance_score,omitempty"`

	// CommitRef is the remote transport handle once published; empty until
	// publication succeeds.
	CommitRef string `json:"commit_ref,omitempty"`

	// Origin is local or remote-shadow.
	Origin Origin `json:"origin"`
}

// NewRecord builds a local-authoritative record with a content-derived hash.
func NewRecord(authorID, errorType, errorSignature, solution string, context map[string]any) (*FixRecord, error) {
	if authorID == "" {
		return nil, fmt.Errorf("%w: author id cannot be empty", ErrInvalidRecord)
	}
	if errorType == "" {
		return nil, fmt.Errorf("%w: error type cannot be empty", ErrInvalidRecord)
	}
	if errorSignature == "" {
		return nil, fmt.Errorf("%w: error signature cannot be empty", ErrInvalidRecord)
	}
	if solution == "" {
		return nil, fmt.Errorf("%w: solution cannot be empty", ErrInvalidRecord)
	}

	return &FixRecord{
		FixHash:        ContentHash(errorSignature, solution, authorID),
		AuthorID:       authorID,
		ErrorType:      errorType,
		ErrorSignature: errorSignature,
		Solution:       solution,
		Context:        context,
		CreatedAt:      time.Now().UTC(),
		Origin:         OriginLocal,
	}, nil
}

// ContentHash derives the stable record identifier. Two authors producing
// byte-identical solutions for the same signature collide on purpose; the
// second publication becomes a benign identical overwrite.
func ContentHash(errorSignature, solution, authorID string) string {
	h := sha256.New()
	h.Write([]byte(errorSignature))
	h.Write([]byte{0})
	h.Write([]byte(solution))
	h.Write([]byte{0})
	h.Write([]byte(authorID))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks structural invariants.
func (r *FixRecord) Validate() error {
	if r.FixHash == "" {
		return fmt.Errorf("%w: missing fix hash", ErrInvalidRecord)
	}
	if r.AuthorID == "" {
		return fmt.Errorf("%w: missing author id", ErrInvalidRecord)
	}
	if r.ErrorType == "" {
		return fmt.Errorf("%w: missing error type", ErrInvalidRecord)
	}
	if r.ErrorSignature == "" {
		return fmt.Errorf("%w: missing error signature", ErrInvalidRecord)
	}
	if r.SuccessCount < 0 || r.UsageCount < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidRecord)
	}
	if r.SuccessCount > r.UsageCount {
		return fmt.Errorf("%w: success count %d exceeds usage count %d",
			ErrInvalidRecord, r.SuccessCount, r.UsageCount)
	}
	if r.Origin != OriginLocal && r.Origin != OriginShadow {
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidRecord, r.Origin)
	}
	return nil
}

// ContentEqual reports whether two records carry identical content, used to
// detect idempotent re-submission of the same record.
func (r *FixRecord) ContentEqual(other *FixRecord) bool {
	return r.FixHash == other.FixHash &&
		r.AuthorID == other.AuthorID &&
		r.ErrorType == other.ErrorType &&
		r.ErrorSignature == other.ErrorSignature &&
		r.Solution == other.Solution
}

// Clone returns a deep copy safe for callers to hold outside the store lock.
func (r *FixRecord) Clone() *FixRecord {
	cp := *r
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	if r.SealedSolution != nil {
		cp.SealedSolution = append([]byte(nil), r.SealedSolution...)
	}
	return &cp
}

// BranchEdge is a directed derivation relation between two fix records.
// Cycles are permitted; self-loops are rejected at creation.
type BranchEdge struct {
	FromHash     string       `json:"from_hash"`
	ToHash       string       `json:"to_hash"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ScoredRecord pairs a record with its computed relevance score.
type ScoredRecord struct {
	Record *FixRecord
	Score  float64
}

// Statistics are the aggregate counts reported by the store.
type Statistics struct {
	TotalRecords   int            `json:"total_records"`
	RecordsPerType map[string]int `json:"records_per_type"`
	TotalEdges     int            `json:"total_edges"`
	LocalRecords   int            `json:"local_records"`
	ShadowRecords  int            `json:"shadow_records"`

	// AbandonedUploads counts publication tasks dropped after the retry
	// ceiling, fed back from the publication pipeline.
	AbandonedUploads int64 `json:"abandoned_uploads"`
}

// Scorer ranks a candidate record against a query signature at a point in
// time. Implemented by the scoring package.
type Scorer interface {
	Score(rec *FixRecord, querySignature string, now time.Time) float64
}
