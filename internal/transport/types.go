// Package transport is the push/pull boundary to the shared remote store.
//
// The remote is treated as a content-addressable, append/overwrite-by-key
// store: the index is keyed by fix hash and re-publication of identical
// content is a benign overwrite. Two implementations exist: a git-backed
// remote (the shared store is a version-controlled repository) and an
// in-memory remote for tests and offline runs.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
)

// Common transport errors.
var (
	// ErrTransport indicates a network or remote failure, retryable up to
	// the pipeline's ceiling.
	ErrTransport = errors.New("transport failure")

	// ErrBlobNotFound indicates the remote has no sealed blob for a hash.
	ErrBlobNotFound = errors.New("sealed blob not found")
)

// RemoteIndexEntry is the public, non-secret projection of a fix record.
// It never carries the error signature verbatim beyond the coarse
// classifier, nor the solution or context.
type RemoteIndexEntry struct {
	FixHash    string    `json:"fix_hash"`
	AuthorID   string    `json:"author_id"`
	ErrorType  string    `json:"error_type"`
	CreatedAt  time.Time `json:"created_at"`
	UsageCount int64     `json:"usage_count"`

	// Edges are the branch edges referencing this fix.
	Edges []fixstore.BranchEdge `json:"edges,omitempty"`
}

// Validate checks the fields a remote peer must supply.
func (e *RemoteIndexEntry) Validate() error {
	if e.FixHash == "" {
		return errors.New("remote index entry missing fix hash")
	}
	if e.AuthorID == "" {
		return errors.New("remote index entry missing author id")
	}
	if e.ErrorType == "" {
		return errors.New("remote index entry missing error type")
	}
	if e.UsageCount < 0 {
		return errors.New("remote index entry has negative usage count")
	}
	return nil
}

// SealedBlob is an encrypted solution payload plus its detached signature,
// opaque to everyone but the authoring device.
type SealedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// Transport moves index entries and sealed blobs to and from the remote.
// All calls may block on the network; callers wrap them with timeouts.
type Transport interface {
	// Push publishes an index entry and its sealed blob, returning an
	// opaque commit reference. Pushing the same fix hash twice with
	// identical content is a safe no-op.
	Push(ctx context.Context, entry *RemoteIndexEntry, blob *SealedBlob) (commitRef string, err error)

	// Pull fetches the full public index.
	Pull(ctx context.Context) ([]*RemoteIndexEntry, error)

	// Fetch retrieves the sealed blob for a fix hash, or ErrBlobNotFound.
	Fetch(ctx context.Context, fixHash string) (*SealedBlob, error)
}
