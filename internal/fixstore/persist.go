package fixstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotVersion is bumped when the snapshot schema changes shape.
const snapshotVersion = 1

// snapshot is the persisted document: all records, all edges, and the
// abandoned-upload counter, round-tripped losslessly.
type snapshot struct {
	Version          int           `json:"version"`
	Records          []*FixRecord  `json:"records"`
	Edges            []*BranchEdge `json:"edges,omitempty"`
	AbandonedUploads int64         `json:"abandoned_uploads,omitempty"`
}

// persistLocked writes the full snapshot with write-to-temp-then-rename
// discipline so a crash mid-write never yields a torn file. Caller holds
// the write lock.
func (s *Store) persistLocked() error {
	if s.cfg.SnapshotPath == "" {
		return nil
	}

	snap := snapshot{
		Version:          snapshotVersion,
		Records:          make([]*FixRecord, 0, len(s.records)),
		Edges:            s.edges,
		AbandonedUploads: s.abandonedUploads,
	}
	for _, rec := range s.records {
		snap.Records = append(snap.Records, rec)
	}

	return WriteAtomic(s.cfg.SnapshotPath, snap)
}

// load replaces in-memory state with the persisted snapshot. A missing file
// is a fresh start, not an error; an unparseable one is ErrCorruptState.
func (s *Store) load() error {
	data, err := os.ReadFile(s.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", ErrCorruptState, snap.Version)
	}

	records := make(map[string]*FixRecord, len(snap.Records))
	for _, rec := range snap.Records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrCorruptState, short(rec.FixHash), err)
		}
		records[rec.FixHash] = rec
	}

	// Edges hold the same invariants CreateBranch enforces; a hand-edited
	// snapshot must not reintroduce what the API rejects.
	for _, edge := range snap.Edges {
		if edge == nil || edge.FromHash == "" || edge.ToHash == "" {
			return fmt.Errorf("%w: edge with missing endpoint", ErrCorruptState)
		}
		if edge.FromHash == edge.ToHash {
			return fmt.Errorf("%w: edge %s is a self-loop", ErrCorruptState, short(edge.FromHash))
		}
		if !ValidRelationship(edge.Relationship) {
			return fmt.Errorf("%w: edge %s has unknown relationship %q",
				ErrCorruptState, short(edge.FromHash), edge.Relationship)
		}
	}

	s.records = records
	s.edges = snap.Edges
	s.abandonedUploads = snap.AbandonedUploads
	return nil
}

// WriteAtomic marshals v as indented JSON and atomically replaces path with
// it: write to a temp file in the same directory, then rename. Shared by
// the store snapshot, the upload queue and the remote index cache.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
