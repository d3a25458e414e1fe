package transport

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Transport for tests and local-only runs. It also
// supports fault injection so pipeline retry behavior can be exercised.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*RemoteIndexEntry
	blobs   map[string]*SealedBlob
	commits int

	// failPushes and failPulls make the next n calls fail with
	// ErrTransport.
	failPushes int
	failPulls  int

	pushCalls int
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*RemoteIndexEntry),
		blobs:   make(map[string]*SealedBlob),
	}
}

// Push stores the entry and blob keyed by fix hash, overwriting any
// previous copy.
func (m *Memory) Push(ctx context.Context, entry *RemoteIndexEntry, blob *SealedBlob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pushCalls++
	if m.failPushes > 0 {
		m.failPushes--
		return "", fmt.Errorf("%w: injected push failure", ErrTransport)
	}
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	cp := *entry
	m.entries[entry.FixHash] = &cp
	if blob != nil {
		b := SealedBlob{
			Ciphertext: append([]byte(nil), blob.Ciphertext...),
			Signature:  append([]byte(nil), blob.Signature...),
		}
		m.blobs[entry.FixHash] = &b
	}

	m.commits++
	return fmt.Sprintf("mem-%06d", m.commits), nil
}

// Pull returns copies of all index entries.
func (m *Memory) Pull(ctx context.Context) ([]*RemoteIndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPulls > 0 {
		m.failPulls--
		return nil, fmt.Errorf("%w: injected pull failure", ErrTransport)
	}

	out := make([]*RemoteIndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Fetch returns the sealed blob for fixHash.
func (m *Memory) Fetch(ctx context.Context, fixHash string) (*SealedBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[fixHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, fixHash)
	}
	cp := SealedBlob{
		Ciphertext: append([]byte(nil), blob.Ciphertext...),
		Signature:  append([]byte(nil), blob.Signature...),
	}
	return &cp, nil
}

// FailNextPushes makes the next n Push calls fail with ErrTransport.
func (m *Memory) FailNextPushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPushes = n
}

// FailNextPulls makes the next n Pull calls fail with ErrTransport.
func (m *Memory) FailNextPulls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPulls = n
}

// PushCalls reports how many Push attempts were made, including failures.
func (m *Memory) PushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCalls
}

// Entry returns the stored index entry for fixHash, or nil.
func (m *Memory) Entry(fixHash string) *RemoteIndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fixHash]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}
