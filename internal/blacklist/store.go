package blacklist

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when a key does not exist.
var ErrNotFound = errors.New("blacklist: not found")

// Entry describes why and when an identity was blocked.
type Entry struct {
	Identity string    `json:"identity"`
	Reason   string    `json:"reason"`
	AddedAt  time.Time `json:"added_at"`
}

// Store persists the blacklist set and the time of the last amnesty.
//
// The Manager keeps the authoritative in-process copy; a Store only has to
// survive restarts or be shared between replicas.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, identity string) error
	List(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
	LastReset(ctx context.Context) (time.Time, error)
	SetLastReset(ctx context.Context, t time.Time) error
	Close() error
}

// MemoryStore keeps nothing across restarts.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]Entry
	lastReset time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Identity] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, identity)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}

func (s *MemoryStore) LastReset(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReset.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return s.lastReset, nil
}

func (s *MemoryStore) SetLastReset(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReset = t
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
