// Package blacklist holds the set of identities that are refused outright.
//
// Identities enter the set either by accumulating violations or by a direct
// auto-disable signal from the bot detection subsystem. The whole set is
// cleared on a fixed cadence (amnesty, 30 days by default). Amnesty is policy:
// it bounds the damage of a false positive without operator involvement.
//
// The Manager keeps the set in memory and writes changes behind to a Store.
// With the default MemoryStore the blacklist is empty after a restart.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"admission-gateway/internal/clock"
	"admission-gateway/internal/logging"
)

const (
	backlogWarnSize = 1024
	storeTimeout    = 5 * time.Second
)

// Reasons recorded with an entry.
const (
	ReasonViolations  = "violation_threshold"
	ReasonAutoDisable = "auto_disable"
)

var ErrClosed = errors.New("blacklist: manager closed")

type opKind int

const (
	opPut opKind = iota
	opDelete
	opClear
	opSetLastReset
	opBarrier
)

type writeOp struct {
	kind    opKind
	entry   Entry
	id      string
	at      time.Time
	barrier chan struct{}
}

// Manager is the Blacklist Manager.
type Manager struct {
	mu        sync.RWMutex
	clock     clock.Clock
	store     Store
	logger    *logging.Logger
	interval  time.Duration
	entries   map[string]Entry
	lastReset time.Time
	closed    bool

	// Pending store writes; appending never waits on the store.
	qmu       sync.Mutex
	backlog   []writeOp
	draining  bool
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager loads the persisted set and amnesty epoch from store. A store
// with no recorded amnesty starts a fresh cycle now.
func NewManager(ctx context.Context, clk clock.Clock, store Store, amnestyInterval time.Duration, logger *logging.Logger) (*Manager, error) {
	if amnestyInterval <= 0 {
		return nil, fmt.Errorf("amnesty interval must be positive, got %s", amnestyInterval)
	}

	m := &Manager{
		clock:    clk,
		store:    store,
		logger:   logger,
		interval: amnestyInterval,
		entries:  make(map[string]Entry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	entries, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}
	for _, e := range entries {
		m.entries[e.Identity] = e
	}

	last, err := store.LastReset(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		last = clk.Now()
		if err := store.SetLastReset(ctx, last); err != nil {
			return nil, fmt.Errorf("failed to record amnesty epoch: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load amnesty epoch: %w", err)
	}
	m.lastReset = last

	go m.writeLoop()

	return m, nil
}

// IsBlacklisted reports whether id is currently blocked.
func (m *Manager) IsBlacklisted(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Add blocks id and reports whether it was newly added.
func (m *Manager) Add(id, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.entries[id]; ok {
		return false
	}

	e := Entry{Identity: id, Reason: reason, AddedAt: m.clock.Now()}
	m.entries[id] = e
	m.enqueue(writeOp{kind: opPut, entry: e})
	return true
}

// Remove unblocks id and reports whether it was blocked.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.entries[id]; !ok {
		return false
	}
	delete(m.entries, id)
	m.enqueue(writeOp{kind: opDelete, id: id})
	return true
}

// ResetIfDue clears the set when a full amnesty interval has passed since the
// last reset. It returns the number of identities released, or -1 when no
// reset was due.
func (m *Manager) ResetIfDue() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.closed || now.Sub(m.lastReset) < m.interval {
		return -1
	}

	released := len(m.entries)
	m.entries = make(map[string]Entry)
	m.lastReset = now
	m.enqueue(writeOp{kind: opClear}, writeOp{kind: opSetLastReset, at: now})
	return released
}

// Entries returns the current set ordered by time of addition.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LastReset returns the time of the last amnesty.
func (m *Manager) LastReset() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReset
}

// NextReset returns when the next amnesty is due.
func (m *Manager) NextReset() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReset.Add(m.interval)
}

// Sync waits until every change made so far has reached the store.
func (m *Manager) Sync(ctx context.Context) error {
	barrier := make(chan struct{})

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.enqueue(writeOp{kind: opBarrier, barrier: barrier})
	m.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and closes the store.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.qmu.Lock()
		m.draining = true
		m.qmu.Unlock()
		m.signal()

		<-m.done
		err = m.store.Close()
	})
	return err
}

// enqueue appends ops to the backlog and wakes the writer. It is called with
// m.mu held and must never wait on the store.
func (m *Manager) enqueue(ops ...writeOp) {
	m.qmu.Lock()
	before := len(m.backlog)
	m.backlog = append(m.backlog, ops...)
	after := len(m.backlog)
	m.qmu.Unlock()

	// Warn once each time the backlog crosses another multiple of the threshold
	if before/backlogWarnSize != after/backlogWarnSize {
		m.logger.Warn("Blacklist store is falling behind",
			"pending_writes", after,
		)
	}
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// takeBatch hands the writer everything queued so far.
func (m *Manager) takeBatch() ([]writeOp, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	batch := m.backlog
	m.backlog = nil
	return batch, m.draining
}

func (m *Manager) writeLoop() {
	defer close(m.done)

	for {
		batch, closing := m.takeBatch()
		for _, op := range batch {
			m.write(op)
		}

		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-m.wake
	}
}

func (m *Manager) write(op writeOp) {
	if op.kind == opBarrier {
		close(op.barrier)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := m.apply(ctx, op)
	cancel()

	if err != nil {
		m.logger.Error("Failed to persist blacklist change",
			"operation", op.kind.String(),
			"identity", op.entry.Identity+op.id,
			"error", err,
		)
	}
}

// Pending returns the number of changes not yet handed to the store.
func (m *Manager) Pending() int {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return len(m.backlog)
}

func (m *Manager) apply(ctx context.Context, op writeOp) error {
	switch op.kind {
	case opPut:
		return m.store.Put(ctx, op.entry)
	case opDelete:
		return m.store.Delete(ctx, op.id)
	case opClear:
		return m.store.Clear(ctx)
	case opSetLastReset:
		return m.store.SetLastReset(ctx, op.at)
	default:
		return fmt.Errorf("unknown blacklist operation %d", op.kind)
	}
}

func (k opKind) String() string {
	switch k {
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opClear:
		return "clear"
	case opSetLastReset:
		return "set_last_reset"
	default:
		return "barrier"
	}
}
