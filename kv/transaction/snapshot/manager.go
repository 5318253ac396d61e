/*
Package snapshot tracks running transactions and captures snapshots of them.

Allocating an id and publishing it as running happen under the same lock as
capturing a snapshot. Otherwise a transaction could be allocated, not yet be in
the running set, and be taken as ended by a concurrent snapshot whose xmax is
already past it.

Every captured snapshot stays registered until released. The oldest xmin over
registered snapshots and running transactions is the vacuum horizon: versions
deleted by transactions preceding it are invisible to everyone.
*/
package snapshot

import (
	"sync"

	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"go.uber.org/atomic"
)

type Manager struct {
	mu      sync.Mutex
	alloc   *xid.Allocator
	clog    *clog.Log
	running map[xid.TxnID]struct{}
	// registered snapshot id -> xmin
	snapshots  map[uint64]xid.TxnID
	nextSnapID uint64
}

func NewManager(alloc *xid.Allocator, clog *clog.Log) *Manager {
	return &Manager{
		alloc:     alloc,
		clog:      clog,
		running:   make(map[xid.TxnID]struct{}),
		snapshots: make(map[uint64]xid.TxnID),
	}
}

// Begin allocates an id and registers it as running.
func (m *Manager) Begin() (xid.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.alloc.Allocate()
	if err != nil {
		return xid.InvalidTxnID, err
	}
	m.running[id] = struct{}{}
	return id, nil
}

// End removes id from the running set. Its outcome must already be in the commit log.
func (m *Manager) End(id xid.TxnID) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// Observe registers an id seen in a replicated log as running, unless it
// already ended. The primary handed out every id before it as well, so the
// ones not seen yet are taken as running until their commit or abort record or
// a checkpoint record settles them.
func (m *Manager) Observe(id xid.TxnID) {
	if !id.IsNormal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !id.Precedes(m.alloc.ReadNext()) {
		m.assignBefore(id.Next())
		return
	}
	if _, ok := m.running[id]; ok {
		return
	}
	if st, err := m.clog.Status(id); err == nil && st != clog.StatusInProgress {
		return
	}
	m.running[id] = struct{}{}
}

// ObserveCheckpoint applies the bounds a replicated checkpoint record carries:
// ids before oldestActive had ended on the primary, ids before next were handed out.
func (m *Manager) ObserveCheckpoint(oldestActive, next xid.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.IsNormal() {
		m.assignBefore(next)
	}
	if !oldestActive.IsNormal() {
		return
	}
	for id := range m.running {
		if id.Precedes(oldestActive) {
			delete(m.running, id)
		}
	}
}

// assignBefore marks the ids from the next id up to end as running.
func (m *Manager) assignBefore(end xid.TxnID) {
	for id := m.alloc.ReadNext(); id.Precedes(end); id = id.Next() {
		m.running[id] = struct{}{}
		m.alloc.AdvancePast(id)
	}
}

func (m *Manager) IsRunning(id xid.TxnID) bool {
	m.mu.Lock()
	_, ok := m.running[id]
	m.mu.Unlock()
	return ok
}

// Running returns the running ids in no particular order.
func (m *Manager) Running() []xid.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]xid.TxnID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// Capture takes a snapshot for owner and registers it.
func (m *Manager) Capture(owner xid.TxnID) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	xmax := m.alloc.ReadNext()
	xmin := xmax
	xip := make(map[xid.TxnID]struct{}, len(m.running))
	for id := range m.running {
		xip[id] = struct{}{}
		xmin = xid.Min(xmin, id)
	}
	m.nextSnapID++
	s := &Snapshot{
		Xmin:     xmin,
		Xmax:     xmax,
		Owner:    owner,
		xip:      xip,
		id:       m.nextSnapID,
		mgr:      m,
		released: atomic.NewBool(false),
	}
	m.snapshots[s.id] = xmin
	return s
}

func (m *Manager) unregister(id uint64) {
	m.mu.Lock()
	delete(m.snapshots, id)
	m.mu.Unlock()
}

// IsVisible reports whether the effects of id are visible in s: id committed
// and was not running for s. Frozen and bootstrap ids are always visible.
func (m *Manager) IsVisible(id xid.TxnID, s *Snapshot) (bool, error) {
	switch id {
	case xid.FrozenTxnID, xid.BootstrapTxnID:
		return true, nil
	case xid.InvalidTxnID:
		return false, nil
	}
	if s.IsInProgress(id) {
		return false, nil
	}
	return m.clog.IsCommitted(id)
}

// GlobalXmin is the oldest id any running transaction or registered snapshot
// may still see as running. Without either it is the next id.
func (m *Manager) GlobalXmin() xid.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := m.alloc.ReadNext()
	for id := range m.running {
		horizon = xid.Min(horizon, id)
	}
	for _, xmin := range m.snapshots {
		horizon = xid.Min(horizon, xmin)
	}
	return horizon
}

// OldestRunning is the oldest running id, or the next id when none runs.
func (m *Manager) OldestRunning() xid.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.alloc.ReadNext()
	for id := range m.running {
		oldest = xid.Min(oldest, id)
	}
	return oldest
}

// RegisteredSnapshots is the number of snapshots not yet released.
func (m *Manager) RegisteredSnapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
