// Package replication ships the log to standbys.
//
// Every follower streams from a named slot. A slot pins the log from its
// confirmed point on, so a follower can reconnect and resume where it stopped.
// Synchronous slots additionally hold up commits until the follower reports
// the commit record flushed. An unresponsive synchronous follower stalls
// commits until an administrator demotes or drops its slot.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
)

type Manager struct {
	wal *wal.Manager

	mu    sync.Mutex
	slots map[string]*Slot
	// notify is closed and replaced whenever a slot changes.
	notify chan struct{}
}

func NewManager(w *wal.Manager) *Manager {
	return &Manager{
		wal:    w,
		slots:  make(map[string]*Slot),
		notify: make(chan struct{}),
	}
}

func (m *Manager) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Attach creates a slot at the current insert position.
func (m *Manager) Attach(name string, sync bool) (SlotInfo, error) {
	return m.AttachAt(name, sync, m.wal.InsertLSN())
}

// AttachAt creates a slot that resumes at lsn, which must still be in the log.
func (m *Manager) AttachAt(name string, sync bool, lsn wal.LSN) (SlotInfo, error) {
	if len(name) == 0 {
		return SlotInfo{}, errors.New("replication slot needs a name")
	}
	if start := m.wal.StartLSN(); lsn < start {
		return SlotInfo{}, errors.Annotatef(wal.ErrCompacted, "slot %s at %v, log starts at %v", name, lsn, start)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[name]; ok {
		return SlotInfo{}, errors.Trace(txnerr.ErrSlotExists(name))
	}
	s := newSlot(name, sync, lsn)
	m.slots[name] = s
	m.broadcastLocked()
	log.Infof("replication slot %s created at %v, sync %v", name, lsn, sync)
	return s.info(), nil
}

func (m *Manager) getLocked(name string) (*Slot, error) {
	s, ok := m.slots[name]
	if !ok {
		return nil, errors.Trace(txnerr.ErrSlotNotFound(name))
	}
	return s, nil
}

func (m *Manager) Get(name string) (SlotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(name)
	if err != nil {
		return SlotInfo{}, err
	}
	return s.info(), nil
}

// Slots lists every slot ordered by name.
func (m *Manager) Slots() []SlotInfo {
	m.mu.Lock()
	infos := make([]SlotInfo, 0, len(m.slots))
	for _, s := range m.slots {
		infos = append(infos, s.info())
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Acknowledge records that the follower of name flushed everything before lsn.
// The confirmed point never moves back.
func (m *Manager) Acknowledge(name string, lsn wal.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(name)
	if err != nil {
		return err
	}
	if lsn > s.confirmed {
		s.confirmed = lsn
		m.broadcastLocked()
	}
	if flushed := m.wal.FlushedLSN(); flushed > s.confirmed {
		metrics.ReplicationLagGauge.WithLabelValues(name).Set(float64(flushed - s.confirmed))
	} else {
		metrics.ReplicationLagGauge.WithLabelValues(name).Set(0)
	}
	return nil
}

// pendingLocked returns the synchronous slots that have not confirmed lsn.
func (m *Manager) pendingLocked(lsn wal.LSN) []string {
	var names []string
	for _, s := range m.slots {
		if s.Sync && s.confirmed <= lsn {
			names = append(names, s.Name)
		}
	}
	return names
}

// WaitForLSN blocks until every synchronous slot confirmed the record at lsn.
// It fails with ErrReplicationStall when ctx ends first.
func (m *Manager) WaitForLSN(ctx context.Context, lsn wal.LSN) error {
	for {
		m.mu.Lock()
		pending := m.pendingLocked(lsn)
		ch := m.notify
		m.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Annotatef(txnerr.ErrReplicationStall, "record %v not confirmed by %v: %v", lsn, pending, ctx.Err())
		}
	}
}

// Demote turns a synchronous slot asynchronous. Commits waiting only for it return.
func (m *Manager) Demote(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(name)
	if err != nil {
		return err
	}
	if s.Sync {
		s.Sync = false
		m.broadcastLocked()
		log.Warnf("replication slot %s demoted to asynchronous", name)
	}
	return nil
}

// Drop removes the slot, stops its sender and releases the log it pinned.
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(name)
	if err != nil {
		return err
	}
	if s.state, err = stop(s.state, "dropped"); err != nil {
		return err
	}
	close(s.done)
	delete(m.slots, name)
	metrics.ReplicationLagGauge.DeleteLabelValues(name)
	m.broadcastLocked()
	log.Warnf("replication slot %s dropped at confirmed %v", name, s.confirmed)
	return nil
}

// MinRestartLSN is the oldest confirmed point across slots, or
// wal.InvalidLSN without slots.
func (m *Manager) MinRestartLSN() wal.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := wal.InvalidLSN
	for _, s := range m.slots {
		if oldest == wal.InvalidLSN || s.confirmed < oldest {
			oldest = s.confirmed
		}
	}
	return oldest
}

// acquire marks the slot as streaming to peer and returns it with the
// position the sender starts from.
func (m *Manager) acquire(name, peer string, from wal.LSN) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(name)
	if err != nil {
		return nil, err
	}
	if start := m.wal.StartLSN(); from < start {
		return nil, errors.Annotatef(wal.ErrCompacted, "slot %s asks for %v, log starts at %v", name, from, start)
	}
	if flushed := m.wal.FlushedLSN(); from > flushed {
		return nil, errors.Errorf("slot %s asks for %v, beyond the end of the log at %v", name, from, flushed)
	}
	if s.state, err = activate(s.state, peer, time.Now()); err != nil {
		return nil, errors.Annotatef(err, "slot %s", name)
	}
	s.sent = from
	m.broadcastLocked()
	log.Infof("replication slot %s streaming to %s from %v", name, peer, from)
	return s, nil
}

func (m *Manager) release(s *Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, err := deactivate(s.state, time.Now()); err == nil {
		s.state = st
		m.broadcastLocked()
		log.Infof("replication slot %s inactive, sent up to %v", s.Name, s.sent)
	}
}

func (m *Manager) advanceSent(s *Slot, lsn wal.LSN) {
	m.mu.Lock()
	if lsn > s.sent {
		s.sent = lsn
	}
	m.mu.Unlock()
}
