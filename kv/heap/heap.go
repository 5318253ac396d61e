/*
Package heap is the version store: every row key maps to a chain of versions
stamped with the transaction that created them and the one that deleted them.

Readers walk a chain from the newest version and return the first one visible
to their snapshot, holding only the chain's read lock. Writers of the same key
are serialised by latches for one statement, and by the deleter stamp on the
version they replace until their transaction ends: a second writer finding a
running deleter or creator waits on the lock waiter for that transaction.

Every change goes through the log before it touches a chain. Redo, both during
recovery and on a standby, applies records through the same path and skips a
record whose LSN is not past the chain's last applied LSN.
*/
package heap

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/latches"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
)

const btreeDegree = 32

type Store struct {
	mu    sync.RWMutex
	index *btree.BTree

	// redoMu is held shared by every change that must be covered by the next
	// checkpoint's redo point, and exclusively while the checkpointer takes it.
	redoMu  sync.RWMutex
	dirtyMu sync.Mutex
	dirty   *btree.BTree

	latches *latches.Latches
	waiter  *lockwaiter.Manager
	snapMgr *snapshot.Manager
	clog    *clog.Log
	wal     *wal.Manager

	lockWaitTimeout time.Duration
}

func NewStore(snapMgr *snapshot.Manager, cl *clog.Log, w *wal.Manager, waiter *lockwaiter.Manager) *Store {
	return &Store{
		index:   btree.New(btreeDegree),
		dirty:   btree.New(btreeDegree),
		latches: latches.NewLatches(),
		waiter:  waiter,
		snapMgr: snapMgr,
		clog:    cl,
		wal:     w,
	}
}

// SetLockWaitTimeout bounds how long a writer waits on a conflicting transaction. 0 waits until it ends.
func (s *Store) SetLockWaitTimeout(d time.Duration) {
	s.lockWaitTimeout = d
}

func (s *Store) getChain(key []byte) *chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item := s.index.Get(&chain{key: key}); item != nil {
		return item.(*chain)
	}
	return nil
}

func (s *Store) getOrCreateChain(key []byte) *chain {
	if c := s.getChain(key); c != nil {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.index.Get(&chain{key: key}); item != nil {
		return item.(*chain)
	}
	c := newChain(key)
	s.index.ReplaceOrInsert(c)
	return c
}

// Len returns the number of chains.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// isVisible applies the visibility rule to v. A transaction sees its own
// changes without consulting the commit log.
func (s *Store) isVisible(v *version, snap *snapshot.Snapshot) (bool, error) {
	self := snap.Owner
	if !self.IsValid() || v.creator != self {
		ok, err := s.snapMgr.IsVisible(v.creator, snap)
		if err != nil || !ok {
			return false, err
		}
	}
	if !v.deleter.IsValid() {
		return true, nil
	}
	if self.IsValid() && v.deleter == self {
		return false, nil
	}
	deleted, err := s.snapMgr.IsVisible(v.deleter, snap)
	return !deleted, err
}

func (s *Store) readChain(c *chain, snap *snapshot.Snapshot) ([]byte, error) {
	for i := c.newest; i != nilIndex; i = c.arena[i].prev {
		v := c.at(i)
		ok, err := s.isVisible(v, snap)
		if err != nil {
			return nil, err
		}
		if ok {
			return append([]byte(nil), v.payload...), nil
		}
	}
	return nil, txnerr.ErrNotFound
}

// Read returns the payload of the newest version of key visible to snap.
func (s *Store) Read(key []byte, snap *snapshot.Snapshot) ([]byte, error) {
	c := s.getChain(key)
	if c == nil {
		return nil, txnerr.ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return s.readChain(c, snap)
}

type KvPair struct {
	Key   []byte
	Value []byte
}

// Scan returns up to limit rows visible to snap with start <= key < end, in key
// order. A nil end scans to the last key, a limit of 0 is unbounded.
func (s *Store) Scan(start, end []byte, snap *snapshot.Snapshot, limit int) ([]KvPair, error) {
	var chains []*chain
	collect := func(item btree.Item) bool {
		chains = append(chains, item.(*chain))
		return true
	}
	s.mu.RLock()
	if end == nil {
		s.index.AscendGreaterOrEqual(&chain{key: start}, collect)
	} else {
		s.index.AscendRange(&chain{key: start}, &chain{key: end}, collect)
	}
	s.mu.RUnlock()

	var pairs []KvPair
	for _, c := range chains {
		c.mu.RLock()
		val, err := s.readChain(c, snap)
		c.mu.RUnlock()
		if errors.Cause(err) == txnerr.ErrNotFound {
			continue
		}
		if err != nil {
			return pairs, err
		}
		pairs = append(pairs, KvPair{Key: c.key, Value: val})
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs, nil
}

type action int

const (
	actInsert action = iota
	actUpdate
	actDelete
	actNotFound
	actWait
	actConflict
	actRetry
)

// evaluate decides what a write or delete by self does to c. Only the newest
// version not created by an aborted transaction matters: older ones are either
// deleted by a committed transaction or by the one that created it.
func (s *Store) evaluate(c *chain, snap *snapshot.Snapshot, txn *transaction.Txn, deleting bool) (action, xid.TxnID, error) {
	self := txn.ID()
	absent := actInsert
	if deleting {
		absent = actNotFound
	}
	present := actUpdate
	if deleting {
		present = actDelete
	}
	if c == nil {
		return absent, xid.InvalidTxnID, nil
	}
	for i := c.newest; i != nilIndex; i = c.arena[i].prev {
		v := c.at(i)
		creator, err := s.clog.Status(v.creator)
		if err != nil {
			return 0, 0, err
		}
		if creator == clog.StatusAborted {
			continue
		}
		if creator == clog.StatusInProgress && v.creator != self {
			return actWait, v.creator, nil
		}

		if v.deleter.IsValid() {
			if v.deleter == self {
				return absent, xid.InvalidTxnID, nil
			}
			deleter, err := s.clog.Status(v.deleter)
			if err != nil {
				return 0, 0, err
			}
			switch deleter {
			case clog.StatusInProgress:
				return actWait, v.deleter, nil
			case clog.StatusCommitted:
				visible, err := s.snapMgr.IsVisible(v.deleter, snap)
				if err != nil {
					return 0, 0, err
				}
				if visible {
					return absent, xid.InvalidTxnID, nil
				}
				return s.concurrentUpdate(txn.Isolation(), v.deleter)
			}
			// an aborted deleter leaves the version live
		}

		if v.creator != self {
			visible, err := s.snapMgr.IsVisible(v.creator, snap)
			if err != nil {
				return 0, 0, err
			}
			if !visible {
				return s.concurrentUpdate(txn.Isolation(), v.creator)
			}
		}
		return present, xid.InvalidTxnID, nil
	}
	return absent, xid.InvalidTxnID, nil
}

// concurrentUpdate is the outcome of finding the row changed by id, which
// committed after the snapshot was taken. A commit still waiting for its
// standbys is not visible to new snapshots either, so it is waited for.
func (s *Store) concurrentUpdate(iso transaction.Isolation, id xid.TxnID) (action, xid.TxnID, error) {
	if s.snapMgr.IsRunning(id) {
		return actWait, id, nil
	}
	if iso.UsesSameSnapshot() {
		return actConflict, xid.InvalidTxnID, nil
	}
	return actRetry, xid.InvalidTxnID, nil
}

// Write stores value as the new version of key for txn.
func (s *Store) Write(ctx context.Context, txn *transaction.Txn, key, value []byte) error {
	return s.modify(ctx, txn, key, value, false)
}

// Delete marks the version of key visible to txn as deleted.
func (s *Store) Delete(ctx context.Context, txn *transaction.Txn, key []byte) error {
	return s.modify(ctx, txn, key, nil, true)
}

func (s *Store) modify(ctx context.Context, txn *transaction.Txn, key, value []byte, deleting bool) error {
	keys := [][]byte{key}
	snap := txn.StatementSnapshot()
	s.latches.WaitForLatches(keys)
	latched := true
	defer func() {
		if latched {
			s.latches.ReleaseLatches(keys)
		}
	}()

	for {
		c := s.getChain(key)
		var (
			act    action
			holder xid.TxnID
			err    error
		)
		if c == nil {
			act, holder, err = s.evaluate(nil, snap, txn, deleting)
		} else {
			c.mu.RLock()
			act, holder, err = s.evaluate(c, snap, txn, deleting)
			c.mu.RUnlock()
		}
		if err != nil {
			return err
		}

		switch act {
		case actNotFound:
			return txnerr.ErrNotFound
		case actConflict:
			metrics.TxnConflictCounter.WithLabelValues("serialization_failure").Inc()
			return errors.Annotatef(txnerr.ErrSerializationFailure, "txn %v, key %q", txn.ID(), key)
		case actRetry:
			metrics.TxnConflictCounter.WithLabelValues("retry").Inc()
			snap = txn.RefreshSnapshot()
			continue
		case actWait:
			s.latches.ReleaseLatches(keys)
			latched = false
			if err = s.waitFor(ctx, txn.ID(), holder, key); err != nil {
				return err
			}
			s.latches.WaitForLatches(keys)
			latched = true
			continue
		}

		kind := wal.KindInsert
		switch act {
		case actUpdate:
			kind = wal.KindUpdate
		case actDelete:
			kind = wal.KindDelete
		}
		return s.apply(txn, key, value, kind)
	}
}

// waitFor blocks until holder ends. The waiter is registered before checking
// that holder still runs, so its wake up cannot be missed.
func (s *Store) waitFor(ctx context.Context, self, holder xid.TxnID, key []byte) error {
	w := s.waiter.NewWaiter(self, holder, latches.KeyHash(key))
	if !s.snapMgr.IsRunning(holder) {
		s.waiter.CleanUp(w)
		st, err := s.clog.Status(holder)
		if err != nil {
			return err
		}
		if st == clog.StatusInProgress {
			return errors.Errorf("xid %v holds key %q but is neither running nor ended", holder, key)
		}
		return nil
	}
	log.Debugf("txn %v waits for txn %v on key %q", self, holder, key)
	start := time.Now()
	result := w.Wait(ctx, s.lockWaitTimeout)
	metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	switch result.Position {
	case lockwaiter.WaitTimeout:
		s.waiter.CleanUp(w)
		return errors.Annotatef(txnerr.ErrLockTimeout, "txn %v waited %v for txn %v", self, s.lockWaitTimeout, holder)
	case lockwaiter.WaitCanceled:
		s.waiter.CleanUp(w)
		return errors.Trace(ctx.Err())
	}
	return nil
}

// apply logs the change and applies it. The key's latch is held.
func (s *Store) apply(txn *transaction.Txn, key, value []byte, kind wal.Kind) error {
	rec := &wal.Record{Xid: txn.ID(), Kind: kind, Payload: wal.EncodeRowPayload(key, value)}

	s.redoMu.RLock()
	defer s.redoMu.RUnlock()
	lsn, err := s.wal.Append(rec)
	if err != nil {
		return err
	}
	c := s.getOrCreateChain(key)
	c.mu.Lock()
	err = s.applyLocked(c, rec, value)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	s.markDirty(key)
	txn.RecordLSN(uint64(lsn))
	return nil
}

// redoTarget finds the version an update or delete applies to: the newest one
// not created by an aborted transaction, provided nobody live deleted it.
func (s *Store) redoTarget(c *chain) (int32, error) {
	for i := c.newest; i != nilIndex; i = c.arena[i].prev {
		v := c.at(i)
		aborted, err := s.clog.IsAborted(v.creator)
		if err != nil {
			return nilIndex, err
		}
		if aborted {
			continue
		}
		if !v.deleter.IsValid() {
			return i, nil
		}
		aborted, err = s.clog.IsAborted(v.deleter)
		if err != nil {
			return nilIndex, err
		}
		if aborted {
			return i, nil
		}
		return nilIndex, nil
	}
	return nilIndex, nil
}

func (s *Store) applyLocked(c *chain, rec *wal.Record, value []byte) error {
	switch rec.Kind {
	case wal.KindInsert:
		c.push(rec.Xid, xid.InvalidTxnID, value)
	case wal.KindUpdate, wal.KindDelete:
		target, err := s.redoTarget(c)
		if err != nil {
			return err
		}
		if target == nilIndex {
			return errors.Errorf("%v record of xid %v at %v finds no live version of key %q",
				rec.Kind, rec.Xid, rec.LSN, c.key)
		}
		c.at(target).deleter = rec.Xid
		if rec.Kind == wal.KindUpdate {
			c.push(rec.Xid, xid.InvalidTxnID, value)
		}
	default:
		return errors.Errorf("cannot apply %v record to the heap", rec.Kind)
	}
	c.lastLSN = rec.LSN
	return nil
}

// ApplyRecord redoes a data record. It reports false for records already
// reflected in the chain. Callers hold HoldRedo across the record and any
// status change it implies.
func (s *Store) ApplyRecord(rec *wal.Record) (bool, error) {
	if !rec.Kind.IsData() {
		return false, nil
	}
	key, value, err := wal.DecodeRowPayload(rec.Payload)
	if err != nil {
		return false, err
	}
	keys := [][]byte{key}
	s.latches.WaitForLatches(keys)
	defer s.latches.ReleaseLatches(keys)

	c := s.getOrCreateChain(key)
	c.mu.Lock()
	if rec.LSN <= c.lastLSN {
		c.mu.Unlock()
		return false, nil
	}
	err = s.applyLocked(c, rec, value)
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.markDirty(key)
	return true, nil
}

// HoldRedo keeps the checkpointer from taking its redo point until release is called.
func (s *Store) HoldRedo() (release func()) {
	s.redoMu.RLock()
	return s.redoMu.RUnlock
}

func (s *Store) markDirty(key []byte) {
	s.dirtyMu.Lock()
	s.dirty.ReplaceOrInsert(keyItem(key))
	s.dirtyMu.Unlock()
}

// SwapDirty takes the redo point through redo and hands out the keys changed
// since the previous swap. Every change logged before the redo point is among them.
func (s *Store) SwapDirty(redo func() wal.LSN) (wal.LSN, [][]byte) {
	s.redoMu.Lock()
	lsn := redo()
	s.dirtyMu.Lock()
	old := s.dirty
	s.dirty = btree.New(btreeDegree)
	s.dirtyMu.Unlock()
	s.redoMu.Unlock()

	keys := make([][]byte, 0, old.Len())
	old.Ascend(func(item btree.Item) bool {
		keys = append(keys, []byte(item.(keyItem)))
		return true
	})
	return lsn, keys
}

// RestoreDirty puts back keys a failed checkpoint did not persist.
func (s *Store) RestoreDirty(keys [][]byte) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for _, key := range keys {
		s.dirty.ReplaceOrInsert(keyItem(key))
	}
}

// DirtyCount is the number of keys changed since the last swap.
func (s *Store) DirtyCount() int {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return s.dirty.Len()
}
