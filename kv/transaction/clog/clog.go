// Package clog records the outcome of every transaction.
//
// Statuses decided since startup live in memory. The checkpointer persists them
// into badger, and lookups for older ids go through a ristretto cache in front of
// badger. Ids older than the oldest unfrozen xid are never looked up again and
// are truncated away.
package clog

import (
	"sync"

	"github.com/coocood/badger"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/engine_util"
	"github.com/tinypg/tinypg/log"
)

type Status byte

// see postgres src/include/access/clog.h
const (
	// StatusInProgress is also the answer for ids the log knows nothing about.
	StatusInProgress Status = 0x00
	StatusCommitted  Status = 0x01
	StatusAborted    Status = 0x02
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

type Log struct {
	mu sync.RWMutex
	// hot holds every status decided in this process or by recovery.
	hot map[xid.TxnID]Status
	// pending holds statuses not yet written to badger.
	pending map[xid.TxnID]Status

	db    *badger.DB
	cache *ristretto.Cache[uint64, Status]
}

// New creates a commit log backed by db. A nil db keeps everything in memory.
func New(db *badger.DB, cacheSize int64) (*Log, error) {
	if cacheSize <= 0 {
		cacheSize = 1 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, Status]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Log{
		hot:     make(map[xid.TxnID]Status),
		pending: make(map[xid.TxnID]Status),
		db:      db,
		cache:   cache,
	}, nil
}

func (l *Log) Close() {
	l.cache.Close()
}

// Status returns the recorded outcome of id.
func (l *Log) Status(id xid.TxnID) (Status, error) {
	switch id {
	case xid.InvalidTxnID:
		return StatusAborted, nil
	case xid.BootstrapTxnID, xid.FrozenTxnID:
		return StatusCommitted, nil
	}
	l.mu.RLock()
	st, ok := l.hot[id]
	l.mu.RUnlock()
	if ok {
		return st, nil
	}
	if st, ok := l.cache.Get(uint64(id)); ok {
		return st, nil
	}
	if l.db == nil {
		return StatusInProgress, nil
	}
	val, err := engine_util.GetCF(l.db, engine_util.CfClog, id.Encode())
	if err == badger.ErrKeyNotFound {
		return StatusInProgress, nil
	}
	if err != nil {
		return StatusInProgress, errors.Annotatef(err, "read clog for xid %v", id)
	}
	st = Status(val[0])
	l.cache.Set(uint64(id), st, 1)
	return st, nil
}

func (l *Log) IsCommitted(id xid.TxnID) (bool, error) {
	st, err := l.Status(id)
	return st == StatusCommitted, err
}

func (l *Log) IsAborted(id xid.TxnID) (bool, error) {
	st, err := l.Status(id)
	return st == StatusAborted, err
}

// SetStatus records the outcome of id. Recording the same outcome twice is a
// no-op so replay can run more than once; flipping an outcome is refused.
func (l *Log) SetStatus(id xid.TxnID, st Status) error {
	if !id.IsNormal() {
		return errors.Errorf("cannot set status of special xid %v", id)
	}
	if st == StatusInProgress {
		return errors.Errorf("cannot reset xid %v to in-progress", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.hot[id]; ok {
		if old == st {
			return nil
		}
		return errors.Annotatef(txnerr.ErrInvalidTransactionState, "xid %v already %v", id, old)
	}
	l.hot[id] = st
	l.pending[id] = st
	return nil
}

// CollectPending queues the unpersisted statuses into wb and returns their ids
// for ForgetPending once wb is durable.
func (l *Log) CollectPending(wb *engine_util.WriteBatch) []xid.TxnID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]xid.TxnID, 0, len(l.pending))
	for id, st := range l.pending {
		wb.SetCF(engine_util.CfClog, id.Encode(), []byte{byte(st)})
		ids = append(ids, id)
	}
	return ids
}

func (l *Log) ForgetPending(ids []xid.TxnID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.pending, id)
	}
}

// Truncate drops the statuses of ids preceding before. Callers must have made
// sure no unfrozen reference to those ids remains on disk.
func (l *Log) Truncate(before xid.TxnID) (int, error) {
	if !before.IsNormal() {
		return 0, nil
	}
	l.mu.Lock()
	removed := 0
	for id := range l.hot {
		if id.Precedes(before) {
			if _, ok := l.pending[id]; ok {
				// not persisted yet, keep it until the next checkpoint writes it
				continue
			}
			delete(l.hot, id)
			removed++
		}
	}
	l.mu.Unlock()
	if l.db == nil {
		return removed, nil
	}

	wb := new(engine_util.WriteBatch)
	err := engine_util.ScanCF(l.db, engine_util.CfClog, func(key, _ []byte) (bool, error) {
		id := xid.Decode(key)
		if id.Precedes(before) {
			wb.DeleteCF(engine_util.CfClog, key)
			l.cache.Del(uint64(id))
		}
		return true, nil
	})
	if err != nil {
		return removed, errors.Trace(err)
	}
	if err = wb.WriteToDB(l.db); err != nil {
		return removed, errors.Trace(err)
	}
	if wb.Len() > 0 {
		log.Infof("clog truncated %d persisted entries before xid %v", wb.Len(), before)
	}
	return removed + wb.Len(), nil
}

// Len returns the number of statuses held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hot)
}
