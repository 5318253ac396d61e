// Package wal implements the write-ahead log.
//
// Records are appended into an in-memory buffer and become durable when a
// Flush covering them returns. Concurrent flushers queue on one lock: whoever
// gets it writes out everything buffered so far, so the others usually find
// their records already durable and return without touching the medium.
package wal

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/log"
	"go.uber.org/atomic"
)

// HeaderSize is the size of the header written at offset 0 of a new log.
const HeaderSize = 16

var fileMagic = [8]byte{'T', 'P', 'G', 'W', 'A', 'L', 0, 1}

// SyncWaiter blocks a commit until synchronous standbys confirmed its record.
type SyncWaiter interface {
	WaitForLSN(ctx context.Context, lsn LSN) error
}

type Manager struct {
	storage Storage

	// mu guards the insert position and the buffer. bufStart+len(buf) == insertLSN.
	mu        sync.Mutex
	insertLSN LSN
	buf       []byte
	bufStart  LSN

	// flushMu serialises writers to the storage.
	flushMu sync.Mutex
	flushed *atomic.Uint64
	failed  *atomic.Bool

	notifyMu sync.Mutex
	notify   chan struct{}

	waiterMu sync.RWMutex
	waiter   SyncWaiter
}

// NewManager opens a log over storage. A new log gets a header so the first
// record lands at a nonzero LSN.
func NewManager(storage Storage) (*Manager, error) {
	m := &Manager{
		storage: storage,
		flushed: atomic.NewUint64(0),
		failed:  atomic.NewBool(false),
		notify:  make(chan struct{}),
	}
	_, end := storage.Bounds()
	if end == 0 {
		var hdr [HeaderSize]byte
		copy(hdr[:], fileMagic[:])
		if _, err := storage.Append(hdr[:]); err != nil {
			return nil, errors.Trace(err)
		}
		end = HeaderSize
	}
	if err := storage.Flush(end); err != nil {
		return nil, errors.Trace(err)
	}
	m.insertLSN = LSN(end)
	m.bufStart = LSN(end)
	m.flushed.Store(uint64(end))
	return m, nil
}

func (m *Manager) SetSyncWaiter(w SyncWaiter) {
	m.waiterMu.Lock()
	m.waiter = w
	m.waiterMu.Unlock()
}

func (m *Manager) syncWaiter() SyncWaiter {
	m.waiterMu.RLock()
	defer m.waiterMu.RUnlock()
	return m.waiter
}

// Append buffers rec and assigns its LSN. The record is not durable yet.
func (m *Manager) Append(rec *Record) (LSN, error) {
	if m.failed.Load() {
		return InvalidLSN, errors.Annotate(txnerr.ErrDurabilityFailure, "log refuses appends after a failed flush")
	}
	m.mu.Lock()
	rec.LSN = m.insertLSN
	data := rec.Encode()
	m.buf = append(m.buf, data...)
	m.insertLSN += LSN(len(data))
	m.mu.Unlock()

	metrics.WALAppendCounter.WithLabelValues(rec.Kind.String()).Inc()
	metrics.WALBytesCounter.Add(float64(len(data)))
	return rec.LSN, nil
}

// AppendRaw appends records received from a primary at the position they had
// there. A log holding nothing but its header is rebased onto lsn.
func (m *Manager) AppendRaw(lsn LSN, data []byte) error {
	if m.failed.Load() {
		return errors.Annotate(txnerr.ErrDurabilityFailure, "log refuses appends after a failed flush")
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn != m.insertLSN {
		first, _ := m.storage.Bounds()
		if !(first == 0 && m.insertLSN == HeaderSize && len(m.buf) == 0) {
			return errors.Errorf("wal: raw append at %v but log ends at %v", lsn, m.insertLSN)
		}
		if err := m.storage.Reset(int64(lsn)); err != nil {
			return errors.Trace(err)
		}
		log.Infof("wal rebased to %v to follow the primary", lsn)
		m.insertLSN = lsn
		m.bufStart = lsn
		m.flushed.Store(uint64(lsn))
	}
	m.buf = append(m.buf, data...)
	m.insertLSN += LSN(len(data))
	metrics.WALBytesCounter.Add(float64(len(data)))
	return nil
}

// Flush makes every record starting at or before upto durable.
func (m *Manager) Flush(upto LSN) error {
	if m.failed.Load() {
		return errors.Annotate(txnerr.ErrDurabilityFailure, "log flush failed earlier")
	}
	if LSN(m.flushed.Load()) > upto {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.failed.Load() {
		return errors.Annotate(txnerr.ErrDurabilityFailure, "log flush failed earlier")
	}
	if LSN(m.flushed.Load()) > upto {
		return nil
	}

	m.mu.Lock()
	data, start, end := m.buf, m.bufStart, m.insertLSN
	m.buf = make([]byte, 0, len(data))
	m.bufStart = end
	m.mu.Unlock()
	if len(data) == 0 && uint64(end) == m.flushed.Load() {
		return nil
	}

	begin := time.Now()
	if len(data) > 0 {
		off, err := m.storage.Append(data)
		if err != nil {
			return m.fail(err)
		}
		if LSN(off) != start {
			return m.fail(errors.Errorf("storage placed %d bytes at %d, expected %v", len(data), off, start))
		}
	}
	if err := m.storage.Flush(int64(end)); err != nil {
		return m.fail(err)
	}
	metrics.WALFlushDuration.Observe(time.Since(begin).Seconds())
	metrics.WALFlushBatchBytes.Observe(float64(len(data)))
	m.flushed.Store(uint64(end))
	m.broadcast()
	return nil
}

// FlushAll flushes everything appended so far.
func (m *Manager) FlushAll() error {
	return m.Flush(m.InsertLSN())
}

func (m *Manager) fail(err error) error {
	m.failed.Store(true)
	log.Errorf("wal flush failed, log is now read-only: %v", err)
	m.broadcast()
	return errors.Annotatef(txnerr.ErrDurabilityFailure, "%v", err)
}

func (m *Manager) broadcast() {
	m.notifyMu.Lock()
	close(m.notify)
	m.notify = make(chan struct{})
	m.notifyMu.Unlock()
}

// Failed reports whether a flush failed. The log then refuses appends.
func (m *Manager) Failed() bool {
	return m.failed.Load()
}

// Commit appends the commit record of id, flushes it and waits for the
// synchronous standbys. On ErrReplicationStall the commit is durable locally.
func (m *Manager) Commit(ctx context.Context, id xid.TxnID) (LSN, error) {
	lsn, err := m.CommitLocal(id)
	if err != nil {
		return lsn, err
	}
	return lsn, m.WaitSync(ctx, lsn)
}

// CommitLocal appends the commit record of id and makes it durable locally.
func (m *Manager) CommitLocal(id xid.TxnID) (LSN, error) {
	lsn, err := m.Append(&Record{Kind: KindCommit, Xid: id})
	if err != nil {
		return InvalidLSN, err
	}
	return lsn, m.Flush(lsn)
}

// WaitSync blocks until the synchronous standbys confirmed the record at lsn.
// It returns at once when no waiter is installed.
func (m *Manager) WaitSync(ctx context.Context, lsn LSN) error {
	w := m.syncWaiter()
	if w == nil {
		return nil
	}
	start := time.Now()
	err := w.WaitForLSN(ctx, lsn)
	metrics.SyncWaitDuration.Observe(time.Since(start).Seconds())
	return err
}

// Abort appends the abort record of id. Nobody waits for it to be durable:
// a transaction without a commit record is aborted by recovery anyway.
func (m *Manager) Abort(id xid.TxnID) (LSN, error) {
	return m.Append(&Record{Kind: KindAbort, Xid: id})
}

// InsertLSN is where the next record will be placed.
func (m *Manager) InsertLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLSN
}

// FlushedLSN is the end of the durable prefix of the log.
func (m *Manager) FlushedLSN() LSN {
	return LSN(m.flushed.Load())
}

// FirstLSN is the oldest retained position.
func (m *Manager) FirstLSN() LSN {
	first, _ := m.storage.Bounds()
	return LSN(first)
}

// StartLSN is where the first record of the log may be read from.
func (m *Manager) StartLSN() LSN {
	first := m.FirstLSN()
	if first < HeaderSize {
		return HeaderSize
	}
	return first
}

// WaitForFlush blocks until the durable prefix extends past after and returns its end.
func (m *Manager) WaitForFlush(ctx context.Context, after LSN) (LSN, error) {
	for {
		m.notifyMu.Lock()
		ch := m.notify
		m.notifyMu.Unlock()
		if f := m.FlushedLSN(); f > after {
			return f, nil
		}
		if m.failed.Load() {
			return m.FlushedLSN(), errors.Annotate(txnerr.ErrDurabilityFailure, "log flush failed")
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return m.FlushedLSN(), ctx.Err()
		}
	}
}

// ReadRaw returns the durable bytes in [start, end).
func (m *Manager) ReadRaw(start, end LSN) ([]byte, error) {
	if end > m.FlushedLSN() {
		return nil, ErrUnavailable
	}
	return m.storage.ReadRange(int64(start), int64(end))
}

// ReadRecord reads the durable record at lsn.
func (m *Manager) ReadRecord(lsn LSN) (*Record, error) {
	limit := m.FlushedLSN()
	if lsn+RecordHeaderSize > limit {
		return nil, ErrShortRecord
	}
	hdr, err := m.storage.ReadRange(int64(lsn), int64(lsn+RecordHeaderSize))
	if err != nil {
		return nil, err
	}
	n, err := recordLength(hdr)
	if err != nil {
		return nil, err
	}
	if lsn+LSN(n) > limit {
		return nil, ErrShortRecord
	}
	data, err := m.storage.ReadRange(int64(lsn), int64(lsn)+int64(n))
	if err != nil {
		return nil, err
	}
	rec, _, err := DecodeRecord(lsn, data)
	return rec, err
}

// ResetTail discards everything from end on. Recovery calls it when the log
// ends with a torn or corrupt record.
func (m *Manager) ResetTail(end LSN) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.storage.Cut(int64(end)); err != nil {
		return errors.Trace(err)
	}
	m.insertLSN = end
	m.bufStart = end
	m.buf = m.buf[:0]
	m.flushed.Store(uint64(end))
	return nil
}

// Truncate lets the storage recycle everything before before.
func (m *Manager) Truncate(before LSN) error {
	if before > m.FlushedLSN() {
		before = m.FlushedLSN()
	}
	return errors.Trace(m.storage.Truncate(int64(before)))
}

// Close flushes what is buffered and closes the storage.
func (m *Manager) Close() error {
	if !m.failed.Load() {
		if err := m.FlushAll(); err != nil {
			log.Warnf("wal final flush: %v", err)
		}
	}
	return errors.Trace(m.storage.Close())
}

// IsHeader reports whether data starts with a log header.
func IsHeader(data []byte) bool {
	return len(data) >= HeaderSize && binary.BigEndian.Uint64(data[:8]) == binary.BigEndian.Uint64(fileMagic[:])
}
