package replication

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
	"go.uber.org/atomic"
)

// Receiver is the follower side of a stream. It stores received records in
// the local log at the positions they have on the primary, then replays them.
type Receiver struct {
	wal     *wal.Manager
	store   *heap.Store
	clog    *clog.Log
	snapMgr *snapshot.Manager
	waiter  *lockwaiter.Manager

	// applied is read without mu by checkpoints, which hold off redo.
	mu      sync.Mutex
	applied *atomic.Uint64
}

// NewReceiver returns a receiver whose local log was replayed up to its end.
func NewReceiver(w *wal.Manager, store *heap.Store, cl *clog.Log, snapMgr *snapshot.Manager,
	waiter *lockwaiter.Manager) *Receiver {
	return &Receiver{
		wal:     w,
		store:   store,
		clog:    cl,
		snapMgr: snapMgr,
		waiter:  waiter,
		applied: atomic.NewUint64(uint64(w.InsertLSN())),
	}
}

// AppliedLSN is the end of the replayed log.
func (r *Receiver) AppliedLSN() wal.LSN {
	return wal.LSN(r.applied.Load())
}

// FlushedLSN is the position a stream resumes from.
func (r *Receiver) FlushedLSN() wal.LSN {
	return r.wal.FlushedLSN()
}

// Receive stores and replays msg and returns the position to acknowledge.
// Records the log already holds are skipped.
func (r *Receiver) Receive(msg *Message) (wal.LSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, data := msg.Start, msg.Data
	insert := r.wal.InsertLSN()
	if msg.End() <= insert {
		return r.wal.FlushedLSN(), nil
	}
	if start < insert {
		data = data[insert-start:]
		start = insert
	}
	recs, err := wal.DecodeRecords(start, data)
	if err != nil {
		return r.wal.FlushedLSN(), errors.Annotatef(err, "received log at %v", start)
	}
	if err = r.wal.AppendRaw(start, data); err != nil {
		return r.wal.FlushedLSN(), err
	}
	end := start + wal.LSN(len(data))
	if err = r.wal.Flush(end - 1); err != nil {
		return r.wal.FlushedLSN(), err
	}

	release := r.store.HoldRedo()
	defer release()
	for _, rec := range recs {
		if err = r.apply(rec); err != nil {
			return r.wal.FlushedLSN(), errors.Annotatef(err, "replay %v record at %v", rec.Kind, rec.LSN)
		}
		r.applied.Store(uint64(rec.End()))
	}
	return r.wal.FlushedLSN(), nil
}

func (r *Receiver) apply(rec *wal.Record) error {
	switch rec.Kind {
	case wal.KindInsert, wal.KindUpdate, wal.KindDelete:
		r.snapMgr.Observe(rec.Xid)
		_, err := r.store.ApplyRecord(rec)
		return err
	case wal.KindCommit:
		return r.finish(rec, clog.StatusCommitted)
	case wal.KindAbort:
		return r.finish(rec, clog.StatusAborted)
	case wal.KindCheckpoint:
		marker, err := wal.DecodeCheckpointMarker(rec.Payload)
		if err != nil {
			return err
		}
		r.snapMgr.ObserveCheckpoint(marker.OldestActiveXid, marker.NextXid)
		log.Debugf("standby passed primary checkpoint at %v: %v", rec.LSN, marker)
		return nil
	}
	return errors.Errorf("unknown record kind %v", rec.Kind)
}

func (r *Receiver) finish(rec *wal.Record, st clog.Status) error {
	if err := r.clog.SetStatus(rec.Xid, st); err != nil {
		return err
	}
	r.snapMgr.End(rec.Xid)
	r.waiter.WakeUp(rec.Xid)
	return nil
}
