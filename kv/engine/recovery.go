package engine

import (
	"io"
	"time"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/checkpoint"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
)

type recoveryStats struct {
	redo      wal.LSN
	end       wal.LSN
	records   int
	redone    int
	committed int
	aborted   int
	// undecided are the transactions recovery aborted.
	undecided []xid.TxnID
}

// recover replays the log from the redo point of the last checkpoint.
//
// Pass 1 reads to the end of the usable log and collects the outcome of every
// transaction. On a primary, transactions without an outcome crashed and are
// aborted. On a standby they may still be running on the primary. Pass 2 then
// redoes the data records: committed ones on a primary, all of them on a
// standby. Records already in a chain image are skipped by the store.
func (e *Engine) recover(ctrl *checkpoint.Control) error {
	start := time.Now()
	st := &recoveryStats{redo: e.wal.StartLSN()}
	if ctrl != nil {
		st.redo = ctrl.Marker.RedoLSN
	}

	writers, err := e.scanOutcomes(st)
	if err != nil {
		return err
	}
	if e.standby {
		err = e.restoreRunning(ctrl)
	} else {
		err = e.abortUndecided(ctrl, writers, st)
	}
	if err != nil {
		return err
	}
	if err = e.redo(st); err != nil {
		return err
	}
	log.Infof("recovery from %v to %v done in %v: %d records, %d redone, %d committed, %d aborted, %d crashed",
		st.redo, st.end, time.Since(start), st.records, st.redone, st.committed, st.aborted, len(st.undecided))
	return nil
}

// scanOutcomes is pass 1. It returns the transactions that wrote data records.
func (e *Engine) scanOutcomes(st *recoveryStats) (map[xid.TxnID]struct{}, error) {
	writers := make(map[xid.TxnID]struct{})
	var newest xid.TxnID
	r := e.wal.NewReader(st.redo)
	for {
		rec, err := r.Next()
		if err != nil {
			if !wal.IsEndOfLog(err) {
				return nil, errors.Annotatef(err, "read log at %v", r.Position())
			}
			if errors.Cause(err) != io.EOF {
				log.Warnf("log ends with a damaged record at %v, discarding the rest: %v", r.Position(), err)
				if err = e.wal.ResetTail(r.Position()); err != nil {
					return nil, err
				}
			}
			break
		}
		st.records++
		if rec.Xid.IsNormal() && (!newest.IsValid() || rec.Xid.Follows(newest)) {
			newest = rec.Xid
		}
		switch rec.Kind {
		case wal.KindCommit:
			err = e.clog.SetStatus(rec.Xid, clog.StatusCommitted)
			st.committed++
		case wal.KindAbort:
			err = e.clog.SetStatus(rec.Xid, clog.StatusAborted)
			st.aborted++
		default:
			if rec.Kind.IsData() {
				writers[rec.Xid] = struct{}{}
			}
		}
		if err != nil {
			return nil, errors.Annotatef(err, "%v record at %v", rec.Kind, rec.LSN)
		}
	}
	st.end = r.Position()
	if newest.IsValid() {
		e.alloc.AdvancePast(newest)
	}
	return writers, nil
}

// abortUndecided marks every transaction that may have written something but
// has no outcome as aborted and logs that, so standbys learn it too. Besides
// the writers seen in the log these are the ids running at the checkpoint,
// whose records may precede the redo point.
func (e *Engine) abortUndecided(ctrl *checkpoint.Control, writers map[xid.TxnID]struct{}, st *recoveryStats) error {
	candidates := writers
	if ctrl != nil {
		next := e.alloc.ReadNext()
		for id := ctrl.Marker.OldestActiveXid; id.IsNormal() && id.Precedes(ctrl.Marker.NextXid) && id.Precedes(next); id = id.Next() {
			candidates[id] = struct{}{}
		}
	}
	for id := range candidates {
		status, err := e.clog.Status(id)
		if err != nil {
			return err
		}
		if status != clog.StatusInProgress {
			continue
		}
		if _, err = e.wal.Abort(id); err != nil {
			return err
		}
		if err = e.clog.SetStatus(id, clog.StatusAborted); err != nil {
			return err
		}
		st.undecided = append(st.undecided, id)
	}
	if len(st.undecided) > 0 {
		log.Warnf("recovery aborted %d transactions without an outcome", len(st.undecided))
		return e.wal.FlushAll()
	}
	return nil
}

// restoreRunning takes every id without an outcome since the oldest one
// running at the checkpoint as still running on the primary.
func (e *Engine) restoreRunning(ctrl *checkpoint.Control) error {
	from := xid.FirstNormalTxnID
	if ctrl != nil {
		from = ctrl.Marker.OldestActiveXid
	}
	next := e.alloc.ReadNext()
	for id := from; id.IsNormal() && id.Precedes(next); id = id.Next() {
		status, err := e.clog.Status(id)
		if err != nil {
			return err
		}
		if status == clog.StatusInProgress {
			e.snapMgr.Observe(id)
		}
	}
	return nil
}

// redo is pass 2.
func (e *Engine) redo(st *recoveryStats) error {
	release := e.store.HoldRedo()
	defer release()
	r := e.wal.NewReader(st.redo)
	for r.Position() < st.end {
		rec, err := r.Next()
		if err != nil {
			return errors.Annotatef(err, "read log at %v", r.Position())
		}
		if e.standby && rec.Kind == wal.KindCheckpoint {
			marker, err := wal.DecodeCheckpointMarker(rec.Payload)
			if err != nil {
				return err
			}
			e.snapMgr.ObserveCheckpoint(marker.OldestActiveXid, marker.NextXid)
			continue
		}
		if !rec.Kind.IsData() {
			continue
		}
		if e.standby {
			e.snapMgr.Observe(rec.Xid)
		} else {
			committed, err := e.clog.IsCommitted(rec.Xid)
			if err != nil {
				return err
			}
			if !committed {
				continue
			}
		}
		applied, err := e.store.ApplyRecord(rec)
		if err != nil {
			return errors.Annotatef(err, "redo %v record at %v", rec.Kind, rec.LSN)
		}
		if applied {
			st.redone++
		}
	}
	return nil
}
