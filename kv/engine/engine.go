// Package engine assembles the storage engine and exposes the transaction
// operations: Begin, CaptureSnapshot, Read, Write, Delete, Commit and Abort.
//
// A standby engine replays the log it receives from its primary and serves
// read-only transactions.
package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/checkpoint"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/replication"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/engine_util"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
	"go.uber.org/atomic"
)

type Engine struct {
	cfg        *config.Config
	standby    bool
	defaultIso transaction.Isolation

	db      *badger.DB
	alloc   *xid.Allocator
	clog    *clog.Log
	snapMgr *snapshot.Manager
	waiter  *lockwaiter.Manager
	wal     *wal.Manager
	writer  *wal.Writer
	store   *heap.Store

	cp     *checkpoint.Checkpointer
	runner *checkpoint.Runner

	// repl is set on a primary, recv on a standby.
	repl *replication.Manager
	recv *replication.Receiver

	closed *atomic.Bool
}

// Open opens or creates the engine in cfg.DBPath and recovers it to the end
// of its log.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	iso, err := transaction.ParseIsolation(cfg.DefaultIsolation)
	if err != nil {
		return nil, err
	}
	db, err := engine_util.CreateDB(filepath.Join(cfg.DBPath, "db"))
	if err != nil {
		return nil, err
	}
	storage, err := wal.OpenFileStorage(filepath.Join(cfg.DBPath, "wal"), int64(cfg.WALSegmentSize))
	if err != nil {
		db.Close()
		return nil, err
	}
	e, err := newEngine(cfg, iso, db, storage)
	if err != nil {
		storage.Close()
		db.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(cfg *config.Config, iso transaction.Isolation, db *badger.DB, storage wal.Storage) (*Engine, error) {
	ctrl, err := checkpoint.LoadControl(db)
	if err != nil {
		return nil, err
	}
	next, oldest := xid.FirstNormalTxnID, xid.FirstNormalTxnID
	if ctrl != nil {
		log.Infof("last checkpoint: %v", ctrl)
		next, oldest = ctrl.Marker.NextXid, ctrl.Marker.OldestFrozenXid
	}
	cl, err := clog.New(db, int64(cfg.ClogCacheSize))
	if err != nil {
		return nil, err
	}
	w, err := wal.NewManager(storage)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		standby:    cfg.Standby,
		defaultIso: iso,
		db:         db,
		alloc:      xid.NewAllocator(next, oldest, cfg.XidWarnLimit, cfg.XidStopLimit),
		clog:       cl,
		waiter:     lockwaiter.NewManager(),
		wal:        w,
		closed:     atomic.NewBool(false),
	}
	e.snapMgr = snapshot.NewManager(e.alloc, cl)
	e.store = heap.NewStore(e.snapMgr, cl, w, e.waiter)
	e.store.SetLockWaitTimeout(cfg.LockWaitTimeout.Duration)

	if ctrl != nil {
		n, err := e.store.LoadImages(db)
		if err != nil {
			return nil, err
		}
		log.Infof("loaded %d chain images", n)
	}
	if err = e.recover(ctrl); err != nil {
		return nil, errors.Annotate(err, "recovery")
	}

	e.cp = checkpoint.NewCheckpointer(cfg, db, e.store, w, cl, e.alloc, e.snapMgr)
	if e.standby {
		e.recv = replication.NewReceiver(w, e.store, cl, e.snapMgr, e.waiter)
		e.cp.SetRedoSource(e.recv.AppliedLSN)
	} else {
		e.repl = replication.NewManager(w)
		e.cp.SetRetention(e.repl)
		w.SetSyncWaiter(e.repl)
	}
	e.writer = wal.NewWriter(w, cfg.WALWriterDelay.Duration)
	e.writer.Start()
	e.runner = checkpoint.NewRunner(e.cp)
	e.runner.Start()
	metrics.XidAgeGauge.Set(float64(e.alloc.Age()))
	log.Infof("engine open in %s as %s, log ends at %v, next xid %v", cfg.DBPath, e.Role(), w.InsertLSN(), e.alloc.ReadNext())
	return e, nil
}

func (e *Engine) Role() string {
	if e.standby {
		return "standby"
	}
	return "primary"
}

func (e *Engine) DefaultIsolation() transaction.Isolation {
	return e.defaultIso
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errors.Annotate(txnerr.ErrInvalidTransactionState, "engine is closed")
	}
	return nil
}

// Begin starts a transaction. On a standby the transaction is read-only and
// has no id.
func (e *Engine) Begin(iso transaction.Isolation) (*transaction.Txn, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if e.standby {
		return transaction.NewTxn(xid.InvalidTxnID, iso, e.snapMgr), nil
	}
	id, err := e.snapMgr.Begin()
	if err != nil {
		return nil, err
	}
	return transaction.NewTxn(id, iso, e.snapMgr), nil
}

// CaptureSnapshot returns the snapshot the next statement of txn runs with.
// With a nil txn it captures a standalone snapshot the caller must Release.
func (e *Engine) CaptureSnapshot(txn *transaction.Txn) (*snapshot.Snapshot, error) {
	if txn == nil {
		return e.snapMgr.Capture(xid.InvalidTxnID), nil
	}
	if err := txn.CheckActive(); err != nil {
		return nil, err
	}
	return txn.StatementSnapshot(), nil
}

// Read returns the newest version of key visible in snap.
func (e *Engine) Read(key []byte, snap *snapshot.Snapshot) ([]byte, error) {
	return e.store.Read(key, snap)
}

// Get reads key with the next statement snapshot of txn.
func (e *Engine) Get(txn *transaction.Txn, key []byte) ([]byte, error) {
	snap, err := e.CaptureSnapshot(txn)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		defer snap.Release()
	}
	return e.store.Read(key, snap)
}

// Scan reads the visible rows in [start, end) in key order. A nil end means
// no upper bound, a limit of 0 no limit.
func (e *Engine) Scan(txn *transaction.Txn, start, end []byte, limit int) ([]heap.KvPair, error) {
	snap, err := e.CaptureSnapshot(txn)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		defer snap.Release()
	}
	return e.store.Scan(start, end, snap, limit)
}

func (e *Engine) checkWritable(txn *transaction.Txn) error {
	if e.standby {
		return txnerr.ErrReadOnly
	}
	return txn.CheckActive()
}

func (e *Engine) Write(ctx context.Context, txn *transaction.Txn, key, value []byte) error {
	if err := e.checkWritable(txn); err != nil {
		return err
	}
	return e.store.Write(ctx, txn, key, value)
}

func (e *Engine) Delete(ctx context.Context, txn *transaction.Txn, key []byte) error {
	if err := e.checkWritable(txn); err != nil {
		return err
	}
	return e.store.Delete(ctx, txn, key)
}

// Commit makes txn durable and then visible. With synchronous standbys it
// waits for them; if ctx ends first the commit is durable but the error is
// ErrReplicationStall. A rejected flush aborts txn with ErrDurabilityFailure.
func (e *Engine) Commit(ctx context.Context, txn *transaction.Txn) error {
	if err := txn.BeginEnd(true); err != nil {
		return err
	}
	if !txn.HasWrites() {
		e.finish(txn, true)
		return nil
	}

	release := e.store.HoldRedo()
	lsn, err := e.wal.CommitLocal(txn.ID())
	if err != nil {
		if serr := e.clog.SetStatus(txn.ID(), clog.StatusAborted); serr != nil {
			log.Errorf("mark txn %v aborted after failed commit: %v", txn.ID(), serr)
		}
		release()
		e.finish(txn, false)
		return err
	}
	err = e.clog.SetStatus(txn.ID(), clog.StatusCommitted)
	release()
	if err != nil {
		// Recovery replays the commit record. Until then the rows stay invisible.
		e.finish(txn, false)
		return errors.Annotatef(err, "commit txn %v", txn.ID())
	}

	err = e.wal.WaitSync(ctx, lsn)
	e.finish(txn, true)
	return err
}

// Abort rolls txn back. Nothing it wrote becomes visible.
func (e *Engine) Abort(txn *transaction.Txn) error {
	if err := txn.BeginEnd(false); err != nil {
		return err
	}
	if txn.HasWrites() {
		release := e.store.HoldRedo()
		if _, err := e.wal.Abort(txn.ID()); err != nil {
			log.Warnf("abort record of txn %v not logged: %v", txn.ID(), err)
		}
		err := e.clog.SetStatus(txn.ID(), clog.StatusAborted)
		release()
		if err != nil {
			return errors.Annotatef(err, "abort txn %v", txn.ID())
		}
	}
	e.finish(txn, false)
	return nil
}

func (e *Engine) finish(txn *transaction.Txn, committed bool) {
	txn.Finish(committed)
	if txn.ID().IsValid() {
		e.snapMgr.End(txn.ID())
		e.waiter.WakeUp(txn.ID())
	}
	if committed {
		metrics.TxnCounter.WithLabelValues("commit").Inc()
	} else {
		metrics.TxnCounter.WithLabelValues("abort").Inc()
	}
}

// Checkpoint runs a checkpoint now and waits for it.
func (e *Engine) Checkpoint() (*checkpoint.Result, error) {
	return e.runner.Checkpoint(checkpoint.TriggerManual)
}

// Vacuum reclaims dead versions. With freeze every id behind the horizon is frozen.
func (e *Engine) Vacuum(freeze bool) (heap.VacuumStats, error) {
	return e.runner.Vacuum(freeze)
}

// Replication returns the slot manager of a primary, nil on a standby.
func (e *Engine) Replication() *replication.Manager {
	return e.repl
}

// Receiver returns the stream receiver of a standby, nil on a primary.
func (e *Engine) Receiver() *replication.Receiver {
	return e.recv
}

type Status struct {
	Role            string                 `json:"role"`
	InsertLSN       wal.LSN                `json:"insert_lsn"`
	FlushedLSN      wal.LSN                `json:"flushed_lsn"`
	AppliedLSN      wal.LSN                `json:"applied_lsn,omitempty"`
	FirstLSN        wal.LSN                `json:"first_lsn"`
	NextXid         xid.TxnID              `json:"next_xid"`
	OldestXid       xid.TxnID              `json:"oldest_xid"`
	XidAge          uint32                 `json:"xid_age"`
	GlobalXmin      xid.TxnID              `json:"global_xmin"`
	Running         int                    `json:"running"`
	Snapshots       int                    `json:"snapshots"`
	Chains          int                    `json:"chains"`
	DirtyChains     int                    `json:"dirty_chains"`
	CheckpointState string                 `json:"checkpoint_state"`
	LastCheckpoint  *checkpoint.Result     `json:"last_checkpoint,omitempty"`
	LastVacuum      *heap.VacuumStats      `json:"last_vacuum,omitempty"`
	Slots           []replication.SlotInfo `json:"slots,omitempty"`
	WALFailed       bool                   `json:"wal_failed"`
}

func (e *Engine) Status() *Status {
	s := &Status{
		Role:            e.Role(),
		InsertLSN:       e.wal.InsertLSN(),
		FlushedLSN:      e.wal.FlushedLSN(),
		FirstLSN:        e.wal.FirstLSN(),
		NextXid:         e.alloc.ReadNext(),
		OldestXid:       e.alloc.OldestXid(),
		XidAge:          e.alloc.Age(),
		GlobalXmin:      e.snapMgr.GlobalXmin(),
		Running:         len(e.snapMgr.Running()),
		Snapshots:       e.snapMgr.RegisteredSnapshots(),
		Chains:          e.store.Len(),
		DirtyChains:     e.store.DirtyCount(),
		CheckpointState: e.cp.State().String(),
		LastCheckpoint:  e.cp.Last(),
		LastVacuum:      e.cp.LastVacuum(),
		WALFailed:       e.wal.Failed(),
	}
	if e.recv != nil {
		s.AppliedLSN = e.recv.AppliedLSN()
	}
	if e.repl != nil {
		s.Slots = e.repl.Slots()
	}
	return s
}

// Close takes a shutdown checkpoint and closes the log and the database.
func (e *Engine) Close() error {
	return e.close(true)
}

// CloseImmediate closes without a shutdown checkpoint. Transactions still
// running are aborted by recovery when the engine is opened again.
func (e *Engine) CloseImmediate() error {
	return e.close(false)
}

func (e *Engine) close(final bool) error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	start := time.Now()
	var err error
	if final {
		if err = e.runner.Stop(); err != nil {
			log.Errorf("shutdown checkpoint: %v", err)
		}
	} else {
		e.runner.Halt()
	}
	e.writer.Stop()
	if werr := e.wal.Close(); werr != nil && err == nil {
		err = werr
	}
	e.clog.Close()
	if derr := e.db.Close(); derr != nil && err == nil {
		err = errors.Trace(derr)
	}
	log.Infof("engine closed in %v", time.Since(start))
	return err
}
