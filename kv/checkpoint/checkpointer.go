// Package checkpoint persists the version store so the log before the redo
// point can be recycled, and reclaims versions nobody can see any more.
//
// A checkpoint takes the redo point and the dirty chain set in one step that
// waits for in-flight changes, writes the chains and the commit log entries
// decided so far into badger, then logs a checkpoint record and points the
// control record at it. Recovery replays the log from the redo point over the
// images, and redo skips what an image already holds.
package checkpoint

import (
	"sync"
	"time"

	"github.com/coocood/badger"
	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/metrics"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/engine_util"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
)

const (
	flushBatchChains = 256
	flushBatchBytes  = 4 << 20
)

// Retention reports the oldest log position a replication slot still needs,
// or wal.InvalidLSN when none.
type Retention interface {
	MinRestartLSN() wal.LSN
}

type Result struct {
	Trigger       Trigger              `json:"trigger"`
	Marker        wal.CheckpointMarker `json:"marker"`
	CheckpointLSN wal.LSN              `json:"checkpoint_lsn"`
	Chains        int                  `json:"chains"`
	ClogEntries   int                  `json:"clog_entries"`
	Start         time.Time            `json:"start"`
	Duration      time.Duration        `json:"duration"`
}

type Checkpointer struct {
	cfg     *config.Config
	db      *badger.DB
	heap    *heap.Store
	wal     *wal.Manager
	clog    *clog.Log
	alloc   *xid.Allocator
	snapMgr *snapshot.Manager

	redoSource func() wal.LSN
	retention  Retention

	// runMu serialises checkpoints and vacuums.
	runMu sync.Mutex

	hurry     chan struct{}
	hurryOnce sync.Once

	mu         sync.Mutex
	machine    Machine
	last       *Result
	lastVacuum *heap.VacuumStats
	lastTime   time.Time
	lastRedo   wal.LSN
}

func NewCheckpointer(cfg *config.Config, db *badger.DB, store *heap.Store, w *wal.Manager, cl *clog.Log,
	alloc *xid.Allocator, snapMgr *snapshot.Manager) *Checkpointer {
	return &Checkpointer{
		cfg:      cfg,
		db:       db,
		heap:     store,
		wal:      w,
		clog:     cl,
		alloc:    alloc,
		snapMgr:  snapMgr,
		hurry:    make(chan struct{}),
		lastTime: time.Now(),
		lastRedo: w.InsertLSN(),
	}
}

// SetRedoSource makes checkpoints take their redo point from f and log no
// record. A standby uses the end of the log it has applied.
func (c *Checkpointer) SetRedoSource(f func() wal.LSN) {
	c.redoSource = f
}

func (c *Checkpointer) SetRetention(r Retention) {
	c.retention = r
}

// Hurry makes a spread checkpoint in progress, and every later one, write
// at full speed.
func (c *Checkpointer) Hurry() {
	c.hurryOnce.Do(func() { close(c.hurry) })
}

func (c *Checkpointer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Last returns the latest completed checkpoint, nil if none completed since startup.
func (c *Checkpointer) Last() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Checkpointer) LastVacuum() *heap.VacuumStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastVacuum
}

func (c *Checkpointer) step(f func(m *Machine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(&c.machine)
}

// Due reports whether a checkpoint should start at now, and why.
func (c *Checkpointer) Due(now time.Time) (Trigger, bool) {
	c.mu.Lock()
	lastTime, lastRedo := c.lastTime, c.lastRedo
	c.mu.Unlock()
	if limit := uint64(c.cfg.MaxWALSize); limit > 0 && uint64(c.wal.InsertLSN()-lastRedo) >= limit {
		return TriggerSize, true
	}
	if now.Sub(lastTime) >= c.cfg.CheckpointTimeout.Duration {
		return TriggerTime, true
	}
	return 0, false
}

func (c *Checkpointer) redoPoint() wal.LSN {
	if c.redoSource != nil {
		return c.redoSource()
	}
	return c.wal.InsertLSN()
}

// Run performs one checkpoint. A failed checkpoint leaves the previous one in
// place, and the next run writes everything again.
func (c *Checkpointer) Run(trigger Trigger) (*Result, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	res := &Result{Trigger: trigger, Start: time.Now()}
	if err := c.step(func(m *Machine) error { return m.Start(trigger) }); err != nil {
		return nil, err
	}

	// Collecting
	marker := wal.CheckpointMarker{OldestFrozenXid: c.alloc.OldestXid()}
	redo, keys := c.heap.SwapDirty(func() wal.LSN {
		marker.NextXid = c.alloc.ReadNext()
		marker.OldestActiveXid = c.snapMgr.OldestRunning()
		return c.redoPoint()
	})
	marker.RedoLSN = redo
	res.Marker = marker
	if err := c.step(func(m *Machine) error { return m.Collected(marker, keys) }); err != nil {
		c.heap.RestoreDirty(keys)
		return nil, c.fail(trigger, err)
	}

	// Flushing
	clogEntries, err := c.flush(keys, redo, c.pace(trigger, len(keys)))
	if err != nil {
		return nil, c.fail(trigger, err)
	}
	res.Chains, res.ClogEntries = len(keys), clogEntries
	if err = c.step(func(m *Machine) error { return m.Flushed() }); err != nil {
		return nil, c.fail(trigger, err)
	}

	// Marking
	if res.CheckpointLSN, err = c.mark(&marker); err != nil {
		return nil, c.fail(trigger, err)
	}
	if err = c.step(func(m *Machine) error { return m.Marked() }); err != nil {
		return nil, c.fail(trigger, err)
	}

	res.Duration = time.Since(res.Start)
	c.mu.Lock()
	c.last = res
	c.lastTime = res.Start
	c.lastRedo = redo
	c.mu.Unlock()
	metrics.CheckpointCounter.WithLabelValues(trigger.String(), "ok").Inc()
	metrics.CheckpointDuration.Observe(res.Duration.Seconds())
	log.Infof("checkpoint complete: trigger %v, %d chains, %d clog entries, %v, took %v",
		trigger, res.Chains, res.ClogEntries, &marker, res.Duration)
	return res, nil
}

func (c *Checkpointer) fail(trigger Trigger, err error) error {
	c.mu.Lock()
	keys := c.machine.Abandon()
	c.mu.Unlock()
	c.heap.RestoreDirty(keys)
	metrics.CheckpointCounter.WithLabelValues(trigger.String(), "failed").Inc()
	log.Errorf("checkpoint (%v) failed, %d chains stay dirty: %v", trigger, len(keys), err)
	return err
}

// pace returns the bucket spreading the chains of a checkpoint over the
// completion target of the time until the next one is due, or nil for full
// speed. A size checkpoint expects the next one after as long as the log took
// to grow since the previous one.
func (c *Checkpointer) pace(trigger Trigger, chains int) *ratelimit.Bucket {
	if trigger.Immediate() || chains < 2 {
		return nil
	}
	interval := c.cfg.CheckpointTimeout.Duration
	if trigger == TriggerSize {
		c.mu.Lock()
		since := time.Since(c.lastTime)
		c.mu.Unlock()
		if since < interval {
			interval = since
		}
	}
	spread := c.cfg.CheckpointCompletionTarget * interval.Seconds()
	if spread <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(chains)/spread, 1)
}

// behind reports whether the log grew past the completion target of the
// size limit since redo, so the checkpoint has to catch up.
func (c *Checkpointer) behind(redo wal.LSN) bool {
	limit := c.cfg.CheckpointCompletionTarget * float64(c.cfg.MaxWALSize)
	return limit > 0 && float64(c.wal.InsertLSN()-redo) >= limit
}

// wait holds back the next chain as bucket says. It reports false once the
// checkpoint should stop pacing.
func (c *Checkpointer) wait(bucket *ratelimit.Bucket, redo wal.LSN) bool {
	select {
	case <-c.hurry:
		return false
	default:
	}
	if c.behind(redo) {
		return false
	}
	d := bucket.Take(1)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.hurry:
		return false
	}
}

// flush writes the chain images of keys and the pending commit log entries,
// paced by bucket unless it is nil.
func (c *Checkpointer) flush(keys [][]byte, redo wal.LSN, bucket *ratelimit.Bucket) (int, error) {
	wb := new(engine_util.WriteBatch)
	for i, key := range keys {
		if bucket != nil && !c.wait(bucket, redo) {
			log.Infof("checkpoint no longer paced, %d chains left", len(keys)-i)
			bucket = nil
		}
		c.heap.PutChainImages(wb, [][]byte{key})
		if wb.Len() >= flushBatchChains || wb.Size() >= flushBatchBytes {
			if err := wb.WriteToDB(c.db); err != nil {
				return 0, err
			}
			metrics.CheckpointChainsWritten.Add(float64(wb.Len()))
			wb.Reset()
		}
	}
	chains := wb.Len()
	ids := c.clog.CollectPending(wb)
	if err := wb.WriteToDB(c.db); err != nil {
		return 0, err
	}
	metrics.CheckpointChainsWritten.Add(float64(chains))
	c.clog.ForgetPending(ids)
	return len(ids), nil
}

// mark makes the checkpoint the new starting point of recovery and recycles
// what it no longer needs.
func (c *Checkpointer) mark(marker *wal.CheckpointMarker) (wal.LSN, error) {
	ctrl := &Control{Marker: *marker}
	if c.redoSource == nil {
		lsn, err := c.wal.Append(&wal.Record{Kind: wal.KindCheckpoint, Payload: marker.Encode()})
		if err != nil {
			return wal.InvalidLSN, err
		}
		if err = c.wal.Flush(lsn); err != nil {
			return wal.InvalidLSN, err
		}
		ctrl.CheckpointLSN = lsn
	}
	if err := PutControl(c.db, ctrl); err != nil {
		return wal.InvalidLSN, err
	}

	if _, err := c.clog.Truncate(marker.OldestFrozenXid); err != nil {
		log.Warnf("checkpoint: truncate clog before %v: %v", marker.OldestFrozenXid, err)
	}
	keep := marker.RedoLSN
	if c.retention != nil {
		if restart := c.retention.MinRestartLSN(); restart != wal.InvalidLSN && restart < keep {
			keep = restart
		}
	}
	if err := c.wal.Truncate(keep); err != nil {
		log.Warnf("checkpoint: recycle wal before %v: %v", keep, err)
	}
	return ctrl.CheckpointLSN, nil
}

// Vacuum prunes dead versions and freezes ids older than the freeze min age.
// With freeze, every id behind the horizon is frozen.
func (c *Checkpointer) Vacuum(freeze bool) heap.VacuumStats {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	horizon := c.snapMgr.GlobalXmin()
	freezeLimit := horizon
	if !freeze {
		freezeLimit = c.alloc.ReadNext().Retreat(c.cfg.FreezeMinAge)
	}
	stats := c.heap.Vacuum(horizon, freezeLimit)
	if stats.Skipped == 0 {
		c.alloc.SetOldestXid(stats.OldestXid)
	}
	metrics.XidAgeGauge.Set(float64(c.alloc.Age()))
	log.Infof("vacuum: %d chains, %d versions pruned, %d ids frozen, %d chains removed, %d skipped, oldest xid %v",
		stats.Chains, stats.Pruned, stats.Frozen, stats.Removed, stats.Skipped, c.alloc.OldestXid())

	c.mu.Lock()
	c.lastVacuum = &stats
	c.mu.Unlock()
	return stats
}

// errStopped is returned for requests sent to a stopped runner.
var errStopped = errors.New("checkpoint: runner stopped")
