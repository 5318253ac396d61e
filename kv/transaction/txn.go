package transaction

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
)

type State int

const (
	StateActive State = iota
	StateCommitting
	StateAborting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateAborting:
		return "aborting"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Txn is a client transaction. It is safe for concurrent use, though statements
// of one transaction are expected to run one at a time.
type Txn struct {
	id  xid.TxnID
	iso Isolation
	mgr *snapshot.Manager

	mu    sync.Mutex
	state State
	snap  *snapshot.Snapshot
	// lastLSN is the position of the transaction's latest log record, 0 when it wrote nothing.
	lastLSN uint64
}

func NewTxn(id xid.TxnID, iso Isolation, mgr *snapshot.Manager) *Txn {
	return &Txn{id: id, iso: iso, mgr: mgr, state: StateActive}
}

func (t *Txn) ID() xid.TxnID {
	return t.id
}

func (t *Txn) Isolation() Isolation {
	return t.iso
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CheckActive fails with ErrInvalidTransactionState once Commit or Abort started.
func (t *Txn) CheckActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkActive()
}

func (t *Txn) checkActive() error {
	if t.state != StateActive {
		return errors.Annotatef(txnerr.ErrInvalidTransactionState, "txn %v is %v", t.id, t.state)
	}
	return nil
}

// Snapshot returns the transaction's current snapshot, capturing one if none exists.
func (t *Txn) Snapshot() *snapshot.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap == nil {
		t.snap = t.mgr.Capture(t.id)
	}
	return t.snap
}

// StatementSnapshot returns the snapshot a new statement runs with: a fresh one
// under read committed, the transaction snapshot otherwise.
func (t *Txn) StatementSnapshot() *snapshot.Snapshot {
	if t.iso.UsesSameSnapshot() {
		return t.Snapshot()
	}
	return t.RefreshSnapshot()
}

// RefreshSnapshot replaces the snapshot with a new one. Only read committed
// transactions do this, to retry a write against a newly committed version.
func (t *Txn) RefreshSnapshot() *snapshot.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap != nil {
		t.snap.Release()
	}
	t.snap = t.mgr.Capture(t.id)
	return t.snap
}

// BeginEnd moves an active transaction to committing or aborting.
func (t *Txn) BeginEnd(commit bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if commit {
		t.state = StateCommitting
	} else {
		t.state = StateAborting
	}
	return nil
}

// Finish records the final outcome and releases the snapshot.
func (t *Txn) Finish(committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if committed {
		t.state = StateCommitted
	} else {
		t.state = StateAborted
	}
	if t.snap != nil {
		t.snap.Release()
		t.snap = nil
	}
}

// RecordLSN remembers lsn as the latest log record written by the transaction.
func (t *Txn) RecordLSN(lsn uint64) {
	t.mu.Lock()
	if lsn > t.lastLSN {
		t.lastLSN = lsn
	}
	t.mu.Unlock()
}

// HasWrites reports whether the transaction wrote any log record.
func (t *Txn) HasWrites() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN != 0
}

func (t *Txn) LastLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}
