package snapshot

import (
	"fmt"
	"sort"

	"github.com/tinypg/tinypg/kv/transaction/xid"
	"go.uber.org/atomic"
)

// Snapshot is the set of transactions whose effects are visible at one point in time.
// It is immutable once captured.
// see postgres src/include/utils/snapshot.h
type Snapshot struct {
	// every id preceding Xmin had ended when the snapshot was taken.
	Xmin xid.TxnID
	// Xmax is the first id not yet allocated. Ids from Xmax on are invisible.
	Xmax xid.TxnID
	// Owner is the transaction the snapshot was taken for, or InvalidTxnID.
	Owner xid.TxnID

	// ids running when the snapshot was taken
	xip map[xid.TxnID]struct{}

	id       uint64
	mgr      *Manager
	released *atomic.Bool
}

// IsInProgress reports whether id was running, or not yet started, from the
// snapshot's point of view. Special ids are never in progress.
func (s *Snapshot) IsInProgress(id xid.TxnID) bool {
	if !id.IsNormal() {
		return false
	}
	if id.Precedes(s.Xmin) {
		return false
	}
	if !id.Precedes(s.Xmax) {
		return true
	}
	_, ok := s.xip[id]
	return ok
}

// Xip returns the running ids in circular order.
func (s *Snapshot) Xip() []xid.TxnID {
	ids := make([]xid.TxnID, 0, len(s.xip))
	for id := range s.xip {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Precedes(ids[j]) })
	return ids
}

// Release unregisters the snapshot so it no longer holds back the vacuum horizon.
// Releasing twice is harmless.
func (s *Snapshot) Release() {
	if s.mgr == nil || !s.released.CAS(false, true) {
		return
	}
	s.mgr.unregister(s.id)
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot{xmin: %v, xmax: %v, xip: %v, owner: %v}", s.Xmin, s.Xmax, s.Xip(), s.Owner)
}
