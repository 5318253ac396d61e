package xid

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/log"
	"go.uber.org/atomic"
)

// Allocator hands out transaction ids. Callers that must publish the new id
// atomically with its allocation (the snapshot manager) serialise around Allocate.
type Allocator struct {
	mu sync.Mutex
	// next is the id handed out by the following Allocate call.
	next *atomic.Uint32
	// oldest is the oldest id that may still appear unfrozen in the heap.
	oldest    *atomic.Uint32
	warnLimit uint32
	stopLimit uint32
}

func NewAllocator(next, oldest TxnID, warnLimit, stopLimit uint32) *Allocator {
	if !next.IsNormal() {
		next = FirstNormalTxnID
	}
	if !oldest.IsNormal() {
		oldest = FirstNormalTxnID
	}
	return &Allocator{
		next:      atomic.NewUint32(uint32(next)),
		oldest:    atomic.NewUint32(uint32(oldest)),
		warnLimit: warnLimit,
		stopLimit: stopLimit,
	}
}

// Allocate returns a fresh id, or ErrWraparoundImminent when the distance from
// the oldest unfrozen id reached the stop limit.
func (a *Allocator) Allocate() (TxnID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := TxnID(a.next.Load())
	age := Age(TxnID(a.oldest.Load()), id)
	if age >= a.stopLimit {
		return InvalidTxnID, errors.Annotatef(txnerr.ErrWraparoundImminent,
			"next xid %v is %d ids past oldest unfrozen xid %v", id, age, a.oldest.Load())
	}
	if age >= a.warnLimit && (age == a.warnLimit || age%65536 == 0) {
		log.Warnf("xid %v is %d transactions away from the wraparound stop limit, vacuum must freeze old rows",
			id, a.stopLimit-age)
	}
	a.next.Store(uint32(id.Next()))
	return id, nil
}

// ReadNext returns the id the next Allocate will return.
func (a *Allocator) ReadNext() TxnID {
	return TxnID(a.next.Load())
}

// AdvancePast makes sure ids up to and including id are never handed out again.
// Used by recovery and standby replay.
func (a *Allocator) AdvancePast(id TxnID) {
	if !id.IsNormal() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.FollowsOrEquals(TxnID(a.next.Load())) {
		a.next.Store(uint32(id.Next()))
	}
}

func (a *Allocator) OldestXid() TxnID {
	return TxnID(a.oldest.Load())
}

// SetOldestXid records that no unfrozen id older than id remains. It never moves backwards.
func (a *Allocator) SetOldestXid(id TxnID) {
	if !id.IsNormal() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.Follows(TxnID(a.oldest.Load())) {
		a.oldest.Store(uint32(id))
	}
}

// Age is the number of ids allocated since the oldest unfrozen id.
func (a *Allocator) Age() uint32 {
	return Age(TxnID(a.oldest.Load()), TxnID(a.next.Load()))
}
