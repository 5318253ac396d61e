package lockwaiter

import (
	"context"
	"sync"
	"time"

	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/log"
)

// Manager parks writers that found a row locked by a running transaction until
// that transaction ends.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[xid.TxnID]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[xid.TxnID]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// removeWaiter removes the correspond waiter from pending array
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	ch       chan WaitResult
	startXid xid.TxnID
	LockXid  xid.TxnID
	KeyHash  uint64
}

type Position int

type WaitResult struct {
	Position Position
}

const (
	WaitTimeout  Position = -1
	WaitCanceled Position = -2
)

// Wait blocks until the lock holder ends, ctx is done or timeout passes.
// A zero timeout waits without limit.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) WaitResult {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-timer:
		return WaitResult{Position: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Position: WaitCanceled}
	case result := <-w.ch:
		return result
	}
}

// NewWaiter registers a waiter on lockXid. Register before re-checking that the
// holder is still running, otherwise the wake up can be missed.
func (lw *Manager) NewWaiter(startXid, lockXid xid.TxnID, keyHash uint64) *Waiter {
	// allocate memory before hold the lock.
	q := new(queue)
	q.waiters = make([]*Waiter, 0, 8)
	waiter := &Waiter{
		ch:       make(chan WaitResult, 1),
		startXid: startXid,
		LockXid:  lockXid,
		KeyHash:  keyHash,
	}
	q.waiters = append(q.waiters, waiter)
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[lockXid]; ok {
		old.waiters = append(old.waiters, waiter)
	} else {
		lw.waitingQueues[lockXid] = q
	}
	lw.mu.Unlock()
	return waiter
}

// WakeUp wakes up all waiters waiting on the transaction.
func (lw *Manager) WakeUp(txn xid.TxnID) {
	lw.mu.Lock()
	q := lw.waitingQueues[txn]
	delete(lw.waitingQueues, txn)
	lw.mu.Unlock()

	if q == nil {
		return
	}
	for i, w := range q.waiters {
		w.ch <- WaitResult{Position: Position(i)}
	}
	log.Debugf("wakeup %d txns blocked by txn %v", len(q.waiters), txn)
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.LockXid]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.LockXid)
		}
	}
	lw.mu.Unlock()
}

// Waiting returns the number of waiters parked on txn.
func (lw *Manager) Waiting(txn xid.TxnID) int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if q := lw.waitingQueues[txn]; q != nil {
		return len(q.waiters)
	}
	return 0
}
