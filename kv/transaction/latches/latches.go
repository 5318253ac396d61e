package latches

import (
	"sort"
	"sync"

	farm "github.com/dgryski/go-farm"
)

// Latching serialises writers of the same row key for the duration of one
// write: evaluating the version chain, appending the WAL record and applying
// it. It should not be confused with row locks, which are held by transactions
// until they end and are represented by the deleter xid on a version.
//
// A latch is a per-key lock. Only one thread can hold a latch at a time and all
// keys that an operation might write must be latched at once.
//
// Latches are spread over a fixed number of slots by the farm hash of the key,
// each slot guarding its own map of latched keys to a WaitGroup.

const defaultSlots = 256

type slot struct {
	// Threads who find a key latched wait on its WaitGroup.
	latchMap map[string]*sync.WaitGroup
	guard    sync.Mutex
}

type Latches struct {
	slots []slot
}

// NewLatches creates a new Latches object. There should only be one such
// object per store, shared between all threads.
func NewLatches() *Latches {
	l := &Latches{slots: make([]slot, defaultSlots)}
	for i := range l.slots {
		l.slots[i].latchMap = make(map[string]*sync.WaitGroup)
	}
	return l
}

// KeyHash is the hash used to pick a key's slot. The lock waiter tags waiters with it too.
func KeyHash(key []byte) uint64 {
	return farm.Fingerprint64(key)
}

func (l *Latches) slotOf(key []byte) int {
	return int(KeyHash(key) % uint64(len(l.slots)))
}

// lockSlots locks every slot touched by keys in ascending order and returns them.
func (l *Latches) lockSlots(keys [][]byte) []int {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, key := range keys {
		i := l.slotOf(key)
		if _, ok := seen[i]; !ok {
			seen[i] = struct{}{}
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.slots[i].guard.Lock()
	}
	return idx
}

func (l *Latches) unlockSlots(idx []int) {
	for j := len(idx) - 1; j >= 0; j-- {
		l.slots[idx[j]].guard.Unlock()
	}
}

// AcquireLatches tries lock all Latches specified by keys. If this succeeds, nil is returned. If any of the keys are
// locked, then AcquireLatches returns a WaitGroup which the thread can use to be woken when the lock is free.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	idx := l.lockSlots(keysToLatch)
	defer l.unlockSlots(idx)

	// Check none of the keys we want to write are locked.
	for _, key := range keysToLatch {
		if latchWg, ok := l.slots[l.slotOf(key)].latchMap[string(key)]; ok {
			return latchWg
		}
	}

	// All Latches are available, lock them all with a new wait group.
	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.slots[l.slotOf(key)].latchMap[string(key)] = wg
	}
	return nil
}

// TryAcquireLatches latches keys if all of them are free and reports whether it did.
func (l *Latches) TryAcquireLatches(keysToLatch [][]byte) bool {
	return l.AcquireLatches(keysToLatch) == nil
}

// ReleaseLatches releases the latches for all keys in keysToUnlatch. It will wakeup any threads blocked on one of the
// latches. All keys in keysToUnlatch must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	idx := l.lockSlots(keysToUnlatch)
	defer l.unlockSlots(idx)

	first := true
	for _, key := range keysToUnlatch {
		m := l.slots[l.slotOf(key)].latchMap
		if first {
			if wg, ok := m[string(key)]; ok {
				wg.Done()
			}
			first = false
		}
		delete(m, string(key))
	}
}

// WaitForLatches attempts to lock all keys in keysToLatch using AcquireLatches. If a latch is already locked, then
// WaitForLatches will wait for it to become unlocked then try again. Therefore WaitForLatches may block for an unbounded
// length of time.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}
