package heap

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/wal"
)

const nilIndex int32 = -1

// version is one state of a row. A version is visible to a snapshot when its
// creator is visible and its deleter is unset or not visible.
type version struct {
	creator xid.TxnID
	deleter xid.TxnID
	payload []byte
	// prev links to the next older version, next to the next newer one.
	prev int32
	next int32
}

// chain holds every version of one row key, oldest to newest. Versions live in
// an arena and refer to each other by index, freed slots are reused.
type chain struct {
	key []byte

	mu      sync.RWMutex
	arena   []version
	free    []int32
	oldest  int32
	newest  int32
	size    int
	lastLSN wal.LSN
}

var _ btree.Item = &chain{}

func newChain(key []byte) *chain {
	return &chain{
		key:    append([]byte(nil), key...),
		oldest: nilIndex,
		newest: nilIndex,
	}
}

func (c *chain) Less(than btree.Item) bool {
	return bytes.Compare(c.key, than.(*chain).key) < 0
}

func (c *chain) at(i int32) *version {
	return &c.arena[i]
}

// push appends a version as the newest one.
func (c *chain) push(creator, deleter xid.TxnID, payload []byte) int32 {
	v := version{creator: creator, deleter: deleter, payload: payload, prev: c.newest, next: nilIndex}
	var i int32
	if n := len(c.free); n > 0 {
		i = c.free[n-1]
		c.free = c.free[:n-1]
		c.arena[i] = v
	} else {
		i = int32(len(c.arena))
		c.arena = append(c.arena, v)
	}
	if c.newest != nilIndex {
		c.arena[c.newest].next = i
	} else {
		c.oldest = i
	}
	c.newest = i
	c.size++
	return i
}

// unlink removes version i from the chain and frees its slot.
func (c *chain) unlink(i int32) {
	v := c.at(i)
	if v.prev != nilIndex {
		c.arena[v.prev].next = v.next
	} else {
		c.oldest = v.next
	}
	if v.next != nilIndex {
		c.arena[v.next].prev = v.prev
	} else {
		c.newest = v.prev
	}
	c.arena[i] = version{prev: nilIndex, next: nilIndex}
	c.free = append(c.free, i)
	c.size--
}

func (c *chain) empty() bool {
	return c.size == 0
}

// compact rebuilds the arena without free slots once they dominate it.
func (c *chain) compact() {
	if len(c.free) < 8 || len(c.free) < c.size {
		return
	}
	arena := make([]version, 0, c.size)
	prev := nilIndex
	for i := c.oldest; i != nilIndex; i = c.arena[i].next {
		v := c.arena[i]
		v.prev = prev
		v.next = nilIndex
		if prev != nilIndex {
			arena[prev].next = int32(len(arena))
		}
		prev = int32(len(arena))
		arena = append(arena, v)
	}
	c.arena = arena
	c.free = nil
	if len(arena) == 0 {
		c.oldest, c.newest = nilIndex, nilIndex
		return
	}
	c.oldest, c.newest = 0, int32(len(arena)-1)
}

// keyItem is a row key in the dirty set.
type keyItem string

func (k keyItem) Less(than btree.Item) bool {
	return k < than.(keyItem)
}
