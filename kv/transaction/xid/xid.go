// Package xid defines transaction ids and the allocator handing them out.
//
// Ids are 32 bit and wrap around. Normal ids compare circularly: an id precedes
// the 2^31 ids before it and follows the 2^31 ids after it. Old ids must be frozen
// before the counter moves 2^31 ids past them.
package xid

import (
	"encoding/binary"
	"strconv"
)

type TxnID uint32

// see postgres src/include/access/transam.h
const (
	InvalidTxnID TxnID = 0
	// BootstrapTxnID marks rows created while initialising the database. Always visible.
	BootstrapTxnID TxnID = 1
	// FrozenTxnID replaces creators old enough to be visible to everyone.
	FrozenTxnID TxnID = 2
	// FirstNormalTxnID is the first id the allocator hands out, also after wraparound.
	FirstNormalTxnID TxnID = 3
)

func (id TxnID) IsValid() bool {
	return id != InvalidTxnID
}

func (id TxnID) IsNormal() bool {
	return id >= FirstNormalTxnID
}

// Precedes reports id < other in circular order. Special ids precede every normal id.
func (id TxnID) Precedes(other TxnID) bool {
	if !id.IsNormal() || !other.IsNormal() {
		return id < other
	}
	return int32(id-other) < 0
}

func (id TxnID) PrecedesOrEquals(other TxnID) bool {
	return id == other || id.Precedes(other)
}

// Follows reports id > other in circular order.
func (id TxnID) Follows(other TxnID) bool {
	return other.Precedes(id)
}

func (id TxnID) FollowsOrEquals(other TxnID) bool {
	return id == other || other.Precedes(id)
}

// Next returns the id after id, skipping the special ids on wraparound.
func (id TxnID) Next() TxnID {
	id++
	if !id.IsNormal() {
		return FirstNormalTxnID
	}
	return id
}

// Retreat returns the normal id n steps before id. Special ids are skipped, so
// the result is always normal.
func (id TxnID) Retreat(n uint32) TxnID {
	r := id - TxnID(n)
	if !r.IsNormal() {
		r -= FirstNormalTxnID
	}
	return r
}

// Age is the number of ids allocated from older up to newer.
func Age(older, newer TxnID) uint32 {
	return uint32(newer - older)
}

// Min returns the circularly older of a and b.
func Min(a, b TxnID) TxnID {
	if b.Precedes(a) {
		return b
	}
	return a
}

func (id TxnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Encode returns the 4 byte big-endian form of id.
func (id TxnID) Encode() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func Decode(b []byte) TxnID {
	return TxnID(binary.BigEndian.Uint32(b))
}
