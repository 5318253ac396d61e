package heap

import (
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/google/btree"
	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/engine_util"
	"github.com/tinypg/tinypg/kv/wal"
)

/*
A chain image is what a checkpoint writes for one row key:

	FLAG (1) | BODY

FLAG is imageRaw or imageLz4. A compressed BODY starts with the uvarint size of
the raw body. The raw body is

	LAST LSN (8) | COUNT (uvarint) | COUNT x [ CREATOR (4) | DELETER (4) | LEN (uvarint) | PAYLOAD ]

with versions oldest first.
*/
const (
	imageRaw byte = 0
	imageLz4 byte = 1
)

var ErrCorruptImage = errors.New("heap: corrupt chain image")

func encodeChain(c *chain) []byte {
	size := 8 + binary.MaxVarintLen64
	for i := c.oldest; i != nilIndex; i = c.arena[i].next {
		size += 8 + binary.MaxVarintLen64 + len(c.arena[i].payload)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(c.lastLSN))
	n := 8
	n += binary.PutUvarint(buf[n:], uint64(c.size))
	for i := c.oldest; i != nilIndex; i = c.arena[i].next {
		v := c.at(i)
		binary.BigEndian.PutUint32(buf[n:], uint32(v.creator))
		binary.BigEndian.PutUint32(buf[n+4:], uint32(v.deleter))
		n += 8
		n += binary.PutUvarint(buf[n:], uint64(len(v.payload)))
		n += copy(buf[n:], v.payload)
	}
	return compressImage(buf[:n])
}

func compressImage(raw []byte) []byte {
	var sizeBuf [binary.MaxVarintLen64]byte
	sizeLen := binary.PutUvarint(sizeBuf[:], uint64(len(raw)))
	dst := make([]byte, 1+sizeLen+lz4.CompressBlockBound(len(raw)))
	dst[0] = imageLz4
	copy(dst[1:], sizeBuf[:sizeLen])
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(raw, dst[1+sizeLen:], ht[:])
	// lz4 reports 0 for input it cannot shrink
	if err != nil || n == 0 || 1+sizeLen+n >= 1+len(raw) {
		out := make([]byte, 1+len(raw))
		out[0] = imageRaw
		copy(out[1:], raw)
		return out
	}
	return dst[:1+sizeLen+n]
}

func decompressImage(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptImage
	}
	switch data[0] {
	case imageRaw:
		return data[1:], nil
	case imageLz4:
		size, n := binary.Uvarint(data[1:])
		if n <= 0 {
			return nil, ErrCorruptImage
		}
		raw := make([]byte, size)
		m, err := lz4.UncompressBlock(data[1+n:], raw)
		if err != nil {
			return nil, errors.Annotate(ErrCorruptImage, err.Error())
		}
		return raw[:m], nil
	}
	return nil, errors.Annotatef(ErrCorruptImage, "unknown image flag %d", data[0])
}

func decodeChain(key, data []byte) (*chain, error) {
	raw, err := decompressImage(data)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, ErrCorruptImage
	}
	c := newChain(key)
	c.lastLSN = wal.LSN(binary.BigEndian.Uint64(raw[0:8]))
	raw = raw[8:]
	count, n := binary.Uvarint(raw)
	if n <= 0 {
		return nil, ErrCorruptImage
	}
	raw = raw[n:]
	for i := uint64(0); i < count; i++ {
		if len(raw) < 8 {
			return nil, ErrCorruptImage
		}
		creator := xid.TxnID(binary.BigEndian.Uint32(raw[0:4]))
		deleter := xid.TxnID(binary.BigEndian.Uint32(raw[4:8]))
		raw = raw[8:]
		l, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < l {
			return nil, ErrCorruptImage
		}
		payload := append([]byte(nil), raw[n:n+int(l)]...)
		raw = raw[n+int(l):]
		c.push(creator, deleter, payload)
	}
	return c, nil
}

// ChainImage encodes the chain of key for a checkpoint. It reports false when
// the key has no versions left, so its image must be deleted.
func (s *Store) ChainImage(key []byte) ([]byte, bool) {
	c := s.getChain(key)
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.empty() {
		return nil, false
	}
	return encodeChain(c), true
}

// PutChainImages queues the images of keys, or their deletion, into wb.
func (s *Store) PutChainImages(wb *engine_util.WriteBatch, keys [][]byte) {
	for _, key := range keys {
		if image, ok := s.ChainImage(key); ok {
			wb.SetCF(engine_util.CfHeap, key, image)
		} else {
			wb.DeleteCF(engine_util.CfHeap, key)
		}
	}
}

// LoadImages replaces the store's content with the chain images persisted in db.
func (s *Store) LoadImages(db *badger.DB) (int, error) {
	index := btree.New(btreeDegree)
	err := engine_util.ScanCF(db, engine_util.CfHeap, func(key, val []byte) (bool, error) {
		c, err := decodeChain(key, val)
		if err != nil {
			return false, errors.Annotatef(err, "chain image of key %q", key)
		}
		index.ReplaceOrInsert(c)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return index.Len(), nil
}
