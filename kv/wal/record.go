package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/transaction/xid"
)

// LSN is the byte position of a record in the log stream. The log starts with
// a file header, so no record ever has LSN 0.
type LSN uint64

const InvalidLSN LSN = 0

func (l LSN) String() string {
	return fmt.Sprintf("%X/%08X", uint64(l)>>32, uint32(l))
}

type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
	KindCommit
	KindAbort
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	case KindCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsData reports whether records of this kind change a row.
func (k Kind) IsData() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

/*
Each record:
───────────────────────────────────────────────────────────────
| LEN (4) | CRC (4) | KIND (1) | XID (4) | PAYLOAD (LEN - 13) |
───────────────────────────────────────────────────────────────

LEN counts the whole record. CRC-32C covers the record's LSN followed by every
byte of the record except the CRC itself, so a record copied to another
position fails verification.
*/
const (
	RecordHeaderSize = 13
	MaxRecordSize    = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrShortRecord means the log ends in the middle of a record.
	ErrShortRecord = errors.New("wal: short record")
	// ErrCorruptRecord means the record failed its checksum or has an impossible length.
	ErrCorruptRecord = errors.New("wal: corrupt record")
)

type Record struct {
	LSN     LSN
	Xid     xid.TxnID
	Kind    Kind
	Payload []byte
}

func (r *Record) Size() int {
	return RecordHeaderSize + len(r.Payload)
}

// End is the position right after the record.
func (r *Record) End() LSN {
	return r.LSN + LSN(r.Size())
}

// Encode serialises the record for position r.LSN.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	buf[8] = byte(r.Kind)
	binary.BigEndian.PutUint32(buf[9:13], uint32(r.Xid))
	copy(buf[RecordHeaderSize:], r.Payload)
	binary.BigEndian.PutUint32(buf[4:8], checksum(r.LSN, buf))
	return buf
}

func checksum(lsn LSN, buf []byte) uint32 {
	var lsnBytes [8]byte
	binary.BigEndian.PutUint64(lsnBytes[:], uint64(lsn))
	crc := crc32.Update(0, crcTable, lsnBytes[:])
	crc = crc32.Update(crc, crcTable, buf[0:4])
	return crc32.Update(crc, crcTable, buf[8:])
}

// recordLength validates the length field of a record header.
func recordLength(hdr []byte) (int, error) {
	if len(hdr) < RecordHeaderSize {
		return 0, ErrShortRecord
	}
	n := int(binary.BigEndian.Uint32(hdr[0:4]))
	if n < RecordHeaderSize || n > MaxRecordSize {
		return 0, errors.Annotatef(ErrCorruptRecord, "record length %d", n)
	}
	return n, nil
}

// DecodeRecord decodes the record at the start of buf, which sits at lsn. It
// returns the record and the number of bytes it occupies.
func DecodeRecord(lsn LSN, buf []byte) (*Record, int, error) {
	n, err := recordLength(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, ErrShortRecord
	}
	data := buf[:n]
	if binary.BigEndian.Uint32(data[4:8]) != checksum(lsn, data) {
		return nil, 0, errors.Annotatef(ErrCorruptRecord, "checksum mismatch at %v", lsn)
	}
	rec := &Record{
		LSN:     lsn,
		Kind:    Kind(data[8]),
		Xid:     xid.TxnID(binary.BigEndian.Uint32(data[9:13])),
		Payload: append([]byte(nil), data[RecordHeaderSize:]...),
	}
	return rec, n, nil
}

// EncodeRowPayload builds the payload of an insert, update or delete record.
func EncodeRowPayload(key, value []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(key)+len(value))
	n := binary.PutUvarint(buf, uint64(len(key)))
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)
	return buf[:n]
}

func DecodeRowPayload(payload []byte) (key, value []byte, err error) {
	l, n := binary.Uvarint(payload)
	if n <= 0 || uint64(len(payload)-n) < l {
		return nil, nil, errors.Annotate(ErrCorruptRecord, "bad row payload")
	}
	key = payload[n : n+int(l)]
	value = payload[n+int(l):]
	return key, value, nil
}

// CheckpointMarker is the payload of a checkpoint record.
type CheckpointMarker struct {
	// RedoLSN is where recovery starts replaying.
	RedoLSN         LSN
	NextXid         xid.TxnID
	OldestActiveXid xid.TxnID
	OldestFrozenXid xid.TxnID
}

const checkpointMarkerSize = 20

func (m *CheckpointMarker) Encode() []byte {
	buf := make([]byte, checkpointMarkerSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.RedoLSN))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.NextXid))
	binary.BigEndian.PutUint32(buf[12:16], uint32(m.OldestActiveXid))
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.OldestFrozenXid))
	return buf
}

func DecodeCheckpointMarker(buf []byte) (*CheckpointMarker, error) {
	if len(buf) != checkpointMarkerSize {
		return nil, errors.Annotatef(ErrCorruptRecord, "checkpoint marker of %d bytes", len(buf))
	}
	return &CheckpointMarker{
		RedoLSN:         LSN(binary.BigEndian.Uint64(buf[0:8])),
		NextXid:         xid.TxnID(binary.BigEndian.Uint32(buf[8:12])),
		OldestActiveXid: xid.TxnID(binary.BigEndian.Uint32(buf[12:16])),
		OldestFrozenXid: xid.TxnID(binary.BigEndian.Uint32(buf[16:20])),
	}, nil
}

func (m *CheckpointMarker) String() string {
	return fmt.Sprintf("redo %v, next xid %v, oldest active %v, oldest frozen %v",
		m.RedoLSN, m.NextXid, m.OldestActiveXid, m.OldestFrozenXid)
}
