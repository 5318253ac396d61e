package wal

import (
	"io"

	"github.com/pingcap/errors"
)

// Reader iterates over durable records in LSN order.
type Reader struct {
	m   *Manager
	pos LSN
}

// NewReader returns a reader positioned at from, which must be a record boundary.
func (m *Manager) NewReader(from LSN) *Reader {
	if from < HeaderSize {
		from = HeaderSize
	}
	return &Reader{m: m, pos: from}
}

// Position is the LSN of the next record to read, or the end of the last valid record.
func (r *Reader) Position() LSN {
	return r.pos
}

// Next returns the next record. It returns io.EOF at the end of the durable log,
// ErrShortRecord for a record cut off by the end of the log and
// ErrCorruptRecord for a record failing its checksum.
func (r *Reader) Next() (*Record, error) {
	limit := r.m.FlushedLSN()
	if r.pos >= limit {
		return nil, io.EOF
	}
	rec, err := r.m.ReadRecord(r.pos)
	if err != nil {
		return nil, err
	}
	r.pos = rec.End()
	return rec, nil
}

// IsEndOfLog reports whether err from Next means the usable log ended there.
func IsEndOfLog(err error) bool {
	switch errors.Cause(err) {
	case io.EOF, ErrShortRecord, ErrCorruptRecord:
		return true
	}
	return false
}

// DecodeRecords splits raw log bytes that start at lsn into records.
func DecodeRecords(lsn LSN, data []byte) ([]*Record, error) {
	var recs []*Record
	for len(data) > 0 {
		rec, n, err := DecodeRecord(lsn, data)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
		data = data[n:]
		lsn += LSN(n)
	}
	return recs, nil
}
