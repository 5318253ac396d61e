package wal

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := &Record{LSN: 4096, Xid: 42, Kind: KindUpdate, Payload: EncodeRowPayload([]byte("k"), []byte("v1"))}
	data := rec.Encode()
	require.Equal(t, rec.Size(), len(data))

	got, n, err := DecodeRecord(4096, data)
	require.Nil(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, rec, got)
	assert.Equal(t, LSN(4096+len(data)), got.End())

	key, value, err := DecodeRowPayload(got.Payload)
	require.Nil(t, err)
	assert.Equal(t, []byte("k"), key)
	assert.Equal(t, []byte("v1"), value)
}

func TestRecordChecksum(t *testing.T) {
	rec := &Record{LSN: 100, Xid: 7, Kind: KindCommit}
	data := rec.Encode()

	// the same bytes at another position fail verification
	_, _, err := DecodeRecord(200, data)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, _, err = DecodeRecord(100, flipped)
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))

	_, _, err = DecodeRecord(100, data[:len(data)-1])
	assert.Equal(t, ErrShortRecord, errors.Cause(err))
	_, _, err = DecodeRecord(100, data[:5])
	assert.Equal(t, ErrShortRecord, errors.Cause(err))
}

func TestDecodeRecords(t *testing.T) {
	var data []byte
	lsn := LSN(HeaderSize)
	for i := 0; i < 3; i++ {
		rec := &Record{LSN: lsn + LSN(len(data)), Xid: 5, Kind: KindInsert, Payload: EncodeRowPayload([]byte{byte(i)}, nil)}
		data = append(data, rec.Encode()...)
	}
	recs, err := DecodeRecords(lsn, data)
	require.Nil(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, recs[0].End(), recs[1].LSN)
	assert.Equal(t, recs[1].End(), recs[2].LSN)
}

func TestCheckpointMarker(t *testing.T) {
	m := &CheckpointMarker{RedoLSN: 1 << 33, NextXid: 100, OldestActiveXid: 90, OldestFrozenXid: 3}
	got, err := DecodeCheckpointMarker(m.Encode())
	require.Nil(t, err)
	assert.Equal(t, m, got)
	_, err = DecodeCheckpointMarker([]byte{1, 2})
	assert.NotNil(t, err)
	assert.Equal(t, "2/00000000", m.RedoLSN.String())
}

func TestBadRowPayload(t *testing.T) {
	_, _, err := DecodeRowPayload([]byte{10, 'a'})
	assert.Equal(t, ErrCorruptRecord, errors.Cause(err))
}
