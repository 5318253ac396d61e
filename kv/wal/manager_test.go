package wal

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
)

func newTestManager(t *testing.T) (*Manager, *MemStorage) {
	s := NewMemStorage()
	m, err := NewManager(s)
	require.Nil(t, err)
	return m, s
}

func appendRow(t *testing.T, m *Manager, id xid.TxnID, key, value string) LSN {
	lsn, err := m.Append(&Record{Xid: id, Kind: KindInsert, Payload: EncodeRowPayload([]byte(key), []byte(value))})
	require.Nil(t, err)
	return lsn
}

func TestAppendFlushRead(t *testing.T) {
	m, s := newTestManager(t)
	assert.Equal(t, LSN(HeaderSize), m.InsertLSN())

	l1 := appendRow(t, m, 3, "a", "1")
	l2 := appendRow(t, m, 3, "b", "2")
	assert.Equal(t, LSN(HeaderSize), l1)
	assert.True(t, l2 > l1)
	// nothing durable yet
	assert.Equal(t, int64(HeaderSize), s.FlushedOffset())
	r := m.NewReader(l1)
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)

	require.Nil(t, m.Flush(l2))
	assert.Equal(t, m.InsertLSN(), m.FlushedLSN())
	assert.Equal(t, int64(m.FlushedLSN()), s.FlushedOffset())

	r = m.NewReader(l1)
	rec, err := r.Next()
	require.Nil(t, err)
	assert.Equal(t, l1, rec.LSN)
	rec, err = r.Next()
	require.Nil(t, err)
	assert.Equal(t, l2, rec.LSN)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.True(t, IsEndOfLog(err))

	rec, err = m.ReadRecord(l2)
	require.Nil(t, err)
	key, value, err := DecodeRowPayload(rec.Payload)
	require.Nil(t, err)
	assert.Equal(t, "b", string(key))
	assert.Equal(t, "2", string(value))
}

func TestFlushAlreadyDurableIsFree(t *testing.T) {
	m, s := newTestManager(t)
	lsn := appendRow(t, m, 3, "a", "1")
	require.Nil(t, m.Flush(lsn))
	n := s.Flushes()
	require.Nil(t, m.Flush(lsn))
	require.Nil(t, m.FlushAll())
	assert.Equal(t, n, s.Flushes())
}

func TestGroupCommit(t *testing.T) {
	m, s := newTestManager(t)
	before := s.Flushes()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Commit(context.Background(), xid.TxnID(3+i))
			assert.Nil(t, err)
		}(i)
	}
	wg.Wait()
	assert.True(t, s.Flushes()-before <= 50)
	assert.Equal(t, m.InsertLSN(), m.FlushedLSN())

	commits := 0
	r := m.NewReader(m.StartLSN())
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.Nil(t, err)
		assert.Equal(t, KindCommit, rec.Kind)
		commits++
	}
	assert.Equal(t, 50, commits)
}

func TestFlushFailureIsSticky(t *testing.T) {
	m, s := newTestManager(t)
	s.SetFlushFailure(true)
	_, err := m.Commit(context.Background(), 3)
	assert.Equal(t, txnerr.ErrDurabilityFailure, errors.Cause(err))
	assert.True(t, m.Failed())

	// the medium recovering does not reopen the log
	s.SetFlushFailure(false)
	_, err = m.Append(&Record{Xid: 4, Kind: KindInsert})
	assert.Equal(t, txnerr.ErrDurabilityFailure, errors.Cause(err))
	err = m.Flush(m.InsertLSN())
	assert.Equal(t, txnerr.ErrDurabilityFailure, errors.Cause(err))
}

type blockingWaiter struct {
	release chan struct{}
	lsns    chan LSN
}

func (w *blockingWaiter) WaitForLSN(ctx context.Context, lsn LSN) error {
	w.lsns <- lsn
	select {
	case <-w.release:
		return nil
	case <-ctx.Done():
		return errors.Annotate(txnerr.ErrReplicationStall, "cancelled")
	}
}

func TestCommitWaitsForSyncWaiter(t *testing.T) {
	m, _ := newTestManager(t)
	w := &blockingWaiter{release: make(chan struct{}), lsns: make(chan LSN, 1)}
	m.SetSyncWaiter(w)

	done := make(chan error, 1)
	go func() {
		_, err := m.Commit(context.Background(), 3)
		done <- err
	}()
	lsn := <-w.lsns
	// the commit record is durable before the wait starts
	assert.True(t, m.FlushedLSN() > lsn)
	select {
	case <-done:
		t.Fatal("commit returned before the standby confirmed")
	case <-time.After(20 * time.Millisecond):
	}
	close(w.release)
	require.Nil(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-w.lsns
		cancel()
	}()
	w.release = make(chan struct{})
	_, err := m.Commit(ctx, 4)
	assert.Equal(t, txnerr.ErrReplicationStall, errors.Cause(err))
}

func TestWaitForFlush(t *testing.T) {
	m, _ := newTestManager(t)
	start := m.FlushedLSN()
	got := make(chan LSN, 1)
	go func() {
		lsn, err := m.WaitForFlush(context.Background(), start)
		assert.Nil(t, err)
		got <- lsn
	}()
	lsn := appendRow(t, m, 3, "a", "1")
	require.Nil(t, m.Flush(lsn))
	assert.Equal(t, m.FlushedLSN(), <-got)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.WaitForFlush(ctx, m.FlushedLSN())
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestAppendRaw(t *testing.T) {
	primary, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		appendRow(t, primary, 3, "k", "v")
	}
	// records the standby never receives
	require.Nil(t, primary.FlushAll())
	from := primary.FlushedLSN()
	appendRow(t, primary, 4, "x", "y")
	_, err := primary.Commit(context.Background(), 4)
	require.Nil(t, err)
	data, err := primary.ReadRaw(from, primary.FlushedLSN())
	require.Nil(t, err)

	standby, _ := newTestManager(t)
	require.Nil(t, standby.AppendRaw(from, data))
	require.Nil(t, standby.FlushAll())
	assert.Equal(t, primary.FlushedLSN(), standby.FlushedLSN())
	assert.Equal(t, from, standby.FirstLSN())

	recs := 0
	r := standby.NewReader(from)
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.Nil(t, err)
		recs++
	}
	assert.Equal(t, 2, recs)

	// a gap is refused once the log has content
	assert.NotNil(t, standby.AppendRaw(standby.InsertLSN()+10, data))
}

func TestResetTailAfterCrash(t *testing.T) {
	m, s := newTestManager(t)
	l1 := appendRow(t, m, 3, "a", "1")
	require.Nil(t, m.Flush(l1))
	end := m.FlushedLSN()

	// a torn record: half of it reaches the medium
	rec := &Record{LSN: end, Xid: 3, Kind: KindInsert, Payload: EncodeRowPayload([]byte("b"), []byte("2"))}
	data := rec.Encode()
	_, err := s.Append(data[:len(data)/2])
	require.Nil(t, err)
	require.Nil(t, s.Flush(int64(end)+int64(len(data)/2)))

	m2, err := NewManager(s)
	require.Nil(t, err)
	r := m2.NewReader(l1)
	_, err = r.Next()
	require.Nil(t, err)
	_, err = r.Next()
	assert.Equal(t, ErrShortRecord, errors.Cause(err))
	assert.True(t, IsEndOfLog(err))
	assert.Equal(t, end, r.Position())

	require.Nil(t, m2.ResetTail(r.Position()))
	assert.Equal(t, end, m2.InsertLSN())
	l2 := appendRow(t, m2, 4, "c", "3")
	assert.Equal(t, end, l2)
	require.Nil(t, m2.Flush(l2))
	got, err := m2.ReadRecord(l2)
	require.Nil(t, err)
	assert.Equal(t, xid.TxnID(4), got.Xid)
}

func TestTruncate(t *testing.T) {
	m, _ := newTestManager(t)
	l1 := appendRow(t, m, 3, "a", "1")
	l2 := appendRow(t, m, 3, "b", "2")
	require.Nil(t, m.FlushAll())
	require.Nil(t, m.Truncate(l2))
	_, err := m.ReadRecord(l1)
	assert.Equal(t, ErrCompacted, errors.Cause(err))
	_, err = m.ReadRecord(l2)
	assert.Nil(t, err)
	assert.Equal(t, l2, m.StartLSN())
}

func TestWriterFlushesInBackground(t *testing.T) {
	m, _ := newTestManager(t)
	w := NewWriter(m, 5*time.Millisecond)
	w.Start()
	defer w.Stop()
	lsn, err := m.Abort(3)
	require.Nil(t, err)
	_, err = m.WaitForFlush(context.Background(), lsn)
	require.Nil(t, err)
}
