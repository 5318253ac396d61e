package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/xid"
)

func newTestManager(t *testing.T) (*Manager, *clog.Log) {
	l, err := clog.New(nil, 0)
	require.Nil(t, err)
	alloc := xid.NewAllocator(xid.FirstNormalTxnID, xid.FirstNormalTxnID, 1<<30, 1<<31)
	return NewManager(alloc, l), l
}

func TestCaptureAndVisibility(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()

	t1, err := m.Begin()
	require.Nil(t, err)
	t2, err := m.Begin()
	require.Nil(t, err)
	require.Nil(t, l.SetStatus(t1, clog.StatusCommitted))
	m.End(t1)

	s := m.Capture(xid.InvalidTxnID)
	defer s.Release()
	assert.Equal(t, t2, s.Xmin)
	assert.Equal(t, t2.Next(), s.Xmax)
	assert.Equal(t, []xid.TxnID{t2}, s.Xip())

	visible, err := m.IsVisible(t1, s)
	require.Nil(t, err)
	assert.True(t, visible)

	// t2 commits after the snapshot: still invisible to it
	require.Nil(t, l.SetStatus(t2, clog.StatusCommitted))
	m.End(t2)
	visible, err = m.IsVisible(t2, s)
	require.Nil(t, err)
	assert.False(t, visible)

	// an id allocated after the snapshot is invisible
	t3, err := m.Begin()
	require.Nil(t, err)
	require.Nil(t, l.SetStatus(t3, clog.StatusCommitted))
	m.End(t3)
	visible, err = m.IsVisible(t3, s)
	require.Nil(t, err)
	assert.False(t, visible)

	visible, _ = m.IsVisible(xid.FrozenTxnID, s)
	assert.True(t, visible)
	visible, _ = m.IsVisible(xid.InvalidTxnID, s)
	assert.False(t, visible)
}

func TestAbortedNeverVisible(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()
	t1, err := m.Begin()
	require.Nil(t, err)
	require.Nil(t, l.SetStatus(t1, clog.StatusAborted))
	m.End(t1)
	s := m.Capture(xid.InvalidTxnID)
	visible, err := m.IsVisible(t1, s)
	require.Nil(t, err)
	assert.False(t, visible)
}

func TestGlobalXmin(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()

	assert.Equal(t, xid.FirstNormalTxnID, m.GlobalXmin())
	t1, _ := m.Begin()
	t2, _ := m.Begin()
	s := m.Capture(t2)
	assert.Equal(t, t1, m.GlobalXmin())

	require.Nil(t, l.SetStatus(t1, clog.StatusCommitted))
	m.End(t1)
	require.Nil(t, l.SetStatus(t2, clog.StatusCommitted))
	m.End(t2)
	// the snapshot still sees t1 as running
	assert.Equal(t, t1, m.GlobalXmin())
	assert.Equal(t, 1, m.RegisteredSnapshots())

	s.Release()
	s.Release()
	assert.Equal(t, 0, m.RegisteredSnapshots())
	assert.Equal(t, t2.Next(), m.GlobalXmin())
	assert.Equal(t, t2.Next(), m.OldestRunning())
}

func TestObserve(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()

	m.Observe(10)
	assert.True(t, m.IsRunning(10))
	assert.Equal(t, xid.TxnID(11), m.alloc.ReadNext())

	require.Nil(t, l.SetStatus(10, clog.StatusCommitted))
	m.End(10)
	m.Observe(10)
	assert.False(t, m.IsRunning(10))
}

func TestObserveSkippedIds(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()

	// 3 was handed out on the primary and has not written yet.
	m.Observe(4)
	require.Nil(t, l.SetStatus(4, clog.StatusCommitted))
	m.End(4)
	s := m.Capture(xid.InvalidTxnID)
	defer s.Release()
	assert.True(t, s.IsInProgress(3))
	assert.Equal(t, xid.TxnID(3), s.Xmin)
	assert.Equal(t, xid.TxnID(5), s.Xmax)

	// 3 writes and commits later. s keeps taking it as running.
	m.Observe(3)
	require.Nil(t, l.SetStatus(3, clog.StatusCommitted))
	m.End(3)
	visible, err := m.IsVisible(3, s)
	require.Nil(t, err)
	assert.False(t, visible)
	visible, err = m.IsVisible(4, s)
	require.Nil(t, err)
	assert.True(t, visible)
}

func TestObserveCheckpoint(t *testing.T) {
	m, l := newTestManager(t)
	defer l.Close()

	m.Observe(5)
	assert.Equal(t, 3, len(m.Running()))

	// 3 and 4 ended without writing, 8 and 9 were handed out since.
	m.ObserveCheckpoint(5, 10)
	assert.False(t, m.IsRunning(3))
	assert.False(t, m.IsRunning(4))
	for id := xid.TxnID(5); id < 10; id++ {
		assert.True(t, m.IsRunning(id), "%v", id)
	}
	assert.Equal(t, xid.TxnID(10), m.alloc.ReadNext())
	assert.Equal(t, xid.TxnID(5), m.GlobalXmin())
}
