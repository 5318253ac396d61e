package heap

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
)

type testEnv struct {
	alloc   *xid.Allocator
	clog    *clog.Log
	snapMgr *snapshot.Manager
	waiter  *lockwaiter.Manager
	wal     *wal.Manager
	store   *Store
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvAt(t, xid.FirstNormalTxnID)
}

func newTestEnvAt(t *testing.T, next xid.TxnID) *testEnv {
	cl, err := clog.New(nil, 0)
	require.Nil(t, err)
	w, err := wal.NewManager(wal.NewMemStorage())
	require.Nil(t, err)
	e := &testEnv{
		alloc:  xid.NewAllocator(next, next, 1<<30, 1<<31),
		clog:   cl,
		waiter: lockwaiter.NewManager(),
		wal:    w,
	}
	e.snapMgr = snapshot.NewManager(e.alloc, cl)
	e.store = NewStore(e.snapMgr, cl, w, e.waiter)
	return e
}

func (e *testEnv) begin(t *testing.T, iso transaction.Isolation) *transaction.Txn {
	id, err := e.snapMgr.Begin()
	require.Nil(t, err)
	return transaction.NewTxn(id, iso, e.snapMgr)
}

func (e *testEnv) end(t *testing.T, txn *transaction.Txn, commit bool) {
	require.Nil(t, txn.BeginEnd(commit))
	release := e.store.HoldRedo()
	st := clog.StatusAborted
	if commit {
		_, err := e.wal.CommitLocal(txn.ID())
		require.Nil(t, err)
		st = clog.StatusCommitted
	} else {
		_, err := e.wal.Abort(txn.ID())
		require.Nil(t, err)
	}
	require.Nil(t, e.clog.SetStatus(txn.ID(), st))
	release()
	txn.Finish(commit)
	e.snapMgr.End(txn.ID())
	e.waiter.WakeUp(txn.ID())
}

func (e *testEnv) commit(t *testing.T, txn *transaction.Txn) {
	e.end(t, txn, true)
}

func (e *testEnv) abort(t *testing.T, txn *transaction.Txn) {
	e.end(t, txn, false)
}

// read reads key with a fresh snapshot owned by nobody.
func (e *testEnv) read(key string) (string, error) {
	snap := e.snapMgr.Capture(xid.InvalidTxnID)
	defer snap.Release()
	val, err := e.store.Read([]byte(key), snap)
	return string(val), err
}

func (e *testEnv) mustRead(t *testing.T, key string) string {
	val, err := e.read(key)
	require.Nil(t, err, key)
	return val
}

func (e *testEnv) put(t *testing.T, key, value string) {
	txn := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(context.Background(), txn, []byte(key), []byte(value)))
	e.commit(t, txn)
}

func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.read("k")
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(err))

	e.put(t, "k", "v")
	assert.Equal(t, "v", e.mustRead(t, "k"))
	e.put(t, "k", "v2")
	assert.Equal(t, "v2", e.mustRead(t, "k"))
}

func TestOwnWrites(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	txn := e.begin(t, transaction.RepeatableRead)
	require.Nil(t, e.store.Write(ctx, txn, []byte("k"), []byte("a")))
	require.Nil(t, e.store.Write(ctx, txn, []byte("k"), []byte("b")))

	val, err := e.store.Read([]byte("k"), txn.Snapshot())
	require.Nil(t, err)
	assert.Equal(t, "b", string(val))
	// nobody else sees them
	_, err = e.read("k")
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(err))

	require.Nil(t, e.store.Delete(ctx, txn, []byte("k")))
	_, err = e.store.Read([]byte("k"), txn.Snapshot())
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(err))
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(e.store.Delete(ctx, txn, []byte("k"))))

	require.Nil(t, e.store.Write(ctx, txn, []byte("k"), []byte("c")))
	e.commit(t, txn)
	assert.Equal(t, "c", e.mustRead(t, "k"))
}

func TestDeleteMissingRowLeavesNoChain(t *testing.T) {
	e := newTestEnv(t)
	txn := e.begin(t, transaction.ReadCommitted)
	err := e.store.Delete(context.Background(), txn, []byte("nothing"))
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(err))
	assert.Equal(t, 0, e.store.Len())
	assert.False(t, txn.HasWrites())
}

func TestUpdateScenario(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	t1 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(ctx, t1, []byte("x"), []byte("1")))
	e.commit(t, t1)
	assert.Equal(t, "1", e.mustRead(t, "x"))

	t2 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(ctx, t2, []byte("x"), []byte("2")))
	assert.Equal(t, "1", e.mustRead(t, "x"))

	e.commit(t, t2)
	assert.Equal(t, "2", e.mustRead(t, "x"))
}

func TestRepeatableReadIsStable(t *testing.T) {
	e := newTestEnv(t)
	e.put(t, "k", "old")

	reader := e.begin(t, transaction.RepeatableRead)
	val, err := e.store.Read([]byte("k"), reader.StatementSnapshot())
	require.Nil(t, err)
	assert.Equal(t, "old", string(val))

	e.put(t, "k", "new")
	e.put(t, "other", "x")

	val, err = e.store.Read([]byte("k"), reader.StatementSnapshot())
	require.Nil(t, err)
	assert.Equal(t, "old", string(val))
	_, err = e.store.Read([]byte("other"), reader.StatementSnapshot())
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(err))

	// read committed sees the new value on its next statement
	rc := e.begin(t, transaction.ReadCommitted)
	snap := rc.StatementSnapshot()
	e.put(t, "k", "newer")
	val, err = e.store.Read([]byte("k"), snap)
	require.Nil(t, err)
	assert.Equal(t, "new", string(val))
	val, err = e.store.Read([]byte("k"), rc.StatementSnapshot())
	require.Nil(t, err)
	assert.Equal(t, "newer", string(val))
}

// blockedWrite starts a write of txn and waits until it parks behind holder.
func (e *testEnv) blockedWrite(t *testing.T, ctx context.Context, txn *transaction.Txn, holder xid.TxnID,
	key, value string, deleting bool) chan error {
	done := make(chan error, 1)
	go func() {
		if deleting {
			done <- e.store.Delete(ctx, txn, []byte(key))
		} else {
			done <- e.store.Write(ctx, txn, []byte(key), []byte(value))
		}
	}()
	waitUntil(t, func() bool { return e.waiter.Waiting(holder) == 1 })
	select {
	case err := <-done:
		t.Fatalf("write returned %v before the holder ended", err)
	default:
	}
	return done
}

func TestWriteConflict(t *testing.T) {
	tests := []struct {
		iso      transaction.Isolation
		deleting bool
		want     error
		value    string
	}{
		{transaction.Serializable, false, txnerr.ErrSerializationFailure, "1"},
		{transaction.RepeatableRead, false, txnerr.ErrSerializationFailure, "1"},
		{transaction.RepeatableRead, true, txnerr.ErrSerializationFailure, "1"},
		// read committed re-reads the committed version and writes on top of it
		{transaction.ReadCommitted, false, nil, "2"},
	}
	for _, tt := range tests {
		e := newTestEnv(t)
		ctx := context.Background()
		e.put(t, "x", "0")

		t1 := e.begin(t, transaction.ReadCommitted)
		require.Nil(t, e.store.Write(ctx, t1, []byte("x"), []byte("1")))
		t2 := e.begin(t, tt.iso)
		done := e.blockedWrite(t, ctx, t2, t1.ID(), "x", "2", tt.deleting)

		e.commit(t, t1)
		err := <-done
		assert.Equal(t, tt.want, errors.Cause(err), tt.iso.String())
		if err != nil {
			assert.True(t, txnerr.IsRetryable(err))
			e.abort(t, t2)
		} else {
			e.commit(t, t2)
		}
		assert.Equal(t, tt.value, e.mustRead(t, "x"), tt.iso.String())
	}
}

func TestReadCommittedSeesConcurrentDelete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.put(t, "x", "0")

	t1 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Delete(ctx, t1, []byte("x")))
	t2 := e.begin(t, transaction.ReadCommitted)
	done := e.blockedWrite(t, ctx, t2, t1.ID(), "x", "", true)
	e.commit(t, t1)
	assert.Equal(t, txnerr.ErrNotFound, errors.Cause(<-done))

	// writing a row deleted by a committed transaction inserts it again
	t3 := e.begin(t, transaction.ReadCommitted)
	t4 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(ctx, t3, []byte("x"), []byte("3")))
	done = e.blockedWrite(t, ctx, t4, t3.ID(), "x", "4", false)
	e.abort(t, t3)
	require.Nil(t, <-done)
	e.commit(t, t4)
	e.abort(t, t2)
	assert.Equal(t, "4", e.mustRead(t, "x"))
}

func TestAbortedHolderReleasesRow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.put(t, "x", "0")

	t1 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(ctx, t1, []byte("x"), []byte("1")))
	t2 := e.begin(t, transaction.RepeatableRead)
	done := e.blockedWrite(t, ctx, t2, t1.ID(), "x", "2", false)
	e.abort(t, t1)
	require.Nil(t, <-done)
	e.commit(t, t2)
	assert.Equal(t, "2", e.mustRead(t, "x"))
}

func TestBlockedWriteCancel(t *testing.T) {
	e := newTestEnv(t)
	e.put(t, "x", "0")
	t1 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(context.Background(), t1, []byte("x"), []byte("1")))
	lsn := e.wal.InsertLSN()

	ctx, cancel := context.WithCancel(context.Background())
	t2 := e.begin(t, transaction.ReadCommitted)
	done := e.blockedWrite(t, ctx, t2, t1.ID(), "x", "2", false)
	cancel()
	assert.Equal(t, context.Canceled, errors.Cause(<-done))
	assert.Equal(t, 0, e.waiter.Waiting(t1.ID()))
	// nothing logged, nothing changed
	assert.Equal(t, lsn, e.wal.InsertLSN())
	assert.False(t, t2.HasWrites())

	// the row is free for other writers once the holder ends
	e.commit(t, t1)
	t3 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(context.Background(), t3, []byte("x"), []byte("3")))
	e.commit(t, t3)
	assert.Equal(t, "3", e.mustRead(t, "x"))
}

func TestLockWaitTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetLockWaitTimeout(20 * time.Millisecond)
	t1 := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(context.Background(), t1, []byte("x"), []byte("1")))
	t2 := e.begin(t, transaction.ReadCommitted)
	err := e.store.Write(context.Background(), t2, []byte("x"), []byte("2"))
	assert.Equal(t, txnerr.ErrLockTimeout, errors.Cause(err))
	assert.Equal(t, 0, e.waiter.Waiting(t1.ID()))
}

func TestDisjointRowsBecomeVisibleInCommitOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		a, b := fmt.Sprintf("a%d", round), fmt.Sprintf("b%d", round)
		t1 := e.begin(t, transaction.ReadCommitted)
		t2 := e.begin(t, transaction.ReadCommitted)
		require.Nil(t, e.store.Write(ctx, t1, []byte(a), []byte("1")))
		require.Nil(t, e.store.Write(ctx, t2, []byte(b), []byte("2")))

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := e.snapMgr.Capture(xid.InvalidTxnID)
				_, errB := e.store.Read([]byte(b), snap)
				_, errA := e.store.Read([]byte(a), snap)
				snap.Release()
				if errB == nil {
					assert.Nil(t, errA, "later commit visible without the earlier one")
				}
			}
		}()
		e.commit(t, t1)
		e.commit(t, t2)
		close(stop)
		wg.Wait()
	}
}

func TestScan(t *testing.T) {
	e := newTestEnv(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		e.put(t, k, "v"+k)
	}
	txn := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Delete(context.Background(), txn, []byte("c")))
	e.commit(t, txn)

	snap := e.snapMgr.Capture(xid.InvalidTxnID)
	defer snap.Release()
	pairs, err := e.store.Scan([]byte("b"), []byte("e"), snap, 0)
	require.Nil(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "b", string(pairs[0].Key))
	assert.Equal(t, "vd", string(pairs[1].Value))

	pairs, err = e.store.Scan(nil, nil, snap, 3)
	require.Nil(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "d", string(pairs[2].Key))
}

func dataRecords(t *testing.T, w *wal.Manager) []*wal.Record {
	require.Nil(t, w.FlushAll())
	var recs []*wal.Record
	r := w.NewReader(w.StartLSN())
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs
		}
		require.Nil(t, err)
		recs = append(recs, rec)
	}
}

// replay builds a store from recs the way recovery does, applying each data record times times.
func replay(t *testing.T, recs []*wal.Record, times int) *Store {
	e := newTestEnv(t)
	for _, rec := range recs {
		switch rec.Kind {
		case wal.KindCommit:
			require.Nil(t, e.clog.SetStatus(rec.Xid, clog.StatusCommitted))
		case wal.KindAbort:
			require.Nil(t, e.clog.SetStatus(rec.Xid, clog.StatusAborted))
		}
	}
	for i := 0; i < times; i++ {
		for _, rec := range recs {
			for j := 0; j < times; j++ {
				_, err := e.store.ApplyRecord(rec)
				require.Nil(t, err)
			}
		}
	}
	return e.store
}

func images(s *Store) map[string][]byte {
	out := make(map[string][]byte)
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.index.Ascend(func(item btree.Item) bool {
		c := item.(*chain)
		out[string(c.key)] = encodeChain(c)
		return true
	})
	return out
}

func TestRedoIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.put(t, "a", "1")
	e.put(t, "b", "1")
	e.put(t, "a", "2")
	txn := e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Write(ctx, txn, []byte("b"), []byte("lost")))
	e.abort(t, txn)
	txn = e.begin(t, transaction.ReadCommitted)
	require.Nil(t, e.store.Delete(ctx, txn, []byte("a")))
	require.Nil(t, e.store.Write(ctx, txn, []byte("c"), []byte("1")))
	e.commit(t, txn)
	e.put(t, "a", "3")

	recs := dataRecords(t, e.wal)
	once := replay(t, recs, 1)
	twice := replay(t, recs, 2)
	assert.Equal(t, images(e.store), images(once))
	assert.Equal(t, images(once), images(twice))

	applied, err := once.ApplyRecord(recs[0])
	require.Nil(t, err)
	assert.False(t, applied)
}

func TestImageRoundTrip(t *testing.T) {
	c := newChain([]byte("k"))
	c.push(xid.FrozenTxnID, 7, []byte("small"))
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}
	c.push(7, xid.InvalidTxnID, big)
	c.lastLSN = 1234

	data := encodeChain(c)
	assert.Equal(t, imageLz4, data[0])
	assert.True(t, len(data) < len(big))
	got, err := decodeChain([]byte("k"), data)
	require.Nil(t, err)
	assert.Equal(t, data, encodeChain(got))
	assert.Equal(t, wal.LSN(1234), got.lastLSN)
	assert.Equal(t, 2, got.size)

	// The zero bytes of a tiny image still compress.
	small := newChain([]byte("s"))
	small.push(3, 0, []byte("x"))
	data = encodeChain(small)
	assert.Equal(t, imageLz4, data[0])
	got, err = decodeChain([]byte("s"), data)
	require.Nil(t, err)
	assert.Equal(t, "x", string(got.at(got.newest).payload))

	noise := make([]byte, 256)
	rand.New(rand.NewSource(42)).Read(noise)
	random := newChain([]byte("r"))
	random.push(0x55667788, 0x11223344, noise)
	random.lastLSN = 0x0102030405060708
	data = encodeChain(random)
	assert.Equal(t, imageRaw, data[0])
	got, err = decodeChain([]byte("r"), data)
	require.Nil(t, err)
	assert.Equal(t, noise, got.at(got.newest).payload)

	_, err = decodeChain([]byte("r"), data[:4])
	assert.Equal(t, ErrCorruptImage, errors.Cause(err))
}

func TestSwapDirty(t *testing.T) {
	e := newTestEnv(t)
	e.put(t, "a", "1")
	e.put(t, "b", "1")
	assert.Equal(t, 2, e.store.DirtyCount())

	redo, keys := e.store.SwapDirty(e.wal.InsertLSN)
	assert.Equal(t, e.wal.InsertLSN(), redo)
	require.Len(t, keys, 2)
	assert.Equal(t, "a", string(keys[0]))
	assert.Equal(t, 0, e.store.DirtyCount())

	e.put(t, "c", "1")
	e.store.RestoreDirty(keys)
	assert.Equal(t, 3, e.store.DirtyCount())
}
