package replication

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
)

// node is a primary or standby assembled from its parts.
type node struct {
	alloc   *xid.Allocator
	clog    *clog.Log
	snapMgr *snapshot.Manager
	waiter  *lockwaiter.Manager
	wal     *wal.Manager
	store   *heap.Store
}

func newNode(t *testing.T) *node {
	cl, err := clog.New(nil, 0)
	require.Nil(t, err)
	w, err := wal.NewManager(wal.NewMemStorage())
	require.Nil(t, err)
	n := &node{
		alloc:  xid.NewAllocator(xid.FirstNormalTxnID, xid.FirstNormalTxnID, 1<<30, 1<<31),
		clog:   cl,
		waiter: lockwaiter.NewManager(),
		wal:    w,
	}
	n.snapMgr = snapshot.NewManager(n.alloc, cl)
	n.store = heap.NewStore(n.snapMgr, cl, w, n.waiter)
	return n
}

func (n *node) begin(t *testing.T) *transaction.Txn {
	id, err := n.snapMgr.Begin()
	require.Nil(t, err)
	return transaction.NewTxn(id, transaction.ReadCommitted, n.snapMgr)
}

// end finishes txn the way the engine does and returns the error of the
// synchronous wait, if any.
func (n *node) end(ctx context.Context, t *testing.T, txn *transaction.Txn, commit bool) error {
	require.Nil(t, txn.BeginEnd(commit))
	release := n.store.HoldRedo()
	var lsn wal.LSN
	var err error
	st := clog.StatusAborted
	if commit {
		lsn, err = n.wal.CommitLocal(txn.ID())
		st = clog.StatusCommitted
	} else {
		_, err = n.wal.Abort(txn.ID())
	}
	require.Nil(t, err)
	require.Nil(t, n.clog.SetStatus(txn.ID(), st))
	release()
	if commit {
		err = n.wal.WaitSync(ctx, lsn)
	}
	txn.Finish(commit)
	n.snapMgr.End(txn.ID())
	n.waiter.WakeUp(txn.ID())
	return err
}

func (n *node) put(t *testing.T, key, value string) {
	txn := n.begin(t)
	require.Nil(t, n.store.Write(context.Background(), txn, []byte(key), []byte(value)))
	require.Nil(t, n.end(context.Background(), t, txn, true))
}

func (n *node) read(t *testing.T, key string) (string, bool) {
	snap := n.snapMgr.Capture(xid.InvalidTxnID)
	defer snap.Release()
	val, err := n.store.Read([]byte(key), snap)
	if errors.Cause(err) == txnerr.ErrNotFound {
		return "", false
	}
	require.Nil(t, err)
	return string(val), true
}
