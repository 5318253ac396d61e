package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/replication"
	"github.com/tinypg/tinypg/kv/transaction"
	"github.com/tinypg/tinypg/kv/transaction/clog"
	"github.com/tinypg/tinypg/kv/transaction/snapshot"
	"github.com/tinypg/tinypg/kv/transaction/xid"
	"github.com/tinypg/tinypg/kv/util/lockwaiter"
	"github.com/tinypg/tinypg/kv/wal"
	"google.golang.org/grpc"
)

func TestFrameCodec(t *testing.T) {
	c := frameCodec{}
	in := &Frame{Kind: FrameStart, LSN: 4096, Flushed: 8192, Slot: "standby1", Version: ProtocolVersion, Data: []byte("records")}
	data, err := c.Marshal(in)
	require.Nil(t, err)
	out := new(Frame)
	require.Nil(t, c.Unmarshal(data, out))
	assert.Equal(t, in, out)

	assert.NotNil(t, c.Unmarshal(data[:10], out))
	assert.NotNil(t, c.Unmarshal(data[:frameHeaderSize+2], out))
	_, err = c.Marshal("not a frame")
	assert.NotNil(t, err)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{ProtocolVersion, true},
		{"1.4.2", true},
		{"2.0.0", false},
		{"0.9.0", false},
		{"one", false},
	}
	for _, tt := range tests {
		err := CheckVersion(tt.version)
		assert.Equal(t, tt.ok, err == nil, tt.version)
	}
}

type node struct {
	snapMgr *snapshot.Manager
	clog    *clog.Log
	waiter  *lockwaiter.Manager
	wal     *wal.Manager
	store   *heap.Store
}

func newNode(t *testing.T) *node {
	cl, err := clog.New(nil, 0)
	require.Nil(t, err)
	w, err := wal.NewManager(wal.NewMemStorage())
	require.Nil(t, err)
	alloc := xid.NewAllocator(xid.FirstNormalTxnID, xid.FirstNormalTxnID, 1<<30, 1<<31)
	n := &node{clog: cl, waiter: lockwaiter.NewManager(), wal: w}
	n.snapMgr = snapshot.NewManager(alloc, cl)
	n.store = heap.NewStore(n.snapMgr, cl, w, n.waiter)
	return n
}

func (n *node) put(t *testing.T, key, value string) {
	id, err := n.snapMgr.Begin()
	require.Nil(t, err)
	txn := transaction.NewTxn(id, transaction.ReadCommitted, n.snapMgr)
	require.Nil(t, n.store.Write(context.Background(), txn, []byte(key), []byte(value)))
	require.Nil(t, txn.BeginEnd(true))
	release := n.store.HoldRedo()
	lsn, err := n.wal.CommitLocal(id)
	require.Nil(t, err)
	require.Nil(t, n.clog.SetStatus(id, clog.StatusCommitted))
	release()
	require.Nil(t, n.wal.WaitSync(context.Background(), lsn))
	txn.Finish(true)
	n.snapMgr.End(id)
}

func (n *node) read(t *testing.T, key string) string {
	snap := n.snapMgr.Capture(xid.InvalidTxnID)
	defer snap.Release()
	val, err := n.store.Read([]byte(key), snap)
	require.Nil(t, err)
	return string(val)
}

func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamOverGRPC(t *testing.T) {
	primary, standby := newNode(t), newNode(t)
	cfg := config.NewTestConfig()
	cfg.SynchronousSlots = []string{"standby1"}
	mgr := replication.NewManager(primary.wal)
	primary.wal.SetSyncWaiter(mgr)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	g := grpc.NewServer()
	NewServer(mgr, cfg).Register(g)
	go g.Serve(l)
	defer g.Stop()

	recv := replication.NewReceiver(standby.wal, standby.store, standby.clog, standby.snapMgr, standby.waiter)
	client := NewClient(l.Addr().String(), "standby1", recv)
	client.SetRetryInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// The slot is created synchronous by the first connection, after which
	// every commit waits for the standby.
	waitUntil(t, func() bool {
		info, err := mgr.Get("standby1")
		return err == nil && info.State == "streaming"
	})
	info, err := mgr.Get("standby1")
	require.Nil(t, err)
	assert.True(t, info.Sync)

	for i := 0; i < 10; i++ {
		primary.put(t, fmt.Sprintf("k%d", i), fmt.Sprint(i))
	}
	assert.Equal(t, primary.wal.FlushedLSN(), standby.wal.FlushedLSN())
	waitUntil(t, func() bool { return recv.AppliedLSN() == primary.wal.FlushedLSN() })
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		assert.Equal(t, primary.read(t, key), standby.read(t, key))
	}

	cancel()
	require.Nil(t, <-done)
	waitUntil(t, func() bool {
		info, err := mgr.Get("standby1")
		return err == nil && info.State == "inactive"
	})
}
