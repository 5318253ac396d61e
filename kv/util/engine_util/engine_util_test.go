package engine_util

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/stretchr/testify/require"
)

func TestEngineUtil(t *testing.T) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	db, err := CreateDB(dir)
	require.Nil(t, err)
	defer db.Close()

	batch := new(WriteBatch)
	batch.SetCF(CfHeap, []byte("a"), []byte("a1"))
	batch.SetCF(CfHeap, []byte("b"), []byte("b1"))
	batch.SetCF(CfHeap, []byte("c"), []byte("c1"))
	batch.SetCF(CfClog, []byte{0, 0, 0, 3}, []byte{1})
	batch.SetCF(CfClog, []byte{0, 0, 0, 4}, []byte{2})
	batch.SetCF(CfMeta, []byte("control"), []byte("m"))
	batch.SetCF(CfHeap, []byte("e"), []byte("e1"))
	batch.DeleteCF(CfHeap, []byte("e"))
	require.Equal(t, 8, batch.Len())
	err = batch.WriteToDB(db)
	require.Nil(t, err)

	_, err = GetCF(db, CfHeap, []byte("e"))
	require.Equal(t, err, badger.ErrKeyNotFound)

	err = PutCF(db, CfHeap, []byte("e"), []byte("e2"))
	require.Nil(t, err)
	val, _ := GetCF(db, CfHeap, []byte("e"))
	require.Equal(t, val, []byte("e2"))
	err = DeleteCF(db, CfHeap, []byte("e"))
	require.Nil(t, err)
	_, err = GetCF(db, CfHeap, []byte("e"))
	require.Equal(t, err, badger.ErrKeyNotFound)

	txn := db.NewTransaction(false)
	defer txn.Discard()
	heapIter := NewCFIterator(CfHeap, txn)
	heapIter.Seek([]byte("b"))
	item := heapIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("b")))
	val, _ = item.Value()
	require.True(t, bytes.Equal(val, []byte("b1")))
	heapIter.Next()
	item = heapIter.Item()
	require.True(t, bytes.Equal(item.Key(), []byte("c")))
	heapIter.Next()
	require.False(t, heapIter.Valid())
	heapIter.Close()

	var clogKeys [][]byte
	err = ScanCF(db, CfClog, func(key, val []byte) (bool, error) {
		clogKeys = append(clogKeys, key)
		return true, nil
	})
	require.Nil(t, err)
	require.Equal(t, [][]byte{{0, 0, 0, 3}, {0, 0, 0, 4}}, clogKeys)
}
