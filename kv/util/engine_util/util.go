package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

// GetCF returns badger.ErrKeyNotFound (unwrapped) when the key is missing.
func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetCFFromTxn(txn, cf, key)
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	v, err := item.Value()
	if err != nil {
		return nil, err
	}
	return append(val[:0], v...), nil
}

func PutCF(engine *badger.DB, cf string, key []byte, val []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

func DeleteCF(engine *badger.DB, cf string, key []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithCF(cf, key))
	})
}

// ScanCF calls fn for every key of cf in order until fn returns false or an
// error. Keys and values passed to fn are copies.
func ScanCF(db *badger.DB, cf string, fn func(key, val []byte) (bool, error)) error {
	return db.View(func(txn *badger.Txn) error {
		it := NewCFIterator(cf, txn)
		defer it.Close()
		for it.Seek(nil); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Trace(err)
			}
			more, err := fn(item.KeyCopy(nil), val)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}
