package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// Column families stored in the single badger instance. Badger has no native
// column families, so each key is prefixed with "<cf>_".
const (
	// CfHeap holds checkpoint images of version chains, keyed by row key.
	CfHeap string = "heap"
	// CfClog holds decided transaction statuses, keyed by big-endian xid.
	CfClog string = "clog"
	// CfMeta holds the control record and other singletons.
	CfMeta string = "meta"
)

// CreateDB opens (creating if needed) a badger DB rooted at dir. Writes are
// synchronous: a checkpoint is only complete once its images are on disk.
func CreateDB(dir string) (*badger.DB, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	return db, nil
}
