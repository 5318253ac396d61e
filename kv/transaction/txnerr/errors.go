// Package txnerr holds the error values returned by the engine's public operations.
// Callers compare with errors.Cause(err) == txnerr.ErrX; errors are annotated on the way up.
package txnerr

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrInvalidTransactionState is returned when an operation runs on a transaction that already ended,
	// or when a transaction is ended twice.
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	// ErrSerializationFailure is returned when a repeatable read or serializable transaction would update
	// a row changed by a transaction committed after its snapshot. The client should retry the whole transaction.
	ErrSerializationFailure = errors.New("could not serialize access due to concurrent update")
	// ErrDurabilityFailure is returned when the log medium rejected a flush. The log stops accepting appends.
	ErrDurabilityFailure = errors.New("log flush failed")
	// ErrWraparoundImminent is returned by Begin once allocating further ids would risk wraparound.
	ErrWraparoundImminent = errors.New("transaction id wraparound imminent, run vacuum to freeze old transactions")
	// ErrReplicationStall is returned when a commit stopped waiting for synchronous standbys.
	// The commit is durable locally.
	ErrReplicationStall = errors.New("synchronous replication wait cancelled")
	// ErrNotFound is returned when no version of the row is visible.
	ErrNotFound = errors.New("row not found")
	// ErrReadOnly is returned for writes on a standby.
	ErrReadOnly = errors.New("cannot write in a read-only standby")
	// ErrLockTimeout is returned when waiting on a conflicting writer exceeded the lock wait timeout.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// ErrSlotExists is returned when attaching a replication slot under a taken name.
type ErrSlotExists string

func (e ErrSlotExists) Error() string {
	return fmt.Sprintf("replication slot %q already exists", string(e))
}

// ErrSlotNotFound is returned for administrative operations on an unknown slot.
type ErrSlotNotFound string

func (e ErrSlotNotFound) Error() string {
	return fmt.Sprintf("replication slot %q does not exist", string(e))
}

// IsRetryable reports whether a client may run the same transaction again and expect it to succeed.
func IsRetryable(err error) bool {
	switch errors.Cause(err) {
	case ErrSerializationFailure, ErrLockTimeout:
		return true
	}
	return false
}
