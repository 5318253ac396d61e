package wal

import "github.com/pingcap/errors"

var (
	// ErrCompacted is returned when the requested range was recycled.
	ErrCompacted = errors.New("wal: requested range is unavailable due to recycling")
	// ErrUnavailable is returned when the requested range was never written.
	ErrUnavailable = errors.New("wal: requested range is unavailable")
)

// Storage is the durable medium behind the log: a byte stream addressed by
// global offset. Offsets double as LSNs.
type Storage interface {
	// Append writes data at the end of the stream and returns the offset it starts at.
	// The data is not durable until Flush.
	Append(data []byte) (int64, error)
	// Flush makes every byte before end durable.
	Flush(end int64) error
	// ReadRange returns the bytes in [start, end).
	ReadRange(start, end int64) ([]byte, error)
	// Bounds returns the first retained offset and the end of the stream.
	Bounds() (first, end int64)
	// Truncate allows the storage to drop bytes before offset before. It may keep more.
	Truncate(before int64) error
	// Cut drops every byte from end on. Used to discard a torn tail after a crash.
	Cut(end int64) error
	// Reset drops all content and restarts the stream at base.
	Reset(base int64) error
	Close() error
}
