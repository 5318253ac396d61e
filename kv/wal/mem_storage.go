package wal

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// MemStorage keeps the log in memory. Flush can be made to fail for tests.
type MemStorage struct {
	mu      sync.Mutex
	base    int64
	data    []byte
	flushed int64

	failFlush *atomic.Bool
	flushes   *atomic.Int64
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		failFlush: atomic.NewBool(false),
		flushes:   atomic.NewInt64(0),
	}
}

// SetFlushFailure makes every following Flush fail (or succeed again).
func (s *MemStorage) SetFlushFailure(fail bool) {
	s.failFlush.Store(fail)
}

// Flushes returns how many Flush calls reached the medium.
func (s *MemStorage) Flushes() int64 {
	return s.flushes.Load()
}

// FlushedOffset is the end of the durable prefix.
func (s *MemStorage) FlushedOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Crash drops everything that was not flushed, as a power loss would.
func (s *MemStorage) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.data[:s.flushed-s.base]
}

func (s *MemStorage) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.base + int64(len(s.data))
	s.data = append(s.data, data...)
	return off, nil
}

func (s *MemStorage) Flush(end int64) error {
	if s.failFlush.Load() {
		return errors.New("injected flush failure")
	}
	s.flushes.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := s.base + int64(len(s.data)); end > limit {
		end = limit
	}
	if end > s.flushed {
		s.flushed = end
	}
	return nil
}

func (s *MemStorage) ReadRange(start, end int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < s.base {
		return nil, ErrCompacted
	}
	if end > s.base+int64(len(s.data)) || start > end {
		return nil, ErrUnavailable
	}
	return append([]byte(nil), s.data[start-s.base:end-s.base]...), nil
}

func (s *MemStorage) Bounds() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base, s.base + int64(len(s.data))
}

func (s *MemStorage) Truncate(before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if before <= s.base {
		return nil
	}
	if end := s.base + int64(len(s.data)); before > end {
		before = end
	}
	s.data = append([]byte(nil), s.data[before-s.base:]...)
	s.base = before
	return nil
}

func (s *MemStorage) Cut(end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end < s.base {
		return ErrCompacted
	}
	if end < s.base+int64(len(s.data)) {
		s.data = s.data[:end-s.base]
	}
	if s.flushed > end {
		s.flushed = end
	}
	return nil
}

func (s *MemStorage) Reset(base int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = base
	s.data = nil
	s.flushed = base
	return nil
}

func (s *MemStorage) Close() error {
	return nil
}
