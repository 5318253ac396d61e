package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/log"
)

/*
FileStorage lays the stream out over fixed size segment files:

	wal_0000000000000000.log  offsets [0, segmentSize)
	wal_0000000000000001.log  offsets [segmentSize, 2*segmentSize)
	...

A record may span two segments. Segments entirely before the truncation point
are removed. wal.meta holds the first retained offset, which is not segment
aligned when the stream was reset to a base taken from another server.
*/
type FileStorage struct {
	dir         string
	segmentSize int64

	mu       sync.Mutex
	files    map[int64]*os.File
	unsynced map[int64]struct{}
	first    int64
	end      int64
}

const metaFileName = "wal.meta"

func segmentFileName(id int64) string {
	return fmt.Sprintf("wal_%016x.log", id)
}

func parseSegmentFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log"), 16, 63)
	if err != nil {
		return 0, false
	}
	return int64(id), true
}

// OpenFileStorage opens or creates the segment files under dir.
func OpenFileStorage(dir string, segmentSize int64) (*FileStorage, error) {
	if segmentSize <= 0 {
		return nil, errors.Errorf("invalid segment size %d", segmentSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	s := &FileStorage{
		dir:         dir,
		segmentSize: segmentSize,
		files:       make(map[int64]*os.File),
		unsynced:    make(map[int64]struct{}),
	}
	ids, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	first, hasMeta, err := s.readMeta()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		s.first, s.end = first, first
		return s, nil
	}
	if !hasMeta {
		first = ids[0] * segmentSize
	}
	last := ids[len(ids)-1]
	fi, err := os.Stat(filepath.Join(dir, segmentFileName(last)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.first = first
	s.end = last*segmentSize + fi.Size()
	if s.end < s.first {
		s.end = s.first
	}
	log.Infof("opened wal at %s with %d segments, range [%d, %d)", dir, len(ids), s.first, s.end)
	return s, nil
}

func (s *FileStorage) listSegments() ([]int64, error) {
	names, err := filepath.Glob(filepath.Join(s.dir, "wal_*.log"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		if id, ok := parseSegmentFileName(filepath.Base(name)); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *FileStorage) readMeta() (int64, bool, error) {
	data, err := ioutil.ReadFile(filepath.Join(s.dir, metaFileName))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Trace(err)
	}
	if len(data) != 8 {
		return 0, false, errors.Errorf("wal meta file has %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), true, nil
}

// writeMeta replaces the meta file atomically through a rename.
func (s *FileStorage) writeMeta(first int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(first))
	tmp := filepath.Join(s.dir, metaFileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err = f.Write(buf[:]); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, filepath.Join(s.dir, metaFileName)))
}

func (s *FileStorage) file(id int64) (*os.File, error) {
	if f, ok := s.files[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, segmentFileName(id)), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.files[id] = f
	return f, nil
}

func (s *FileStorage) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.end
	off := start
	for len(data) > 0 {
		id := off / s.segmentSize
		pos := off % s.segmentSize
		n := int64(len(data))
		if room := s.segmentSize - pos; n > room {
			n = room
		}
		f, err := s.file(id)
		if err != nil {
			return start, err
		}
		if _, err = f.WriteAt(data[:n], pos); err != nil {
			return start, errors.Trace(err)
		}
		s.unsynced[id] = struct{}{}
		data = data[n:]
		off += n
	}
	s.end = off
	return start, nil
}

func (s *FileStorage) Flush(end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.unsynced {
		if id*s.segmentSize >= end {
			continue
		}
		if err := s.files[id].Sync(); err != nil {
			return errors.Annotatef(err, "sync %s", segmentFileName(id))
		}
		delete(s.unsynced, id)
	}
	return nil
}

func (s *FileStorage) ReadRange(start, end int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < s.first {
		return nil, ErrCompacted
	}
	if end > s.end || start > end {
		return nil, ErrUnavailable
	}
	buf := make([]byte, end-start)
	off := start
	for read := 0; read < len(buf); {
		id := off / s.segmentSize
		pos := off % s.segmentSize
		n := len(buf) - read
		if room := int(s.segmentSize - pos); n > room {
			n = room
		}
		f, err := s.file(id)
		if err != nil {
			return nil, err
		}
		if _, err = f.ReadAt(buf[read:read+n], pos); err != nil && err != io.EOF {
			return nil, errors.Trace(err)
		}
		read += n
		off += int64(n)
	}
	return buf, nil
}

func (s *FileStorage) Bounds() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, s.end
}

// Truncate removes the segments lying entirely before offset before.
func (s *FileStorage) Truncate(before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if before > s.end {
		before = s.end
	}
	boundary := (before / s.segmentSize) * s.segmentSize
	if boundary <= s.first {
		return nil
	}
	if err := s.writeMeta(boundary); err != nil {
		return err
	}
	ids, err := s.listSegments()
	if err != nil {
		return err
	}
	removed := 0
	for _, id := range ids {
		if (id+1)*s.segmentSize > boundary {
			break
		}
		if err := s.removeSegment(id); err != nil {
			return err
		}
		removed++
	}
	s.first = boundary
	log.Infof("wal recycled %d segments before offset %d", removed, boundary)
	return nil
}

func (s *FileStorage) removeSegment(id int64) error {
	if f, ok := s.files[id]; ok {
		f.Close()
		delete(s.files, id)
	}
	delete(s.unsynced, id)
	err := os.Remove(filepath.Join(s.dir, segmentFileName(id)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

func (s *FileStorage) Cut(end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end < s.first {
		return ErrCompacted
	}
	if end >= s.end {
		return nil
	}
	ids, err := s.listSegments()
	if err != nil {
		return err
	}
	for _, id := range ids {
		start := id * s.segmentSize
		switch {
		case start >= end:
			if err := s.removeSegment(id); err != nil {
				return err
			}
		case start+s.segmentSize > end:
			f, err := s.file(id)
			if err != nil {
				return err
			}
			if err = f.Truncate(end - start); err != nil {
				return errors.Trace(err)
			}
			if err = f.Sync(); err != nil {
				return errors.Trace(err)
			}
		}
	}
	log.Warnf("wal cut from %d to %d", s.end, end)
	s.end = end
	return nil
}

func (s *FileStorage) Reset(base int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.listSegments()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.removeSegment(id); err != nil {
			return err
		}
	}
	if err := s.writeMeta(base); err != nil {
		return err
	}
	s.first, s.end = base, base
	return nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
		delete(s.files, id)
	}
	return firstErr
}
