package transport

import (
	"encoding/binary"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/wal"
	"google.golang.org/grpc/encoding"
)

const codecName = "tinypg-frame"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

type FrameKind uint8

const (
	// FrameStart opens a stream: follower version, slot and resume position.
	FrameStart FrameKind = iota + 1
	// FrameData carries log records from the primary.
	FrameData
	// FrameAck reports the follower's flushed end.
	FrameAck
)

/*
Frame layout, all integers big endian:
---------------------------------------------------------------------------
| KIND (1) | LSN (8) | FLUSHED (8) | NAME LEN (2) | NAME | VERSION LEN (2) |
| VERSION | DATA (rest)                                                     |
---------------------------------------------------------------------------
*/
type Frame struct {
	Kind    FrameKind
	LSN     wal.LSN
	Flushed wal.LSN
	Slot    string
	Version string
	Data    []byte
}

const frameHeaderSize = 1 + 8 + 8 + 2 + 2

var errBadFrame = errors.New("replication: malformed frame")

type frameCodec struct{}

func (frameCodec) Name() string {
	return codecName
}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, errors.Errorf("replication codec cannot marshal %T", v)
	}
	if len(f.Slot) > 0xffff || len(f.Version) > 0xffff {
		return nil, errors.Annotate(errBadFrame, "name too long")
	}
	buf := make([]byte, 0, frameHeaderSize+len(f.Slot)+len(f.Version)+len(f.Data))
	buf = append(buf, byte(f.Kind))
	buf = appendUint64(buf, uint64(f.LSN))
	buf = appendUint64(buf, uint64(f.Flushed))
	buf = appendString(buf, f.Slot)
	buf = appendString(buf, f.Version)
	buf = append(buf, f.Data...)
	return buf, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return errors.Errorf("replication codec cannot unmarshal into %T", v)
	}
	if len(data) < frameHeaderSize {
		return errors.Annotatef(errBadFrame, "%d bytes", len(data))
	}
	f.Kind = FrameKind(data[0])
	f.LSN = wal.LSN(binary.BigEndian.Uint64(data[1:9]))
	f.Flushed = wal.LSN(binary.BigEndian.Uint64(data[9:17]))
	rest := data[17:]
	var err error
	if f.Slot, rest, err = readString(rest); err != nil {
		return err
	}
	if f.Version, rest, err = readString(rest); err != nil {
		return err
	}
	f.Data = append([]byte(nil), rest...)
	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	return append(append(buf, b[:]...), s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, errBadFrame
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return "", nil, errors.Annotatef(errBadFrame, "string of %d bytes, %d left", n, len(data)-2)
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
