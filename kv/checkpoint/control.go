package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/util/engine_util"
	"github.com/tinypg/tinypg/kv/wal"
)

var controlKey = []byte("control")

const controlSize = 8 + 20

// Control is the durable pointer recovery starts from: the latest completed
// checkpoint's record position and its marker. A standby checkpoint logs no
// record and leaves CheckpointLSN invalid.
// see postgres src/include/catalog/pg_control.h
type Control struct {
	CheckpointLSN wal.LSN
	Marker        wal.CheckpointMarker
}

func (c *Control) Encode() []byte {
	buf := make([]byte, 8, controlSize)
	binary.BigEndian.PutUint64(buf, uint64(c.CheckpointLSN))
	return append(buf, c.Marker.Encode()...)
}

func DecodeControl(buf []byte) (*Control, error) {
	if len(buf) != controlSize {
		return nil, errors.Errorf("control record has %d bytes", len(buf))
	}
	marker, err := wal.DecodeCheckpointMarker(buf[8:])
	if err != nil {
		return nil, err
	}
	return &Control{CheckpointLSN: wal.LSN(binary.BigEndian.Uint64(buf[:8])), Marker: *marker}, nil
}

func (c *Control) String() string {
	return fmt.Sprintf("checkpoint at %v, %v", c.CheckpointLSN, &c.Marker)
}

// LoadControl reads the control record. It returns nil without error when no
// checkpoint completed yet.
func LoadControl(db *badger.DB) (*Control, error) {
	val, err := engine_util.GetCF(db, engine_util.CfMeta, controlKey)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "read control record")
	}
	return DecodeControl(val)
}

func PutControl(db *badger.DB, c *Control) error {
	return errors.Annotate(engine_util.PutCF(db, engine_util.CfMeta, controlKey, c.Encode()), "write control record")
}
