package replication

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/wal"
)

// SlotState is one of Inactive, Streaming or Stopped.
type SlotState interface {
	fmt.Stringer
	isSlotState()
}

// Inactive is a slot no sender is streaming from. It still pins the log.
type Inactive struct {
	Since time.Time
}

// Streaming is a slot a sender is shipping records from.
type Streaming struct {
	Peer  string
	Since time.Time
}

// Stopped is a dropped slot. It is terminal.
type Stopped struct {
	Reason string
}

func (Inactive) isSlotState()  {}
func (Streaming) isSlotState() {}
func (Stopped) isSlotState()   {}

func (s Inactive) String() string  { return "inactive" }
func (s Streaming) String() string { return "streaming" }
func (s Stopped) String() string   { return "stopped" }

var (
	// ErrSlotActive is returned when a second sender tries to stream from a slot.
	ErrSlotActive = errors.New("replication slot is active")
	// ErrSlotStopped is returned for anything but reads on a dropped slot.
	ErrSlotStopped = errors.New("replication slot was dropped")
)

func activate(s SlotState, peer string, now time.Time) (SlotState, error) {
	switch st := s.(type) {
	case Inactive:
		return Streaming{Peer: peer, Since: now}, nil
	case Streaming:
		return s, errors.Annotatef(ErrSlotActive, "streaming to %s", st.Peer)
	}
	return s, ErrSlotStopped
}

func deactivate(s SlotState, now time.Time) (SlotState, error) {
	switch s.(type) {
	case Streaming:
		return Inactive{Since: now}, nil
	case Inactive:
		return s, nil
	}
	return s, ErrSlotStopped
}

func stop(s SlotState, reason string) (SlotState, error) {
	if _, ok := s.(Stopped); ok {
		return s, ErrSlotStopped
	}
	return Stopped{Reason: reason}, nil
}

// Slot is a named cursor into the log. The log keeps every record from the
// slot's confirmed point on.
type Slot struct {
	Name string
	Sync bool

	state SlotState
	// confirmed is the exclusive end of what the follower reported flushed.
	confirmed wal.LSN
	sent      wal.LSN
	createdAt time.Time
	// done is closed when the slot is dropped.
	done chan struct{}
}

func newSlot(name string, sync bool, at wal.LSN) *Slot {
	now := time.Now()
	return &Slot{
		Name:      name,
		Sync:      sync,
		state:     Inactive{Since: now},
		confirmed: at,
		sent:      at,
		createdAt: now,
		done:      make(chan struct{}),
	}
}

// SlotInfo is a copy of a slot's state.
type SlotInfo struct {
	Name      string    `json:"name"`
	Sync      bool      `json:"sync"`
	State     string    `json:"state"`
	Peer      string    `json:"peer,omitempty"`
	Confirmed wal.LSN   `json:"confirmed_lsn"`
	Sent      wal.LSN   `json:"sent_lsn"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Slot) info() SlotInfo {
	info := SlotInfo{
		Name:      s.Name,
		Sync:      s.Sync,
		State:     s.state.String(),
		Confirmed: s.confirmed,
		Sent:      s.sent,
		CreatedAt: s.createdAt,
	}
	if st, ok := s.state.(Streaming); ok {
		info.Peer = st.Peer
	}
	return info
}
