package checkpoint

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/wal"
)

type State int

const (
	StateIdle State = iota
	// StateCollecting takes the redo point and the set of chains changed since the last checkpoint.
	StateCollecting
	// StateFlushing writes chain images and commit log entries to badger.
	StateFlushing
	// StateMarking logs the checkpoint record and points the control record at it.
	StateMarking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateFlushing:
		return "flushing"
	case StateMarking:
		return "marking"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Trigger int

const (
	TriggerTime Trigger = iota
	TriggerSize
	TriggerManual
	TriggerShutdown
)

func (t Trigger) String() string {
	switch t {
	case TriggerTime:
		return "time"
	case TriggerSize:
		return "size"
	case TriggerManual:
		return "manual"
	case TriggerShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Immediate reports whether a checkpoint for this trigger flushes without throttling.
func (t Trigger) Immediate() bool {
	return t == TriggerManual || t == TriggerShutdown
}

// ErrBadTransition is returned when a transition is not allowed from the current state.
var ErrBadTransition = errors.New("checkpoint: invalid state transition")

// Machine tracks one checkpoint through its states. Every transition checks the
// state it starts from, so a run can only proceed in order or be abandoned.
type Machine struct {
	state   State
	trigger Trigger
	marker  wal.CheckpointMarker
	keys    [][]byte
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Trigger() Trigger {
	return m.trigger
}

func (m *Machine) Marker() wal.CheckpointMarker {
	return m.marker
}

// Keys are the row keys collected for the running checkpoint.
func (m *Machine) Keys() [][]byte {
	return m.keys
}

func (m *Machine) transit(from, to State) error {
	if m.state != from {
		return errors.Annotatef(ErrBadTransition, "%v -> %v while %v", from, to, m.state)
	}
	m.state = to
	return nil
}

// Start moves Idle -> Collecting.
func (m *Machine) Start(trigger Trigger) error {
	if err := m.transit(StateIdle, StateCollecting); err != nil {
		return err
	}
	m.trigger = trigger
	return nil
}

// Collected moves Collecting -> Flushing with the redo point and the dirty keys.
func (m *Machine) Collected(marker wal.CheckpointMarker, keys [][]byte) error {
	if err := m.transit(StateCollecting, StateFlushing); err != nil {
		return err
	}
	m.marker = marker
	m.keys = keys
	return nil
}

// Flushed moves Flushing -> Marking.
func (m *Machine) Flushed() error {
	return m.transit(StateFlushing, StateMarking)
}

// Marked moves Marking -> Idle.
func (m *Machine) Marked() error {
	if err := m.transit(StateMarking, StateIdle); err != nil {
		return err
	}
	m.keys = nil
	return nil
}

// Abandon returns to Idle from any state and hands back the collected keys,
// which the next checkpoint has to write again.
func (m *Machine) Abandon() [][]byte {
	keys := m.keys
	m.state = StateIdle
	m.keys = nil
	return keys
}
