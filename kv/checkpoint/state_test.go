package checkpoint

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinypg/tinypg/kv/wal"
)

func TestMachineTransitions(t *testing.T) {
	var m Machine
	assert.Equal(t, StateIdle, m.State())

	require.Nil(t, m.Start(TriggerSize))
	assert.Equal(t, StateCollecting, m.State())
	assert.Equal(t, TriggerSize, m.Trigger())

	marker := wal.CheckpointMarker{RedoLSN: 100, NextXid: 10, OldestActiveXid: 8, OldestFrozenXid: 3}
	keys := [][]byte{[]byte("a")}
	require.Nil(t, m.Collected(marker, keys))
	assert.Equal(t, StateFlushing, m.State())
	assert.Equal(t, marker, m.Marker())
	assert.Equal(t, keys, m.Keys())

	require.Nil(t, m.Flushed())
	assert.Equal(t, StateMarking, m.State())
	require.Nil(t, m.Marked())
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Keys())
}

func TestMachineRejectsOutOfOrder(t *testing.T) {
	tests := []struct {
		name string
		prep func(m *Machine)
		step func(m *Machine) error
	}{
		{"flush while idle", func(m *Machine) {}, func(m *Machine) error { return m.Flushed() }},
		{"mark while idle", func(m *Machine) {}, func(m *Machine) error { return m.Marked() }},
		{"collect while idle", func(m *Machine) {},
			func(m *Machine) error { return m.Collected(wal.CheckpointMarker{}, nil) }},
		{"start twice", func(m *Machine) { m.Start(TriggerTime) },
			func(m *Machine) error { return m.Start(TriggerTime) }},
		{"mark before flush", func(m *Machine) {
			m.Start(TriggerTime)
			m.Collected(wal.CheckpointMarker{}, nil)
		}, func(m *Machine) error { return m.Marked() }},
	}
	for _, tt := range tests {
		var m Machine
		tt.prep(&m)
		before := m.State()
		err := tt.step(&m)
		assert.Equal(t, ErrBadTransition, errors.Cause(err), tt.name)
		assert.Equal(t, before, m.State(), tt.name)
	}
}

func TestMachineAbandon(t *testing.T) {
	var m Machine
	require.Nil(t, m.Start(TriggerManual))
	keys := [][]byte{[]byte("a"), []byte("b")}
	require.Nil(t, m.Collected(wal.CheckpointMarker{}, keys))
	assert.Equal(t, keys, m.Abandon())
	assert.Equal(t, StateIdle, m.State())
	// a new run starts from scratch
	require.Nil(t, m.Start(TriggerManual))
	assert.Nil(t, m.Keys())
}

func TestTriggerImmediate(t *testing.T) {
	assert.True(t, TriggerManual.Immediate())
	assert.True(t, TriggerShutdown.Immediate())
	assert.False(t, TriggerTime.Immediate())
	assert.False(t, TriggerSize.Immediate())
}
