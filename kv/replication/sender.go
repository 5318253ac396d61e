package replication

import (
	"context"
	"io"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/wal"
	"github.com/tinypg/tinypg/log"
)

const defaultMaxMessageBytes = 256 << 10

// Sender ships the durable log of one slot over a Channel.
type Sender struct {
	mgr  *Manager
	wal  *wal.Manager
	slot *Slot
	ch   Channel

	maxMessageBytes int
	pos             wal.LSN
}

// NewSender makes the slot streaming and positions the sender at from, which
// must be a record boundary the follower has everything before.
func (m *Manager) NewSender(name, peer string, from wal.LSN, ch Channel) (*Sender, error) {
	s, err := m.acquire(name, peer, from)
	if err != nil {
		return nil, err
	}
	return &Sender{
		mgr:             m,
		wal:             m.wal,
		slot:            s,
		ch:              ch,
		maxMessageBytes: defaultMaxMessageBytes,
		pos:             from,
	}, nil
}

// Sent is the end of the records handed to the channel.
func (s *Sender) Sent() wal.LSN {
	return s.pos
}

// Send ships every not yet sent durable record starting before upto, in LSN order.
func (s *Sender) Send(ctx context.Context, upto wal.LSN) error {
	if flushed := s.wal.FlushedLSN(); upto > flushed {
		upto = flushed
	}
	r := s.wal.NewReader(s.pos)
	for s.pos < upto {
		start := s.pos
		end := start
		for end < upto && int(end-start) < s.maxMessageBytes {
			rec, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Annotatef(err, "read log at %v for slot %s", r.Position(), s.slot.Name)
			}
			end = rec.End()
		}
		if end == start {
			return nil
		}
		data, err := s.wal.ReadRaw(start, end)
		if err != nil {
			return errors.Annotatef(err, "read log [%v, %v) for slot %s", start, end, s.slot.Name)
		}
		msg := &Message{Start: start, Data: data, Flushed: s.wal.FlushedLSN()}
		if err = s.ch.Send(ctx, msg); err != nil {
			return err
		}
		s.pos = end
		s.mgr.advanceSent(s.slot, end)
	}
	return nil
}

// Run ships records as they become durable until ctx ends, the slot is
// dropped or the channel fails.
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.slot.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		if err := s.Send(ctx, s.wal.FlushedLSN()); err != nil {
			return s.exitErr(err)
		}
		if _, err := s.wal.WaitForFlush(ctx, s.pos); err != nil {
			return s.exitErr(err)
		}
	}
}

func (s *Sender) exitErr(err error) error {
	select {
	case <-s.slot.done:
		return ErrSlotStopped
	default:
	}
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	log.Warnf("sender of slot %s stopped at %v: %v", s.slot.Name, s.pos, err)
	return err
}

// Close hands the slot back. It stays and keeps pinning the log.
func (s *Sender) Close() {
	s.mgr.release(s.slot)
}
