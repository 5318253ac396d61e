package replication

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/wal"
)

// Message carries whole log records starting at Start.
type Message struct {
	Start wal.LSN
	Data  []byte
	// Flushed is the sender's durable end when the message was cut.
	Flushed wal.LSN
}

func (m *Message) End() wal.LSN {
	return m.Start + wal.LSN(len(m.Data))
}

// Channel is a reliable, ordered link to one follower.
type Channel interface {
	Send(ctx context.Context, msg *Message) error
}

var ErrChannelClosed = errors.New("replication channel closed")

// Pipe is an in-process Channel. The follower side reads with Recv.
type Pipe struct {
	ch     chan *Message
	closed chan struct{}
}

func NewPipe(capacity int) *Pipe {
	return &Pipe{
		ch:     make(chan *Message, capacity),
		closed: make(chan struct{}),
	}
}

func (p *Pipe) Send(ctx context.Context, msg *Message) error {
	select {
	case p.ch <- msg:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg := <-p.ch:
		return msg, nil
	case <-p.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close makes both ends fail. Messages still queued are dropped.
func (p *Pipe) Close() {
	close(p.closed)
}
