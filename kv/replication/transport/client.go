package transport

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/replication"
	"github.com/tinypg/tinypg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const defaultRetryInterval = time.Second

// Client streams from a primary into a Receiver, reconnecting from the last
// flushed position whenever the stream breaks.
type Client struct {
	addr          string
	slot          string
	recv          *replication.Receiver
	retryInterval time.Duration
}

func NewClient(addr, slot string, recv *replication.Receiver) *Client {
	return &Client{addr: addr, slot: slot, recv: recv, retryInterval: defaultRetryInterval}
}

func (c *Client) SetRetryInterval(d time.Duration) {
	c.retryInterval = d
}

// Run streams until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("replication stream from %s broke: %v, retry in %v", c.addr, err, c.retryInterval)
		select {
		case <-time.After(c.retryInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) stream(ctx context.Context) error {
	cc, err := grpc.Dial(c.addr, grpc.WithInsecure(),
		grpc.WithInitialWindowSize(2*1024*1024),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                3 * time.Second,
			Timeout:             60 * time.Second,
			PermitWithoutStream: true,
		}))
	if err != nil {
		return errors.Trace(err)
	}
	defer cc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return errors.Trace(err)
	}
	from := c.recv.FlushedLSN()
	start := &Frame{Kind: FrameStart, LSN: from, Slot: c.slot, Version: ProtocolVersion}
	if err = stream.SendMsg(start); err != nil {
		return errors.Trace(err)
	}
	log.Infof("streaming from %s, slot %s, at %v", c.addr, c.slot, from)

	for {
		frame := new(Frame)
		if err = stream.RecvMsg(frame); err != nil {
			return err
		}
		if frame.Kind != FrameData {
			return errors.Errorf("unexpected frame kind %d from primary", frame.Kind)
		}
		ack, err := c.recv.Receive(&replication.Message{Start: frame.LSN, Data: frame.Data, Flushed: frame.Flushed})
		if err != nil {
			return err
		}
		if err = stream.SendMsg(&Frame{Kind: FrameAck, LSN: ack}); err != nil {
			return errors.Trace(err)
		}
	}
}
