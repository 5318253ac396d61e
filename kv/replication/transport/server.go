// Package transport streams the log from a primary to its standbys over gRPC.
//
// There is one bidirectional stream per standby. The standby opens it with a
// start frame naming its slot and the position to resume from, the primary
// answers with data frames and the standby reports its flushed end in ack
// frames. Frames use their own codec, registered under codecName.
package transport

import (
	"context"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/kv/replication"
	"github.com/tinypg/tinypg/kv/transaction/txnerr"
	"github.com/tinypg/tinypg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ProtocolVersion is sent in every start frame. Peers with a different major
// version refuse each other.
const ProtocolVersion = "1.0.0"

const (
	serviceName  = "tinypg.replication.Replication"
	streamMethod = "/" + serviceName + "/Stream"
)

// StreamServer is the server side of the replication service.
type StreamServer interface {
	Stream(stream grpc.ServerStream) error
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StreamServer).Stream(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "replication",
}

// CheckVersion fails unless version speaks the same major protocol version.
func CheckVersion(version string) error {
	theirs, err := semver.NewVersion(version)
	if err != nil {
		return errors.Annotatef(err, "peer protocol version %q", version)
	}
	ours := semver.New(ProtocolVersion)
	if theirs.Major != ours.Major {
		return errors.Errorf("peer speaks protocol %v, we speak %v", theirs, ours)
	}
	return nil
}

type Server struct {
	mgr *replication.Manager
	cfg *config.Config
}

func NewServer(mgr *replication.Manager, cfg *config.Config) *Server {
	return &Server{mgr: mgr, cfg: cfg}
}

// Register adds the replication service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

type streamChannel struct {
	stream grpc.ServerStream
}

func (c *streamChannel) Send(ctx context.Context, msg *replication.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.stream.SendMsg(&Frame{Kind: FrameData, LSN: msg.Start, Flushed: msg.Flushed, Data: msg.Data})
}

func (s *Server) Stream(stream grpc.ServerStream) error {
	start := new(Frame)
	if err := stream.RecvMsg(start); err != nil {
		return err
	}
	if start.Kind != FrameStart {
		return status.Errorf(codes.InvalidArgument, "expected start frame, got kind %d", start.Kind)
	}
	if err := CheckVersion(start.Version); err != nil {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	peerAddr := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		peerAddr = p.Addr.String()
	}

	if _, err := s.mgr.Get(start.Slot); err != nil {
		if _, ok := errors.Cause(err).(txnerr.ErrSlotNotFound); !ok {
			return status.Error(codes.Internal, err.Error())
		}
		if _, err = s.mgr.AttachAt(start.Slot, s.cfg.IsSynchronous(start.Slot), start.LSN); err != nil {
			return status.Error(codes.FailedPrecondition, err.Error())
		}
	}
	sender, err := s.mgr.NewSender(start.Slot, peerAddr, start.LSN, &streamChannel{stream: stream})
	if err != nil {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	defer sender.Close()

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			ack := new(Frame)
			if err := stream.RecvMsg(ack); err != nil {
				return
			}
			if ack.Kind != FrameAck {
				log.Warnf("slot %s: unexpected frame kind %d from %s", start.Slot, ack.Kind, peerAddr)
				continue
			}
			if err := s.mgr.Acknowledge(start.Slot, ack.LSN); err != nil {
				log.Warnf("slot %s: acknowledge %v: %v", start.Slot, ack.LSN, err)
				return
			}
		}
	}()

	err = sender.Run(ctx)
	if errors.Cause(err) == replication.ErrSlotStopped {
		return status.Errorf(codes.Aborted, "slot %s was dropped", start.Slot)
	}
	return err
}
