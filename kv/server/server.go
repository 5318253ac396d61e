// Package server runs an engine as a process: the replication listener of a
// primary or the replication client of a standby, plus the admin HTTP API.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/kv/admin"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/kv/engine"
	"github.com/tinypg/tinypg/kv/replication/transport"
	"github.com/tinypg/tinypg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Server faces outwards: standbys connect to it to stream the log, operators
// to manage it.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine

	grpcServer *grpc.Server
	replL      net.Listener
	httpServer *http.Server
	adminL     net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Engine returns the running engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// ReplicationAddr is the address the replication listener is bound to, empty on a standby.
func (s *Server) ReplicationAddr() string {
	if s.replL == nil {
		return ""
	}
	return s.replL.Addr().String()
}

// AdminAddr is the address the admin API is bound to, empty when disabled.
func (s *Server) AdminAddr() string {
	if s.adminL == nil {
		return ""
	}
	return s.adminL.Addr().String()
}

// Start opens the engine and starts serving. It does not block.
func (s *Server) Start() error {
	e, err := engine.Open(s.cfg)
	if err != nil {
		return err
	}
	s.engine = e
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.Standby {
		s.startClient(ctx)
	} else if err = s.startReplication(); err != nil {
		s.Stop()
		return err
	}
	if len(s.cfg.AdminAddr) > 0 {
		if err = s.startAdmin(); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

func (s *Server) startReplication() error {
	var alivePolicy = keepalive.EnforcementPolicy{
		MinTime:             2 * time.Second, // If a client pings more than once every 2 seconds, terminate the connection
		PermitWithoutStream: true,            // Allow pings even when there are no active streams
	}
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(alivePolicy),
		grpc.InitialWindowSize(1<<30),
		grpc.InitialConnWindowSize(1<<30),
		grpc.MaxRecvMsgSize(10*1024*1024),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
	)
	transport.NewServer(s.engine.Replication(), s.cfg).Register(s.grpcServer)
	grpc_prometheus.Register(s.grpcServer)
	l, err := net.Listen("tcp", s.cfg.ReplicationAddr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", s.cfg.ReplicationAddr)
	}
	s.replL = l
	log.Infof("replication listening on %s", l.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(l); err != nil {
			log.Errorf("replication server: %v", err)
		}
	}()
	return nil
}

func (s *Server) startClient(ctx context.Context) {
	client := transport.NewClient(s.cfg.PrimaryAddr, s.cfg.SlotName, s.engine.Receiver())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := client.Run(ctx); err != nil {
			log.Errorf("replication client: %v", err)
		}
	}()
}

func (s *Server) startAdmin() error {
	l, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", s.cfg.AdminAddr)
	}
	s.adminL = l
	s.httpServer = &http.Server{Handler: admin.NewHandler(s.engine)}
	log.Infof("admin api listening on %s", l.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server: %v", err)
		}
	}()
	return nil
}

// Stop stops serving and closes the engine with a shutdown checkpoint.
func (s *Server) Stop() error {
	s.stopServing()
	if s.engine == nil {
		return nil
	}
	return s.engine.Close()
}

// StopImmediate stops serving and closes the engine without a checkpoint.
func (s *Server) StopImmediate() error {
	s.stopServing()
	if s.engine == nil {
		return nil
	}
	return s.engine.CloseImmediate()
}

func (s *Server) stopServing() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	s.wg.Wait()
}
