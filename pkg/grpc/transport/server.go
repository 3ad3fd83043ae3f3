package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/grpc/service"
	"github.com/KevoDB/kvcache/pkg/telemetry"
)

// Server exposes an object store service over gRPC
type Server struct {
	address  string
	options  Options
	svc      service.ObjectStoreServer
	logger   log.Logger
	server   *grpc.Server
	listener net.Listener
	mu       sync.Mutex
	started  bool
	done     chan error
}

// NewServer creates a server for svc that will listen on address
func NewServer(address string, svc service.ObjectStoreServer, options Options, logger log.Logger) *Server {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Server{
		address: address,
		options: options,
		svc:     svc,
		logger:  logger.WithField("component", telemetry.ComponentTransport),
	}
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	var serverOpts []grpc.ServerOption

	if s.options.TLSEnabled {
		tlsConfig, err := LoadServerTLSConfig(s.options.CertFile, s.options.KeyFile, s.options.CAFile)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	keepaliveParams := keepalive.ServerParameters{
		MaxConnectionIdle:     orDefault(s.options.MaxConnectionIdle, defaultMaxConnIdle),
		MaxConnectionAge:      orDefault(s.options.MaxConnectionAge, defaultMaxConnAge),
		MaxConnectionAgeGrace: defaultKeepAlivePolicy,
		Time:                  orDefault(s.options.KeepAliveTime, defaultKeepAliveTime),
		Timeout:               orDefault(s.options.KeepAliveTimeout, defaultKeepAlivePolicy),
	}

	keepalivePolicy := keepalive.EnforcementPolicy{
		MinTime:             defaultKeepAlivePolicy,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(keepaliveParams),
		grpc.KeepaliveEnforcementPolicy(keepalivePolicy),
		grpc.MaxRecvMsgSize(s.options.maxMessageSize()),
		grpc.MaxSendMsgSize(s.options.maxMessageSize()),
	)
	return serverOpts, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	if err := s.StartListener(listener); err != nil {
		listener.Close()
		return err
	}
	return nil
}

// StartListener serves on an existing listener in the background
func (s *Server) StartListener(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	serverOpts, err := s.serverOptions()
	if err != nil {
		return err
	}

	s.server = grpc.NewServer(serverOpts...)
	service.RegisterObjectStoreServer(s.server, s.svc)
	s.listener = listener
	s.done = make(chan error, 1)

	go func(server *grpc.Server, done chan<- error) {
		err := server.Serve(listener)
		if err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC server error: %v", err)
		}
		done <- err
	}(s.server, s.done)

	s.started = true
	s.logger.Info("Object store service listening on %s", listener.Addr())
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Wait blocks until the server stops serving
func (s *Server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	return <-done
}

// Stop stops the server gracefully, forcing it closed if ctx expires first
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.started = false
	return nil
}
