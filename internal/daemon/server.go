package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/session"
	"github.com/matheus3301/wppbot/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// HealthService is the service name whose status tracks the session phase.
const HealthService = "wppbot.Session"

// Response header keys carrying the phase alongside health checks.
const (
	HeaderPhase = "wppbot-phase"
	HeaderSince = "wppbot-since"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	quit       chan struct{}
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
// It serves only the standard health service.
func NewServer(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		health:     health.NewServer(),
		listener:   listener,
		socketPath: socketPath,
		machine:    machine,
		bus:        b,
		logger:     logger,
		quit:       make(chan struct{}),
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.phaseHeader))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setPhase(machine.Current())
	return s, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	ch, unsub := s.bus.Subscribe(bus.KindStatusChanged, 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if sc, ok := evt.Payload.(status.StatusChange); ok {
					s.setPhase(sc.To)
				}
			case <-s.quit:
				return
			}
		}
	}()

	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	close(s.quit)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// setPhase reports SERVING only while the session is open.
func (s *Server) setPhase(phase status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if phase == status.Open {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, st)
}

func (s *Server) phaseHeader(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	_ = grpc.SetHeader(ctx, metadata.Pairs(
		HeaderPhase, string(s.machine.Current()),
		HeaderSince, s.machine.Since().UTC().Format(time.RFC3339),
	))
	return handler(ctx, req)
}
