package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chirp/internal/bus"
	"github.com/matheus3301/chirp/internal/runstate"
	"github.com/matheus3301/chirp/internal/session"
)

// HealthService is the service name chirpctl probes on the control socket.
// The empty overall service reports SERVING whenever the process is up;
// this one follows the runtime state and serves only while the session is
// live.
const HealthService = "chirp.daemon"

// Server manages the gRPC control surface for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	done      chan struct{}
	cancelSub func()
	stopOnce  sync.Once
}

// NewServer creates a control server bound to the session's Unix domain
// socket, exposing the standard gRPC health service.
func NewServer(p Params, b *bus.Bus, machine *runstate.Machine, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	listener, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		done:       make(chan struct{}),
	}
	s.setState(machine.Current())

	events, cancel := b.Subscribe("session.", 16)
	s.cancelSub = cancel
	go s.track(events)

	return s, nil
}

func (s *Server) track(events <-chan bus.Event) {
	for {
		select {
		case <-s.done:
			return
		case evt := <-events:
			change, ok := evt.Payload.(runstate.StateChange)
			if !ok {
				continue
			}
			s.setState(change.To)
		}
	}
}

func (s *Server) setState(st runstate.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == runstate.Live {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop shuts the server down, falling back to a hard stop when the
// context expires with streams still open, and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.logger.Info("control server stopping")
		close(s.done)
		s.cancelSub()
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
		removeSocket(s.socketPath)
	})
}

// listenUnix binds a fresh Unix socket at path, replacing a stale one and
// restricting it to the owner.
func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

func removeSocket(path string) {
	_ = os.Remove(path)
}
