package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine service wire names. Frames are google.protobuf.Struct so the
// service needs no generated stubs on either side.
const (
	ServiceName   = "rigger.engine.v1.Engine"
	executeMethod = "/" + ServiceName + "/Execute"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("engine not serving")
)

var executeDesc = &grpc.StreamDesc{StreamName: "Execute", ServerStreams: true}

// GRPCConfig holds configuration for the gRPC engine client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCEngine executes runs against a remote engine service.
type GRPCEngine struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGRPCEngine dials the engine service and waits until it is ready.
func NewGRPCEngine(cfg GRPCConfig, logger *slog.Logger) (*GRPCEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so a bad endpoint fails fast.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to engine service", "address", cfg.Address)

	return &GRPCEngine{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Engine.
func (e *GRPCEngine) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (e *GRPCEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health implements HealthChecker.
func (e *GRPCEngine) Health(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("engine health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Execute implements Engine with a server-streaming call.
func (e *GRPCEngine) Execute(ctx context.Context, req Request) (Stream, error) {
	payload, err := requestStruct(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := e.conn.NewStream(streamCtx, executeDesc, executeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("execute request failed: %w", err)
	}
	if err := cs.SendMsg(payload); err != nil {
		cancel()
		return nil, fmt.Errorf("send execute request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("close execute send: %w", err)
	}

	return &grpcStream{cs: cs, cancel: cancel, logger: e.logger.With("session_id", req.SessionID)}, nil
}

func requestStruct(req Request) (*structpb.Struct, error) {
	cfg, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal run config: %w", err)
	}
	var cfgMap map[string]any
	if err := json.Unmarshal(cfg, &cfgMap); err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	s, err := structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"resume":     req.ResumeRunID,
		"prompt":     req.Prompt,
		"config":     cfgMap,
	})
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	return s, nil
}

type grpcStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	once   sync.Once
	closed bool
	mu     sync.Mutex
	logger *slog.Logger
}

// Next implements Stream.
func (s *grpcStream) Next(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		frame := &structpb.Struct{}
		err := s.cs.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			if s.isClosed() {
				return nil, ErrStreamClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("engine stream error: %w", err)
		}

		line, err := protojson.Marshal(frame)
		if err != nil {
			s.logger.Warn("Skipping unencodable engine frame", "error", err)
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			s.logger.Warn("Skipping malformed engine frame", "error", err)
			continue
		}
		return msg, nil
	}
}

// Close implements Stream by cancelling the call.
func (s *grpcStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

func (s *grpcStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
