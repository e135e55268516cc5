package engine

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type executeHandler func(ctx context.Context, req *structpb.Struct, send func(map[string]any) error) error

func startEngineServer(t *testing.T, handler executeHandler) *GRPCEngine {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Execute",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				req := &structpb.Struct{}
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return handler(stream.Context(), req, func(m map[string]any) error {
					frame, err := structpb.NewStruct(m)
					if err != nil {
						return err
					}
					return stream.SendMsg(frame)
				})
			},
		}},
	}, struct{}{})
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGRPCConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	eng, err := NewGRPCEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func TestGRPCEngineStreamsMessages(t *testing.T) {
	t.Parallel()

	var gotPrompt, gotModel string
	eng := startEngineServer(t, func(_ context.Context, req *structpb.Struct, send func(map[string]any) error) error {
		gotPrompt = req.GetFields()["prompt"].GetStringValue()
		gotModel = req.GetFields()["config"].GetStructValue().GetFields()["model"].GetStringValue()
		if err := send(map[string]any{"type": "system", "subtype": "init", "session_id": "run-7"}); err != nil {
			return err
		}
		return send(map[string]any{"type": "result", "uuid": "step-7", "total_cost_usd": 0.25, "num_turns": 2})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, eng.Health(ctx))

	stream, err := eng.Execute(ctx, Request{SessionID: "s1", Prompt: "hello", Config: domain.RunConfig{Model: "haiku"}})
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindInit, msg.Kind)
	assert.Equal(t, "run-7", msg.Init.RunID)

	msg, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, KindResult, msg.Kind)
	assert.Equal(t, "step-7", msg.Result.StepID)
	assert.Equal(t, 2, msg.Result.NumTurns)
	assert.InDelta(t, 0.25, msg.Result.CostUSD, 1e-9)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "hello", gotPrompt)
	assert.Equal(t, "haiku", gotModel)
}

func TestGRPCEngineCloseCancelsCall(t *testing.T) {
	t.Parallel()

	eng := startEngineServer(t, func(ctx context.Context, _ *structpb.Struct, _ func(map[string]any) error) error {
		<-ctx.Done()
		return ctx.Err()
	})

	stream, err := eng.Execute(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		done <- err
	}()
	require.NoError(t, stream.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
