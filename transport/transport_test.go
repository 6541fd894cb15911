package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type echoServer struct {
	wire.UnimplementedFunctionRPCServer
	received chan *wire.StreamingMessage
}

func (s *echoServer) EventStream(stream grpc.BidiStreamingServer[wire.StreamingMessage, wire.StreamingMessage]) error {
	defer close(s.received)
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		s.received <- msg
		if err := stream.Send(&wire.StreamingMessage{RequestID: msg.RequestID, WorkerStatusResponse: &wire.WorkerStatusResponse{}}); err != nil {
			return err
		}
	}
}

func startTestHost(t *testing.T, server wire.FunctionRPCServer) *grpc.ClientConn {
	t.Helper()
	srv := grpc.NewServer()
	wire.RegisterFunctionRPCServer(srv, server)
	lis := bufconn.Listen(1024 * 1024)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = lis.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, `passthrough:///bufnet`, WithDialOptions(
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
	))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStream(t *testing.T) {
	server := &echoServer{received: make(chan *wire.StreamingMessage, 32)}
	conn := startTestHost(t, server)
	sink := metrics.NewInmemSink(time.Minute, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := Open[wire.StreamingMessage, wire.StreamingMessage](ctx, wire.NewFunctionRPCClient(conn).EventStream, sink)
	require.NoError(t, err)
	defer stream.Close()

	responses := make(chan *wire.StreamingMessage, 32)
	stream.Subscribe(ctx, responses)

	for i := range 5 {
		require.NoError(t, stream.Send(&wire.StreamingMessage{
			RequestID:           strconv.Itoa(i),
			WorkerStatusRequest: &wire.WorkerStatusRequest{},
		}))
	}

	for i := range 5 {
		select {
		case res := <-responses:
			assert.Equal(t, strconv.Itoa(i), res.RequestID)
			assert.Equal(t, wire.ContentWorkerStatusResponse, res.Content())
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		}
	}

	require.NoError(t, stream.Shutdown(ctx))
	assert.ErrorIs(t, stream.Send(&wire.StreamingMessage{}), net.ErrClosed)

	var requests []string
	for msg := range server.received {
		requests = append(requests, msg.RequestID)
	}
	assert.Equal(t, []string{`0`, `1`, `2`, `3`, `4`}, requests)
	assert.NoError(t, stream.Err())
	assert.Equal(t, 5.0, telemetry.Counter(sink, telemetry.MetricStreamMessagesOut))
	assert.Equal(t, 5.0, telemetry.Counter(sink, telemetry.MetricStreamMessagesIn))
	assert.Zero(t, telemetry.Counter(sink, telemetry.MetricStreamErrorCount))
}

type blockingServer struct {
	wire.UnimplementedFunctionRPCServer
}

func (blockingServer) EventStream(stream grpc.BidiStreamingServer[wire.StreamingMessage, wire.StreamingMessage]) error {
	<-stream.Context().Done()
	return stream.Context().Err()
}

func TestStream_stopRejectsSends(t *testing.T) {
	conn := startTestHost(t, blockingServer{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := Open[wire.StreamingMessage, wire.StreamingMessage](ctx, wire.NewFunctionRPCClient(conn).EventStream, metrics.NewInmemSink(time.Minute, time.Minute))
	require.NoError(t, err)

	stream.Stop()
	stream.Stop()
	assert.ErrorIs(t, stream.Send(&wire.StreamingMessage{}), ErrStopped)
	assert.Error(t, stream.Send(nil))

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_ = stream.Shutdown(shortCtx)
	select {
	case <-stream.Done():
	default:
		t.Fatal(`expected stream to be done`)
	}
}

func TestStream_factoryError(t *testing.T) {
	want := errors.New(`no stream`)
	_, err := Open[wire.StreamingMessage, wire.StreamingMessage](context.Background(), func(context.Context, ...grpc.CallOption) (grpc.BidiStreamingClient[wire.StreamingMessage, wire.StreamingMessage], error) {
		return nil, want
	}, nil)
	assert.ErrorIs(t, err, want)
}

func TestDial_connectTimeout(t *testing.T) {
	_, err := Dial(context.Background(), `passthrough:///unreachable`,
		WithConnectTimeout(100*time.Millisecond),
		WithMaxMessageLength(1024),
		WithDialOptions(grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New(`refused`)
		})),
	)
	assert.ErrorIs(t, err, ErrConnectTimeout)
}
