package worker

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/config"
	"github.com/joeycumines/go-funcworker/dispatcher"
	"github.com/joeycumines/go-funcworker/transport"
	"github.com/joeycumines/go-funcworker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestParseFlags(t *testing.T) {
	o, err := ParseFlags([]string{
		`--host`, `127.0.0.1`,
		`--port`, `7071`,
		`--workerId`, `w1`,
		`--requestId`, `r1`,
		`--grpcMaxMessageLength`, `1024`,
		`--connectTimeout`, `2s`,
	}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, &Options{
		Host:             `127.0.0.1`,
		Port:             7071,
		WorkerID:         `w1`,
		RequestID:        `r1`,
		MaxMessageLength: 1024,
		ConnectTimeout:   2 * time.Second,
	}, o)
	assert.Equal(t, `127.0.0.1:7071`, o.Target())
}

func TestParseFlags_defaultsAndAliases(t *testing.T) {
	o, err := ParseFlags([]string{
		`--functions-uri`, `http://[::1]:7072/`,
		`--functions-worker-id`, `w2`,
		`--functions-request-id`, `r2`,
	}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, `::1`, o.Host)
	assert.Equal(t, 7072, o.Port)
	assert.Equal(t, `w2`, o.WorkerID)
	assert.Equal(t, `r2`, o.RequestID)
	assert.Equal(t, transport.DefaultMaxMessageLength, o.MaxMessageLength)
	assert.Equal(t, transport.DefaultConnectTimeout, o.ConnectTimeout)
	assert.Equal(t, `[::1]:7072`, o.Target())
}

func TestParseFlags_invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{`empty`, nil, `host is required`},
		{`port range`, []string{`--host`, `h`, `--port`, `70000`, `--workerId`, `w`, `--requestId`, `r`}, `port 70000 out of range`},
		{`missing worker id`, []string{`--host`, `h`, `--port`, `1`, `--requestId`, `r`}, `workerId is required`},
		{`unknown flag`, []string{`--nope`}, `flag provided but not defined`},
		{`positional`, []string{`--host`, `h`, `extra`}, `unexpected arguments`},
		{`bad uri port`, []string{`--functions-uri`, `http://localhost`}, `invalid port`},
		{`timeout`, []string{`--host`, `h`, `--port`, `1`, `--workerId`, `w`, `--requestId`, `r`, `--connectTimeout`, `0s`}, `connectTimeout 0s must be positive`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := ParseFlags(tc.args, &out)
			assert.ErrorIs(t, err, ErrUsage)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

// hangupHost accepts one stream, records the start message, then closes it.
type hangupHost struct {
	wire.UnimplementedFunctionRPCServer
	started chan *wire.StreamingMessage
}

func (h *hangupHost) EventStream(stream grpc.BidiStreamingServer[wire.StreamingMessage, wire.StreamingMessage]) error {
	msg, err := stream.Recv()
	if err != nil {
		return err
	}
	h.started <- msg
	return nil
}

type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *lockedBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *lockedBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func TestRun(t *testing.T) {
	lis, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	host := &hangupHost{started: make(chan *wire.StreamingMessage, 1)}
	srv := grpc.NewServer()
	wire.RegisterFunctionRPCServer(srv, host)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out lockedBuffer
	err = Run(ctx, []string{
		`--host`, `127.0.0.1`,
		`--port`, strconv.Itoa(lis.Addr().(*net.TCPAddr).Port),
		`--workerId`, `worker-7`,
		`--requestId`, `request-7`,
	},
		WithOutput(&out),
		WithMetricSink(metrics.NewInmemSink(time.Minute, time.Minute)),
		WithDispatcherOptions(dispatcher.WithEnvironment(config.NewMapEnvironment(nil))),
	)
	require.NoError(t, err)

	select {
	case start := <-host.started:
		require.NotNil(t, start.StartStream)
		assert.Equal(t, `worker-7`, start.StartStream.WorkerID)
		assert.Equal(t, `request-7`, start.RequestID)
	default:
		t.Fatal(`expected start stream`)
	}
	assert.Contains(t, out.String(), `connecting to host`)
}

func TestRun_connectTimeout(t *testing.T) {
	lis, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	err = Run(context.Background(), []string{
		`--host`, `127.0.0.1`,
		`--port`, strconv.Itoa(port),
		`--workerId`, `w`,
		`--requestId`, `r`,
		`--connectTimeout`, `200ms`,
	}, WithOutput(io.Discard), WithMetricSink(metrics.NewInmemSink(time.Minute, time.Minute)))
	assert.ErrorIs(t, err, transport.ErrConnectTimeout)
}

func TestRun_usage(t *testing.T) {
	err := Run(context.Background(), []string{`--port`, `x`}, WithOutput(io.Discard))
	assert.ErrorIs(t, err, ErrUsage)
}
