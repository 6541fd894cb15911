// Package transport connects the worker to the host: dialing the gRPC
// channel, and running the bidirectional event stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxMessageLength is used for both send and receive, when
	// unspecified.
	DefaultMaxMessageLength = 1<<31 - 1
)

var ErrConnectTimeout = errors.New(`transport: timed out connecting to host`)

type (
	// Option configures Dial.
	Option func(c *dialConfig)

	dialConfig struct {
		dialOptions      []grpc.DialOption
		connectTimeout   time.Duration
		maxMessageLength int
	}
)

func WithConnectTimeout(d time.Duration) Option {
	return func(c *dialConfig) { c.connectTimeout = d }
}

func WithMaxMessageLength(n int) Option {
	return func(c *dialConfig) { c.maxMessageLength = n }
}

// WithDialOptions appends gRPC dial options, e.g. grpc.WithContextDialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *dialConfig) { c.dialOptions = append(c.dialOptions, opts...) }
}

// Dial connects to the host at target, blocking until the connection is
// ready, the connect timeout elapses, or ctx is cancelled. There are no
// retries beyond those gRPC performs within the timeout.
func Dial(ctx context.Context, target string, opts ...Option) (*grpc.ClientConn, error) {
	c := dialConfig{
		connectTimeout:   DefaultConnectTimeout,
		maxMessageLength: DefaultMaxMessageLength,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.maxMessageLength <= 0 {
		c.maxMessageLength = DefaultMaxMessageLength
	}

	conn, err := grpc.NewClient(target, append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.maxMessageLength),
			grpc.MaxCallSendMsgSize(c.maxMessageLength),
		),
	}, c.dialOptions...)...)
	if err != nil {
		return nil, fmt.Errorf(`transport: dial %s: %w`, target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if state == connectivity.Shutdown {
			_ = conn.Close()
			return nil, fmt.Errorf(`transport: dial %s: connection shut down`, target)
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf(`%w: %s after %s`, ErrConnectTimeout, target, c.connectTimeout)
			}
			return nil, fmt.Errorf(`transport: dial %s: %w`, target, ctx.Err())
		}
	}
}
