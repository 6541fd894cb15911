package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
	bigbuff "github.com/joeycumines/go-bigbuff"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"google.golang.org/grpc"
)

// ErrStopped is returned by Stream.Send after Stream.Stop.
var ErrStopped = errors.New(`transport: stream stopped`)

type (
	// Stream wraps a bidirectional gRPC stream client, receiving on one
	// goroutine, and sending on another from an unbounded FIFO queue, so
	// that senders never block.
	Stream[Req any, Res any] struct {
		notifier bigbuff.Notifier
		ctx      context.Context
		stream   grpc.BidiStreamingClient[Req, Res]
		sink     metrics.MetricSink
		err      error
		cancel   context.CancelFunc
		done     chan struct{}
		wake     chan struct{}
		queue    []*Req
		mu       sync.Mutex
		queueMu  sync.Mutex
		stopped  bool
	}

	// Factory opens the underlying stream, e.g. FunctionRPCClient.EventStream.
	Factory[Req any, Res any] func(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[Req, Res], error)
)

// Open opens a new Stream. The sink may be nil, see telemetry.Sink.
func Open[Req any, Res any](
	ctx context.Context,
	factory Factory[Req, Res],
	sink metrics.MetricSink,
	opts ...grpc.CallOption,
) (*Stream[Req, Res], error) {
	ctx, cancel := context.WithCancel(ctx)

	var success bool
	defer func() {
		if !success {
			cancel()
		}
	}()

	stream, err := factory(ctx, opts...)
	if err != nil {
		return nil, err
	}

	x := Stream[Req, Res]{
		ctx:    ctx,
		cancel: cancel,
		stream: stream,
		sink:   telemetry.Sink(sink),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}

	go x.run()

	success = true

	return &x, nil
}

func (x *Stream[Req, Res]) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// receive messages
	go func() {
		defer wg.Done()

		for {
			res, err := x.stream.Recv()
			if err != nil {
				// note: triggered by x.cancel, or connection / stream error
				x.fatalErr(err)
				return
			}

			x.sink.IncrCounter(telemetry.MetricStreamMessagesIn, 1)
			x.publish(res)
		}
	}()

	// send messages
	go func() {
		defer wg.Done()

		for {
			batch := x.drain()
			if len(batch) == 0 {
				select {
				case <-x.ctx.Done():
					return
				case <-x.wake:
				}
				continue
			}

			for _, req := range batch {
				if req == nil {
					if err := x.stream.CloseSend(); err != nil {
						x.fatalErr(err)
					}
					// other side should close the stream too
					return
				}
				if err := x.stream.Send(req); err != nil {
					x.fatalErr(err)
					return
				}
				x.sink.IncrCounter(telemetry.MetricStreamMessagesOut, 1)
			}
		}
	}()

	wg.Wait()
}

func (x *Stream[Req, Res]) drain() []*Req {
	x.queueMu.Lock()
	defer x.queueMu.Unlock()
	batch := x.queue
	x.queue = nil
	return batch
}

func (x *Stream[Req, Res]) enqueue(req *Req) error {
	select {
	case <-x.ctx.Done():
		return net.ErrClosed
	default:
	}
	x.queueMu.Lock()
	if x.stopped {
		x.queueMu.Unlock()
		return ErrStopped
	}
	if req == nil {
		x.stopped = true
	}
	x.queue = append(x.queue, req)
	x.queueMu.Unlock()
	select {
	case x.wake <- struct{}{}:
	default:
	}
	return nil
}

func (x *Stream[Req, Res]) fatalErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return
	}
	x.cancel()
	if err != nil {
		x.err = err
	} else {
		x.err = x.ctx.Err()
	}
	if x.err != io.EOF {
		x.sink.IncrCounter(telemetry.MetricStreamErrorCount, 1)
	}
}

func (x *Stream[Req, Res]) Done() <-chan struct{} {
	return x.done
}

// Err returns the error that ended the stream, or nil if it ended cleanly
// (or hasn't ended).
func (x *Stream[Req, Res]) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err == io.EOF {
		return nil
	}
	return x.err
}

// Send enqueues a message, failing only if the stream has stopped or ended.
// Messages are sent in the order they are enqueued.
func (x *Stream[Req, Res]) Send(req *Req) error {
	if req == nil {
		return errors.New(`transport: nil message`)
	}
	return x.enqueue(req)
}

// Stop enqueues the stop sentinel: messages already enqueued are sent, then
// the send direction is closed. The stream ends once the host closes its
// side, see Shutdown. It is idempotent.
func (x *Stream[Req, Res]) Stop() {
	_ = x.enqueue(nil)
}

// Shutdown calls Stop then waits for the stream to end, forcibly closing it
// if ctx is cancelled first.
func (x *Stream[Req, Res]) Shutdown(ctx context.Context) error {
	x.Stop()

	select {
	case <-ctx.Done():
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return x.Err()
}

func (x *Stream[Req, Res]) Close() error {
	x.cancel()
	<-x.done
	return x.Err()
}

// Subscribe accepts any `target` that is a channel which can accept *Res values.
// The returned cancel func MUST be called, unless `ctx` is cancelled.
// WARNING: Sends to `target` are blocking, and callers must therefore always receive promptly.
func (x *Stream[Req, Res]) Subscribe(ctx context.Context, target any) context.CancelFunc {
	return x.notifier.SubscribeCancel(ctx, nil, target)
}

func (x *Stream[Req, Res]) publish(value *Res) {
	x.notifier.PublishContext(x.ctx, nil, value)
}
