// Package dispatcher implements the worker side of the host protocol: it
// owns the event stream, routes each inbound request to its handler on a
// single event loop, and sends exactly one response per request.
//
// At most one Dispatcher may be running in a process at any time, see
// [Dispatcher.Run].
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-funcworker/bindings"
	"github.com/joeycumines/go-funcworker/config"
	"github.com/joeycumines/go-funcworker/executor"
	"github.com/joeycumines/go-funcworker/functions"
	"github.com/joeycumines/go-funcworker/httpproxy"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/logging"
	"github.com/joeycumines/go-funcworker/sharedmem"
	"github.com/joeycumines/go-funcworker/transport"
	"github.com/joeycumines/go-funcworker/wire"
	"google.golang.org/grpc"
)

const (
	// Version is reported to the host as the worker version.
	Version = `0.1.0`

	DefaultHTTPListenAddr  = `127.0.0.1:0`
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrAlreadyActive = errors.New(`dispatcher: another dispatcher is active`)
	ErrTerminated    = errors.New(`dispatcher: already run`)
	// ErrFatal wraps a panic that escaped a request handler.
	ErrFatal = errors.New(`dispatcher: fatal error`)
)

var dropWarningRates = map[time.Duration]int{time.Minute: 5}

// State is the lifecycle state of a Dispatcher.
type State uint32

const (
	StateInit State = iota
	StateReady
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInit:
		return `INIT`
	case StateReady:
		return `READY`
	case StateTerminating:
		return `TERMINATING`
	default:
		return fmt.Sprintf(`State(%d)`, uint32(s))
	}
}

type (
	// Dispatcher routes host requests. Create with New.
	Dispatcher struct {
		settings   *config.Settings
		env        config.Environment
		forwarder  *logging.Forwarder
		logger     *logging.Logger
		indexer    functions.Indexer
		loader     functions.Loader
		sink       metrics.MetricSink
		converters *bindings.Registry
		custom     []customConverter
		registry   *functions.Registry
		deferred   *bindings.DeferredCache
		extensions *functions.Extensions
		shm        *sharedmem.Manager
		coord      *httpproxy.Coordinator
		// limits warnings for dropped messages, per content
		dropWarnings *catrate.Limiter

		// run state, set by Run, owned by the event loop

		ctx       context.Context
		loop      *eventloop.Loop
		stream    *transport.Stream[wire.StreamingMessage, wire.StreamingMessage]
		exec      *executor.Executor
		http      *httpproxy.Server
		httpURI   string
		hostCaps  map[string]string
		appDir    string
		fatalErr  error
		fatalCh   chan struct{}
		fatalOnce sync.Once

		workerID        string
		requestID       string
		httpAddr        string
		shutdownTimeout time.Duration
		state           atomic.Uint32
	}

	// Option configures New.
	Option func(c *dispatcherConfig)

	dispatcherConfig struct {
		settings        *config.Settings
		env             config.Environment
		console         *logging.Logger
		indexer         functions.Indexer
		loader          functions.Loader
		extensions      []functions.Extension
		deferred        bindings.DeferredRegistry
		accessor        sharedmem.Accessor
		sink            metrics.MetricSink
		converters      []customConverter
		workerID        string
		requestID       string
		httpAddr        string
		shutdownTimeout time.Duration
	}

	customConverter struct {
		converter   bindings.Converter
		bindingType string
	}
)

// active is the process-wide slot claimed by a running Dispatcher.
var active atomic.Pointer[Dispatcher]

// WithConfig sets the initial settings, which otherwise load from the
// environment. Environment reloads always reload from the environment.
func WithConfig(settings *config.Settings) Option {
	return func(c *dispatcherConfig) { c.settings = settings }
}

// WithEnvironment sets the environment replaced on reload, defaulting to
// the process environment.
func WithEnvironment(env config.Environment) Option {
	return func(c *dispatcherConfig) { c.env = env }
}

// WithLogger sets the console logger. Logs are also forwarded to the host
// while the dispatcher is ready.
func WithLogger(logger *logging.Logger) Option {
	return func(c *dispatcherConfig) { c.console = logger }
}

// WithCatalog sets both the indexer and the loader, e.g. a
// *functions.Catalog.
func WithCatalog(catalog interface {
	functions.Indexer
	functions.Loader
}) Option {
	return func(c *dispatcherConfig) {
		c.indexer = catalog
		c.loader = catalog
	}
}

func WithIndexer(indexer functions.Indexer) Option {
	return func(c *dispatcherConfig) { c.indexer = indexer }
}

func WithLoader(loader functions.Loader) Option {
	return func(c *dispatcherConfig) { c.loader = loader }
}

func WithExtensions(extensions ...functions.Extension) Option {
	return func(c *dispatcherConfig) { c.extensions = append(c.extensions, extensions...) }
}

func WithDeferredRegistry(registry bindings.DeferredRegistry) Option {
	return func(c *dispatcherConfig) { c.deferred = registry }
}

// WithConverter registers a converter for a binding type. It survives
// environment reloads.
func WithConverter(bindingType string, converter bindings.Converter) Option {
	return func(c *dispatcherConfig) {
		c.converters = append(c.converters, customConverter{bindingType: bindingType, converter: converter})
	}
}

// WithSharedMemoryAccessor overrides the platform accessor, which is
// otherwise created over the configured directories, once shared memory is
// first enabled.
func WithSharedMemoryAccessor(accessor sharedmem.Accessor) Option {
	return func(c *dispatcherConfig) { c.accessor = accessor }
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *dispatcherConfig) { c.sink = sink }
}

func WithWorkerID(workerID string) Option {
	return func(c *dispatcherConfig) { c.workerID = workerID }
}

// WithRequestID sets the request id the host launched the worker with. It
// correlates the start of the stream, and forwarded logs, with that launch.
func WithRequestID(requestID string) Option {
	return func(c *dispatcherConfig) { c.requestID = requestID }
}

// WithHTTPListenAddr sets the address the HTTP fast path server listens on.
func WithHTTPListenAddr(addr string) Option {
	return func(c *dispatcherConfig) { c.httpAddr = addr }
}

// WithShutdownTimeout bounds the graceful part of teardown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *dispatcherConfig) { c.shutdownTimeout = d }
}

func New(opts ...Option) (*Dispatcher, error) {
	c := dispatcherConfig{
		httpAddr:        DefaultHTTPListenAddr,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.env == nil {
		c.env = config.OSEnvironment{}
	}
	if c.settings == nil {
		var err error
		if c.settings, err = config.Load(c.env.LookupEnv); err != nil {
			c.console.Warning().Err(err).Log(`invalid settings, using defaults`)
		}
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}

	forwarder := logging.NewForwarder(c.console, logging.Level(c.settings.DebugLogging))
	logger := forwarder.Logger()
	sink := telemetry.Sink(c.sink)

	x := Dispatcher{
		settings:        c.settings,
		env:             c.env,
		forwarder:       forwarder,
		logger:          logger,
		indexer:         c.indexer,
		loader:          c.loader,
		sink:            sink,
		converters:      bindings.NewRegistry(),
		custom:          c.converters,
		registry:        functions.NewRegistry(),
		deferred:        bindings.NewDeferredCache(c.deferred, c.settings.DeferredCacheSize, c.settings.DeferredCacheTTL),
		extensions:      functions.NewExtensions(logger, c.extensions...),
		shm:             sharedmem.NewManager(c.accessor, logger, sink),
		coord:           httpproxy.NewCoordinator(),
		dropWarnings:    catrate.NewLimiter(dropWarningRates),
		workerID:        c.workerID,
		requestID:       c.requestID,
		httpAddr:        c.httpAddr,
		shutdownTimeout: c.shutdownTimeout,
		fatalCh:         make(chan struct{}),
	}
	x.registerConverters()

	return &x, nil
}

func (x *Dispatcher) State() State { return State(x.state.Load()) }

// Logger returns the dispatcher's logger, which forwards to the host while
// ready.
func (x *Dispatcher) Logger() *logging.Logger { return x.logger }

// Run serves the host over conn until the stream ends, ctx is cancelled, or
// a handler panics. It may be called once per Dispatcher, and returns
// ErrAlreadyActive while any other Dispatcher is running. A stream that the
// host closes cleanly, or cancellation of ctx, results in a nil error.
func (x *Dispatcher) Run(ctx context.Context, conn grpc.ClientConnInterface) (err error) {
	if !active.CompareAndSwap(nil, x) {
		return ErrAlreadyActive
	}
	defer active.CompareAndSwap(x, nil)

	if x.State() != StateInit || x.loop != nil {
		return ErrTerminated
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.ctx = ctx

	if x.loop, err = eventloop.New(); err != nil {
		return fmt.Errorf(`dispatcher: create event loop: %w`, err)
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := x.loop.Run(context.WithoutCancel(ctx)); err != nil {
			x.logger.Err().Err(err).Log(`event loop failed`)
		}
	}()

	x.exec, err = executor.New(executor.Config{
		Loop:         x.loop,
		Functions:    x.registry,
		Converters:   x.converters,
		Deferred:     x.deferred,
		SharedMemory: x.shm,
		HTTP:         x.coord,
		Extensions:   x.extensions,
		Logger:       x.logger,
		MetricSink:   x.sink,
		PoolSize:     x.settings.ThreadCount,
	})
	if err != nil {
		_ = x.loop.Close()
		<-loopDone
		return err
	}

	// the stream outlives ctx, so that teardown may flush pending responses
	x.stream, err = transport.Open[wire.StreamingMessage, wire.StreamingMessage](
		context.WithoutCancel(ctx),
		wire.NewFunctionRPCClient(conn).EventStream,
		x.sink,
	)
	if err != nil {
		_ = x.loop.Close()
		<-loopDone
		return fmt.Errorf(`dispatcher: open stream: %w`, err)
	}

	inbound := make(chan *wire.StreamingMessage)
	unsubscribe := x.stream.Subscribe(ctx, inbound)
	defer unsubscribe()

	if err := x.stream.Send(&wire.StreamingMessage{RequestID: x.requestID, StartStream: &wire.StartStream{WorkerID: x.workerID}}); err != nil {
		_ = x.stream.Close()
		_ = x.loop.Close()
		<-loopDone
		return fmt.Errorf(`dispatcher: start stream: %w`, err)
	}

	x.state.Store(uint32(StateReady))
	x.forwarder.Attach(x.forwardLog)
	x.logger.Info().Str(`worker_id`, x.workerID).Log(`worker ready`)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		x.forward(ctx, inbound)
	}()

	var streamEnded bool
	select {
	case <-ctx.Done():
	case <-x.stream.Done():
		streamEnded = true
	case <-x.fatalCh:
	}

	err = x.teardown(ctx, loopDone)
	cancel()
	<-forwardDone

	select {
	case <-x.fatalCh:
		return x.fatalErr
	default:
	}
	if streamEnded {
		if err := x.stream.Err(); err != nil {
			return fmt.Errorf(`dispatcher: stream: %w`, err)
		}
	}
	return err
}

func (x *Dispatcher) forward(ctx context.Context, inbound <-chan *wire.StreamingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			if err := x.loop.Submit(func() { x.dispatch(msg) }); err != nil {
				x.logger.Err().Err(err).Str(`request_id`, msg.RequestID).Log(`failed to schedule request`)
				return
			}
		}
	}
}

func (x *Dispatcher) teardown(ctx context.Context, loopDone <-chan struct{}) error {
	x.state.Store(uint32(StateTerminating))
	x.logger.Info().Log(`worker terminating`)
	x.forwarder.Detach()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := x.stream.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf(`dispatcher: stream shutdown: %w`, err))
	}
	if x.http != nil {
		if err := x.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf(`dispatcher: http shutdown: %w`, err))
		}
	}
	if err := x.loop.Shutdown(ctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
		_ = x.loop.Close()
		errs = append(errs, fmt.Errorf(`dispatcher: event loop shutdown: %w`, err))
	}
	<-loopDone

	return errors.Join(errs...)
}

// forwardLog is the log sink, enqueueing logs on the outbound stream.
func (x *Dispatcher) forwardLog(log *wire.RpcLog) {
	_ = x.stream.Send(&wire.StreamingMessage{RequestID: x.requestID, RpcLog: log})
}

// fatal records the first fatal error, and ends Run.
func (x *Dispatcher) fatal(err error) {
	x.fatalOnce.Do(func() {
		x.fatalErr = err
		close(x.fatalCh)
	})
}

func (x *Dispatcher) respond(msg *wire.StreamingMessage) {
	if err := x.stream.Send(msg); err != nil {
		x.logger.Warning().Err(err).
			Str(`request_id`, msg.RequestID).
			Str(string(telemetry.LabelContent), msg.Content()).
			Log(`failed to send response`)
	}
}

func (x *Dispatcher) registerConverters() {
	for _, c := range x.custom {
		x.converters.Register(c.bindingType, c.converter)
	}
}

// apply configures components from the current settings.
func (x *Dispatcher) apply() {
	x.forwarder.SetLevel(logging.Level(x.settings.DebugLogging))

	if x.settings.SharedMemoryEnabled && !x.shm.HasAccessor() {
		if accessor, err := sharedmem.NewPlatformAccessor(x.settings.SharedMemoryDirectories, x.logger); err != nil {
			x.logger.Warning().Err(err).Log(`shared memory unavailable`)
		} else {
			x.shm.SetAccessor(accessor)
		}
	}
	x.shm.SetEnabled(x.settings.SharedMemoryEnabled)
	x.exec.SetPoolSize(x.settings.ThreadCount)

	if x.settings.HTTPFastPath && x.http == nil {
		server := httpproxy.NewServer(x.coord, x.logger, x.sink)
		uri, err := server.Start(x.httpAddr)
		if err != nil {
			x.logger.Err().Err(err).Log(`http fast path disabled`)
		} else {
			x.http = server
			x.httpURI = uri
		}
	}
	x.exec.EnableHTTPFastPath(x.settings.HTTPFastPath && x.http != nil)
}
