// Package worker wires the worker process together: it parses the
// arguments the host launches the worker with, connects to the host, and
// runs a dispatcher until the host goes away.
package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/config"
	"github.com/joeycumines/go-funcworker/dispatcher"
	"github.com/joeycumines/go-funcworker/logging"
	"github.com/joeycumines/go-funcworker/transport"
)

// Name is the program name used in usage output.
const Name = `funcworker`

var ErrUsage = errors.New(`worker: invalid arguments`)

type (
	// Options are the worker's command line arguments.
	Options struct {
		Host             string
		WorkerID         string
		RequestID        string
		Port             int
		MaxMessageLength int
		ConnectTimeout   time.Duration
	}

	// RunOption configures Run.
	RunOption func(c *runConfig)

	runConfig struct {
		output      io.Writer
		metricSink  metrics.MetricSink
		dialOptions []transport.Option
		dispatcher  []dispatcher.Option
	}
)

// WithDispatcherOptions configures the dispatcher, e.g. with a catalog of
// functions.
func WithDispatcherOptions(opts ...dispatcher.Option) RunOption {
	return func(c *runConfig) { c.dispatcher = append(c.dispatcher, opts...) }
}

func WithDialOptions(opts ...transport.Option) RunOption {
	return func(c *runConfig) { c.dialOptions = append(c.dialOptions, opts...) }
}

// WithOutput sets where console logs and usage are written, defaulting to
// stderr.
func WithOutput(w io.Writer) RunOption {
	return func(c *runConfig) { c.output = w }
}

// WithMetricSink overrides the in-memory metric sink, which otherwise may
// be dumped to the console by sending the process SIGUSR1.
func WithMetricSink(sink metrics.MetricSink) RunOption {
	return func(c *runConfig) { c.metricSink = sink }
}

// ParseFlags parses the arguments the host launches the worker with. The
// functions- prefixed forms are accepted as aliases, and --functions-uri
// may be given in place of --host and --port.
func ParseFlags(args []string, output io.Writer) (*Options, error) {
	var (
		o   Options
		uri string
	)

	fs := flag.NewFlagSet(Name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	fs.StringVar(&o.Host, `host`, ``, `host address`)
	fs.IntVar(&o.Port, `port`, 0, `host port`)
	fs.StringVar(&o.WorkerID, `workerId`, ``, `worker id`)
	fs.StringVar(&o.WorkerID, `functions-worker-id`, ``, `alias of -workerId`)
	fs.StringVar(&o.RequestID, `requestId`, ``, `request id`)
	fs.StringVar(&o.RequestID, `functions-request-id`, ``, `alias of -requestId`)
	fs.IntVar(&o.MaxMessageLength, `grpcMaxMessageLength`, transport.DefaultMaxMessageLength, `max grpc message length, in bytes`)
	fs.IntVar(&o.MaxMessageLength, `functions-grpc-max-message-length`, transport.DefaultMaxMessageLength, `alias of -grpcMaxMessageLength`)
	fs.DurationVar(&o.ConnectTimeout, `connectTimeout`, transport.DefaultConnectTimeout, `timeout connecting to the host`)
	fs.StringVar(&uri, `functions-uri`, ``, `host uri, e.g. http://127.0.0.1:7071`)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrUsage, err)
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf(`%w: unexpected arguments %q`, ErrUsage, fs.Args())
	}

	if uri != `` {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf(`%w: functions-uri: %w`, ErrUsage, err)
		}
		o.Host = u.Hostname()
		if o.Port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf(`%w: functions-uri: invalid port %q`, ErrUsage, u.Port())
		}
	}

	var errs []error
	if o.Host == `` {
		errs = append(errs, errors.New(`host is required`))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf(`port %d out of range`, o.Port))
	}
	if o.WorkerID == `` {
		errs = append(errs, errors.New(`workerId is required`))
	}
	if o.RequestID == `` {
		errs = append(errs, errors.New(`requestId is required`))
	}
	if o.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf(`grpcMaxMessageLength %d must be positive`, o.MaxMessageLength))
	}
	if o.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf(`connectTimeout %s must be positive`, o.ConnectTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrUsage, err)
	}

	return &o, nil
}

// Target is the gRPC target of the host.
func (x *Options) Target() string {
	return net.JoinHostPort(x.Host, strconv.Itoa(x.Port))
}

// Run parses args, connects to the host, and serves it until ctx is
// cancelled or the stream ends.
func Run(ctx context.Context, args []string, opts ...RunOption) error {
	var c runConfig
	for _, o := range opts {
		o(&c)
	}

	o, err := ParseFlags(args, c.output)
	if err != nil {
		return err
	}

	settings, settingsErr := config.FromEnv()
	console := logging.NewConsole(c.output, logging.Level(settings.DebugLogging))
	if settingsErr != nil {
		console.Warning().Err(settingsErr).Log(`invalid settings, using defaults`)
	}

	sink := c.metricSink
	if sink == nil {
		inmem := metrics.NewInmemSink(10*time.Second, time.Minute)
		signal := metrics.DefaultInmemSignal(inmem)
		defer signal.Stop()
		sink = inmem
	}

	console.Info().
		Str(`target`, o.Target()).
		Str(`worker_id`, o.WorkerID).
		Str(`request_id`, o.RequestID).
		Log(`connecting to host`)

	conn, err := transport.Dial(ctx, o.Target(), append([]transport.Option{
		transport.WithConnectTimeout(o.ConnectTimeout),
		transport.WithMaxMessageLength(o.MaxMessageLength),
	}, c.dialOptions...)...)
	if err != nil {
		console.Err().Err(err).Log(`failed to connect to host`)
		return err
	}
	defer conn.Close()

	d, err := dispatcher.New(append([]dispatcher.Option{
		dispatcher.WithConfig(settings),
		dispatcher.WithLogger(console),
		dispatcher.WithWorkerID(o.WorkerID),
		dispatcher.WithRequestID(o.RequestID),
		dispatcher.WithMetricSink(sink),
	}, c.dispatcher...)...)
	if err != nil {
		return err
	}

	if err := d.Run(ctx, conn); err != nil {
		console.Err().Err(err).Log(`worker stopped`)
		return err
	}

	console.Info().Log(`worker stopped`)
	return nil
}
