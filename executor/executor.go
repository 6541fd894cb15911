// Package executor runs invocations: decoding inputs, running the function
// body off the event loop, and encoding the outputs into a response.
//
// Every Executor method except those documented otherwise must be called from
// the event loop, which owns all invocation state until the function body is
// handed to a goroutine, via [eventloop.Loop.Promisify]. Results are
// delivered back to the loop with [eventloop.Loop.Submit].
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-funcworker/bindings"
	"github.com/joeycumines/go-funcworker/functions"
	"github.com/joeycumines/go-funcworker/httpproxy"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/logging"
	"github.com/joeycumines/go-funcworker/sharedmem"
	"github.com/joeycumines/go-funcworker/wire"
	"golang.org/x/sync/semaphore"
)

var (
	ErrFunctionNotFound = errors.New(`executor: function not found`)
	ErrUnexpectedResult = errors.New(`executor: function returned a value but has no return binding`)
	ErrUnknownBinding   = errors.New(`executor: unknown input binding`)
)

type (
	// Config models the dependencies of an Executor.
	Config struct {
		Loop       *eventloop.Loop
		Functions  *functions.Registry
		Converters *bindings.Registry
		// Deferred is optional, and required only by functions with deferred
		// params.
		Deferred *bindings.DeferredCache
		// SharedMemory is optional, outputs are sent inline if nil.
		SharedMemory *sharedmem.Manager
		// HTTP is required for the HTTP fast path.
		HTTP       *httpproxy.Coordinator
		Extensions *functions.Extensions
		Logger     *logging.Logger
		MetricSink metrics.MetricSink
		// PoolSize bounds concurrent synchronous function bodies, defaulting
		// to 1.
		PoolSize int
	}

	Executor struct {
		cfg      Config
		sink     metrics.MetricSink
		sem      atomic.Pointer[pool]
		fastPath atomic.Bool
		inflight atomic.Int64
	}

	pool struct {
		sem  *semaphore.Weighted
		size int
	}

	// invocation is owned by the event loop, apart from call, which is
	// handed to the function body.
	invocation struct {
		start    time.Time
		info     *functions.Info
		call     *functions.Call
		meta     map[string]*bindings.Datum
		req      *wire.InvocationRequest
		done     func(*wire.InvocationResponse)
		logger   *logging.Logger
		fastPath bool
	}

	outcome struct {
		result any
		err    error
	}
)

func New(cfg Config) (*Executor, error) {
	if cfg.Loop == nil {
		return nil, errors.New(`executor: nil loop`)
	}
	if cfg.Functions == nil {
		return nil, errors.New(`executor: nil function registry`)
	}
	if cfg.Converters == nil {
		return nil, errors.New(`executor: nil converter registry`)
	}
	x := Executor{cfg: cfg, sink: telemetry.Sink(cfg.MetricSink)}
	x.SetPoolSize(cfg.PoolSize)
	return &x, nil
}

// SetPoolSize bounds the number of synchronous function bodies that may run
// at once. Function bodies already running keep their slot in the previous
// pool. Safe to call from any goroutine.
func (x *Executor) SetPoolSize(size int) {
	size = max(size, 1)
	x.sem.Store(&pool{sem: semaphore.NewWeighted(int64(size)), size: size})
}

func (x *Executor) PoolSize() int { return x.sem.Load().size }

// EnableHTTPFastPath toggles taking HTTP trigger requests from, and sending
// responses to, the coordinator. Safe to call from any goroutine.
func (x *Executor) EnableHTTPFastPath(enabled bool) {
	x.fastPath.Store(enabled && x.cfg.HTTP != nil)
}

func (x *Executor) HTTPFastPath() bool { return x.fastPath.Load() }

// Inflight returns the number of invocations not yet completed. Safe to call
// from any goroutine.
func (x *Executor) Inflight() int64 { return x.inflight.Load() }

// Invoke starts an invocation. The done callback is called exactly once, on
// the event loop, unless the loop has terminated, in which case it is called
// from the goroutine that ran the function.
func (x *Executor) Invoke(ctx context.Context, req *wire.InvocationRequest, done func(*wire.InvocationResponse)) {
	x.inflight.Add(1)
	inv := invocation{
		start:  time.Now(),
		req:    req,
		done:   done,
		logger: x.cfg.Logger.Clone().Str(logging.FieldInvocationID, req.InvocationID).Logger(),
	}

	info, ok := x.cfg.Functions.Get(req.FunctionID)
	if !ok {
		x.complete(&inv, outcome{err: fmt.Errorf(`%w: %s`, ErrFunctionNotFound, req.FunctionID)})
		return
	}
	inv.info = info
	inv.fastPath = info.IsHTTP && x.fastPath.Load()

	inv.logger.Debug().
		Str(`function`, info.Name).
		Str(`function_id`, info.ID).
		Bool(`http_fast_path`, inv.fastPath).
		Log(`received invocation request`)

	if err := x.prepare(&inv); err != nil {
		x.complete(&inv, outcome{err: err})
		return
	}

	p := x.cfg.Loop.Promisify(logging.WithInvocationID(ctx, req.InvocationID), func(ctx context.Context) (any, error) {
		return x.execute(ctx, &inv), nil
	})
	go func() {
		var out outcome
		switch v := (<-p.ToChannel()).(type) {
		case outcome:
			out = v
		case error:
			out.err = v
		default:
			out.err = fmt.Errorf(`executor: unexpected promise result %T`, v)
		}
		if err := x.cfg.Loop.Submit(func() { x.complete(&inv, out) }); err != nil {
			inv.logger.Warning().Err(err).Log(`completing invocation off the event loop`)
			x.complete(&inv, out)
		}
	}()
}

// prepare decodes the trigger metadata and inputs. Converters are user
// code, so a panic is reported as a function error.
func (x *Executor) prepare(inv *invocation) (err error) {
	defer recoverFunction(&err)
	if inv.meta, err = triggerMetadata(inv.req.TriggerMetadata); err != nil {
		return err
	}
	inv.call, err = x.newCall(inv)
	return err
}

func (x *Executor) newCall(inv *invocation) (*functions.Call, error) {
	info := inv.info
	call := functions.Call{
		Args:         make(map[string]any, len(info.InputParams)+len(info.OutputParams)),
		Logger:       logging.ForFunction(x.cfg.Logger, info.Name, inv.req.InvocationID),
		InvocationID: inv.req.InvocationID,
		FunctionName: info.Name,
		Directory:    info.Directory,
	}
	if info.RequiresContext {
		call.TraceContext = inv.req.TraceContext
		call.RetryContext = inv.req.RetryContext
	}
	for _, pb := range inv.req.InputData {
		p, ok := info.InputParams[pb.Name]
		if !ok {
			return nil, fmt.Errorf(`%w: %q`, ErrUnknownBinding, pb.Name)
		}
		if inv.fastPath && p.Trigger {
			continue
		}
		v, err := x.decode(inv, p, pb)
		if err != nil {
			return nil, fmt.Errorf(`executor: decode %q: %w`, pb.Name, err)
		}
		call.Args[p.Name] = v
	}
	for name := range info.OutputParams {
		call.Args[name] = new(bindings.Out)
	}
	return &call, nil
}

func (x *Executor) decode(inv *invocation, p *functions.Param, pb *wire.ParameterBinding) (any, error) {
	var (
		d   *bindings.Datum
		err error
	)
	switch {
	case pb.RpcSharedMemory != nil:
		if x.cfg.SharedMemory == nil {
			return nil, sharedmem.ErrUnsupported
		}
		d, err = x.cfg.SharedMemory.ReadDatum(pb.RpcSharedMemory)
	default:
		d, err = bindings.FromTypedData(pb.Data)
	}
	if err != nil {
		return nil, err
	}
	if p.Deferred {
		return x.cfg.Deferred.Decode(p.Name, p.DeclaredType, d)
	}
	dc := bindings.DecodeContext{
		ParamName:    p.Name,
		DeclaredType: p.DeclaredType,
	}
	if p.Trigger {
		dc.TriggerMetadata = inv.meta
	}
	return x.cfg.Converters.Decode(p.Binding, d, dc)
}

// execute runs in the goroutine started by Promisify.
func (x *Executor) execute(ctx context.Context, inv *invocation) (out outcome) {
	info, call := inv.info, inv.call

	// the request may never arrive, so don't hold a pool slot waiting on it
	if inv.fastPath {
		req, err := x.cfg.HTTP.AwaitRequest(ctx, call.InvocationID)
		if err != nil {
			return outcome{err: fmt.Errorf(`executor: http fast path request: %w`, err)}
		}
		httpproxy.SyncRouteParams(req, inv.meta)
		call.Args[info.TriggerParam] = req
	}

	if !info.IsAsync {
		p := x.sem.Load()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return outcome{err: err}
		}
		defer p.sem.Release(1)
	}

	x.cfg.Extensions.PreInvocation(ctx, info, call)
	defer func() {
		x.cfg.Extensions.PostInvocation(ctx, info, call, out.result, out.err)
	}()

	out.result, out.err = callFunction(ctx, info.Callable, call)
	return out
}

// complete runs on the event loop (see Invoke), encoding the outcome.
func (x *Executor) complete(inv *invocation, out outcome) {
	defer x.inflight.Add(-1)

	res := wire.InvocationResponse{InvocationID: inv.req.InvocationID}
	if out.err == nil {
		out.err = x.encode(inv, &res, out.result)
	}

	if out.err != nil {
		if inv.fastPath {
			x.setHTTPResponse(inv, out.err)
		}
		res.OutputData, res.ReturnValue = nil, nil
		res.Result = wire.Failure(exception(out.err))
	} else {
		res.Result = wire.Success()
	}

	name := inv.req.FunctionID
	if inv.info != nil {
		name = inv.info.Name
	}
	status := res.Result.Status.String()
	labels := []metrics.Label{telemetry.LabelFunction.M(name), telemetry.LabelStatus.M(status)}
	x.sink.IncrCounterWithLabels(telemetry.MetricInvocationCount, 1, labels)
	elapsed := time.Since(inv.start)
	x.sink.AddSampleWithLabels(telemetry.MetricInvocationLatencyMillis, float32(elapsed)/float32(time.Millisecond), labels[:1])

	if out.err != nil {
		inv.logger.Err().Err(out.err).Str(`function`, name).Dur(`elapsed`, elapsed).Log(`invocation failed`)
	} else {
		inv.logger.Debug().Str(`function`, name).Dur(`elapsed`, elapsed).Log(`invocation succeeded`)
	}

	inv.done(&res)
}

func (x *Executor) encode(inv *invocation, res *wire.InvocationResponse, result any) (err error) {
	defer recoverFunction(&err)
	info := inv.info

	for name, p := range info.OutputParams {
		out, _ := inv.call.Args[name].(*bindings.Out)
		if out == nil {
			continue
		}
		v, ok := out.Get()
		if !ok || v == nil {
			continue
		}
		d, err := x.cfg.Converters.Encode(p.Binding, v, p.DeclaredType)
		if err != nil {
			return fmt.Errorf(`executor: encode output %q: %w`, name, err)
		}
		pb, err := x.outputBinding(name, d)
		if err != nil {
			return fmt.Errorf(`executor: encode output %q: %w`, name, err)
		}
		res.OutputData = append(res.OutputData, pb)
	}

	switch {
	case !info.HasReturn():
		if result != nil {
			return fmt.Errorf(`%w: %T`, ErrUnexpectedResult, result)
		}
	case inv.fastPath:
		x.setHTTPResponse(inv, result)
	default:
		d, err := x.cfg.Converters.Encode(info.Return.Binding, result, info.Return.DeclaredType)
		if err != nil {
			return fmt.Errorf(`executor: encode return value: %w`, err)
		}
		if res.ReturnValue, err = bindings.ToTypedData(d); err != nil {
			return fmt.Errorf(`executor: encode return value: %w`, err)
		}
	}

	return nil
}

// outputBinding places d in shared memory if supported, falling back to
// inline transfer.
func (x *Executor) outputBinding(name string, d *bindings.Datum) (*wire.ParameterBinding, error) {
	if ref := x.cfg.SharedMemory.WriteDatum(d); ref != nil {
		return &wire.ParameterBinding{Name: name, RpcSharedMemory: ref}, nil
	}
	td, err := bindings.ToTypedData(d)
	if err != nil {
		return nil, err
	}
	return &wire.ParameterBinding{Name: name, Data: td}, nil
}

func (x *Executor) setHTTPResponse(inv *invocation, v any) {
	if err := x.cfg.HTTP.SetResponse(inv.req.InvocationID, v); err != nil {
		inv.logger.Warning().Err(err).Log(`cannot set http fast path response`)
	}
}

func triggerMetadata(md map[string]*wire.TypedData) (map[string]*bindings.Datum, error) {
	if len(md) == 0 {
		return nil, nil
	}
	result := make(map[string]*bindings.Datum, len(md))
	for k, td := range md {
		d, err := bindings.FromTypedData(td)
		if err != nil {
			return nil, fmt.Errorf(`executor: trigger metadata %q: %w`, k, err)
		}
		result[k] = d
	}
	return result, nil
}
