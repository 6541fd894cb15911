package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t testing.TB) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

type harness struct {
	loop     *eventloop.Loop
	exec     *Executor
	registry *functions.Registry
	sink     *metrics.InmemSink
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := harness{
		loop:     newTestLoop(t),
		registry: functions.NewRegistry(),
		sink:     metrics.NewInmemSink(time.Minute, time.Minute),
	}
	cfg := Config{
		Loop:       h.loop,
		Functions:  h.registry,
		Converters: bindings.NewRegistry(),
		MetricSink: h.sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	var err error
	h.exec, err = New(cfg)
	require.NoError(t, err)
	return &h
}

func (h *harness) register(t *testing.T, id string, def *functions.Definition) *functions.Info {
	t.Helper()
	info, err := functions.NewInfo(id, def)
	require.NoError(t, err)
	require.True(t, h.registry.Register(info))
	return info
}

func (h *harness) start(t *testing.T, req *wire.InvocationRequest) <-chan *wire.InvocationResponse {
	t.Helper()
	ch := make(chan *wire.InvocationResponse, 1)
	require.NoError(t, h.loop.Submit(func() {
		h.exec.Invoke(context.Background(), req, func(res *wire.InvocationResponse) { ch <- res })
	}))
	return ch
}

func (h *harness) invoke(t *testing.T, req *wire.InvocationRequest) *wire.InvocationResponse {
	t.Helper()
	select {
	case res := <-h.start(t, req):
		return res
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for invocation`)
		return nil
	}
}

func stringData(s string) *wire.TypedData { return &wire.TypedData{String: &s} }

func upperDefinition() *functions.Definition {
	return &functions.Definition{
		Name: `upper`,
		Callable: func(_ context.Context, call *functions.Call) (any, error) {
			return strings.ToUpper(call.Arg(`msg`).(string)), nil
		},
		Bindings: []functions.Binding{
			{Name: `msg`, Type: `queueTrigger`, Direction: wire.BindingDirectionIn, DeclaredType: bindings.DeclaredString},
			{Name: functions.ReturnBinding, Type: `queue`, Direction: wire.BindingDirectionOut},
		},
	}
}

func TestExecutor_syncReturnValue(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, upperDefinition())

	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv-1`,
		FunctionID:   `f1`,
		InputData:    []*wire.ParameterBinding{{Name: `msg`, Data: stringData(`abc`)}},
	})

	assert.Equal(t, `inv-1`, res.InvocationID)
	require.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
	require.NotNil(t, res.ReturnValue)
	require.NotNil(t, res.ReturnValue.String)
	assert.Equal(t, `ABC`, *res.ReturnValue.String)
	assert.Equal(t, `string`, res.ReturnValue.Kind())
	assert.Equal(t, 1.0, telemetry.Counter(h.sink, telemetry.MetricInvocationCount, telemetry.LabelFunction.M(`upper`), telemetry.LabelStatus.M(wire.StatusSuccess.String())))
	assert.Zero(t, h.exec.Inflight())
}

func TestExecutor_functionNotFound(t *testing.T) {
	h := newHarness(t, nil)
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `nope`})
	assert.Equal(t, wire.StatusFailure, res.Result.Status)
	require.NotNil(t, res.Result.Exception)
	assert.Contains(t, res.Result.Exception.Message, ErrFunctionNotFound.Error())
	assert.False(t, res.Result.Exception.IsUserException)
}

func TestExecutor_unknownInputBinding(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, upperDefinition())
	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv`,
		FunctionID:   `f1`,
		InputData:    []*wire.ParameterBinding{{Name: `other`, Data: stringData(`x`)}},
	})
	assert.Equal(t, wire.StatusFailure, res.Result.Status)
	assert.Contains(t, res.Result.Exception.Message, ErrUnknownBinding.Error())
}

func TestExecutor_resultWithoutReturnBinding(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, &functions.Definition{
		Name:     `noreturn`,
		Callable: func(context.Context, *functions.Call) (any, error) { return `unexpected`, nil },
		Bindings: []functions.Binding{{Name: `t`, Type: `timerTrigger`}},
	})
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `f1`})
	assert.Equal(t, wire.StatusFailure, res.Result.Status)
	assert.Contains(t, res.Result.Exception.Message, ErrUnexpectedResult.Error())
	assert.Nil(t, res.ReturnValue)
}

func TestExecutor_functionError(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New(`boom`)
	h.register(t, `f1`, &functions.Definition{
		Name:     `failing`,
		Callable: func(context.Context, *functions.Call) (any, error) { return nil, boom },
		Bindings: []functions.Binding{{Name: `t`, Type: `timerTrigger`}},
	})
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `f1`})
	assert.Equal(t, wire.StatusFailure, res.Result.Status)
	assert.Equal(t, `boom`, res.Result.Exception.Message)
	assert.True(t, res.Result.Exception.IsUserException)
	assert.Contains(t, res.Result.Exception.StackTrace, `executor.TestExecutor_functionError`)
	assert.Contains(t, res.Result.Exception.StackTrace, `executor_test.go:`)
	assert.Equal(t, 1.0, telemetry.Counter(h.sink, telemetry.MetricInvocationCount, telemetry.LabelFunction.M(`failing`), telemetry.LabelStatus.M(wire.StatusFailure.String())))
}

func panickingFunction(context.Context, *functions.Call) (any, error) {
	panic(`kaboom`)
}

func TestExecutor_panic(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, &functions.Definition{
		Name:     `panics`,
		Callable: panickingFunction,
		Bindings: []functions.Binding{{Name: `t`, Type: `timerTrigger`}},
	})
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `f1`})
	require.Equal(t, wire.StatusFailure, res.Result.Status)
	exc := res.Result.Exception
	assert.Contains(t, exc.Message, `kaboom`)
	assert.True(t, exc.IsUserException)
	assert.Contains(t, exc.StackTrace, `executor.panickingFunction`)
	assert.NotContains(t, exc.StackTrace, `runtime/debug.Stack`)
	assert.NotContains(t, exc.StackTrace, `panic(`)
}

type panickingConverter struct{ bindings.GenericConverter }

func (panickingConverter) Decode(*bindings.Datum, bindings.DecodeContext) (any, error) {
	panic(`bad datum`)
}

func TestExecutor_converterPanic(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Converters.Register(`brokenTrigger`, panickingConverter{}) })
	called := false
	h.register(t, `f1`, &functions.Definition{
		Name: `broken`,
		Callable: func(context.Context, *functions.Call) (any, error) {
			called = true
			return nil, nil
		},
		Bindings: []functions.Binding{{Name: `msg`, Type: `brokenTrigger`}},
	})
	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv`,
		FunctionID:   `f1`,
		InputData:    []*wire.ParameterBinding{{Name: `msg`, Data: stringData(`abc`)}},
	})
	require.Equal(t, wire.StatusFailure, res.Result.Status)
	exc := res.Result.Exception
	assert.Contains(t, exc.Message, `function panicked`)
	assert.Contains(t, exc.Message, `bad datum`)
	assert.True(t, exc.IsUserException)
	assert.Contains(t, exc.StackTrace, `executor.panickingConverter.Decode`)
	assert.False(t, called)
	assert.Zero(t, h.exec.Inflight())
}

type panickingMarshaler struct{}

func (panickingMarshaler) MarshalJSON() ([]byte, error) { panic(`bad value`) }

func TestExecutor_encodePanic(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, &functions.Definition{
		Name:     `unencodable`,
		Callable: func(context.Context, *functions.Call) (any, error) { return panickingMarshaler{}, nil },
		Bindings: []functions.Binding{
			{Name: `t`, Type: `timerTrigger`},
			{Name: functions.ReturnBinding, Type: `queue`, Direction: wire.BindingDirectionOut},
		},
	})
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `f1`})
	require.Equal(t, wire.StatusFailure, res.Result.Status)
	exc := res.Result.Exception
	assert.Contains(t, exc.Message, `function panicked`)
	assert.Contains(t, exc.Message, `bad value`)
	assert.Contains(t, exc.StackTrace, `MarshalJSON`)
	assert.Nil(t, res.ReturnValue)
	assert.Equal(t, 1.0, telemetry.Counter(h.sink, telemetry.MetricInvocationCount, telemetry.LabelFunction.M(`unencodable`), telemetry.LabelStatus.M(wire.StatusFailure.String())))
	assert.Zero(t, h.exec.Inflight())
}

func TestExecutor_outputBindings(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, `f1`, &functions.Definition{
		Name: `outputs`,
		Callable: func(_ context.Context, call *functions.Call) (any, error) {
			call.Arg(`out`).(*bindings.Out).Set(`written`)
			return nil, nil
		},
		Bindings: []functions.Binding{
			{Name: `t`, Type: `timerTrigger`},
			{Name: `out`, Type: `queue`, Direction: wire.BindingDirectionOut},
			{Name: `unset`, Type: `queue`, Direction: wire.BindingDirectionOut},
		},
	})
	res := h.invoke(t, &wire.InvocationRequest{InvocationID: `inv`, FunctionID: `f1`})
	require.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
	require.Len(t, res.OutputData, 1)
	assert.Equal(t, `out`, res.OutputData[0].Name)
	assert.Equal(t, `written`, *res.OutputData[0].Data.String)
	assert.Nil(t, res.ReturnValue)
}

func TestExecutor_sharedMemory(t *testing.T) {
	acc, err := sharedmem.NewPlatformAccessor([]string{t.TempDir()}, nil)
	require.NoError(t, err)
	shm := sharedmem.NewManager(acc, nil, nil)
	shm.SetEnabled(true)
	shm.SetResultCaching(true)

	h := newHarness(t, func(cfg *Config) { cfg.SharedMemory = shm })
	h.register(t, `f1`, &functions.Definition{
		Name: `copy`,
		Callable: func(_ context.Context, call *functions.Call) (any, error) {
			call.Arg(`out`).(*bindings.Out).Set(append(call.Arg(`in`).([]byte), '!'))
			return nil, nil
		},
		Bindings: []functions.Binding{
			{Name: `in`, Type: `blobTrigger`, DeclaredType: bindings.DeclaredBytes},
			{Name: `out`, Type: `blob`, Direction: wire.BindingDirectionOut},
		},
	})

	md := shm.PutBytes([]byte(`payload`))
	require.NotNil(t, md)
	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv`,
		FunctionID:   `f1`,
		InputData: []*wire.ParameterBinding{{Name: `in`, RpcSharedMemory: &wire.RpcSharedMemory{
			Name:  md.Name,
			Count: md.Count,
			Type:  wire.RpcDataTypeBytes,
		}}},
	})
	require.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
	require.Len(t, res.OutputData, 1)
	ref := res.OutputData[0].RpcSharedMemory
	require.NotNil(t, ref)
	assert.Nil(t, res.OutputData[0].Data)
	b, err := shm.GetBytes(ref.Name, ref.Offset, ref.Count)
	require.NoError(t, err)
	assert.Equal(t, []byte(`payload!`), b)
	assert.Equal(t, 2, shm.Allocated())
}

func blockingDefinition(name string, async bool, started chan<- struct{}, release <-chan struct{}, running, peak *atomic.Int64) *functions.Definition {
	return &functions.Definition{
		Name:    name,
		IsAsync: async,
		Callable: func(ctx context.Context, call *functions.Call) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		},
		Bindings: []functions.Binding{{Name: `t`, Type: `timerTrigger`}},
	}
}

func TestExecutor_poolBoundsSyncFunctions(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PoolSize = 1 })
	assert.Equal(t, 1, h.exec.PoolSize())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var running, peak atomic.Int64
	h.register(t, `f1`, blockingDefinition(`sync`, false, started, release, &running, &peak))

	a := h.start(t, &wire.InvocationRequest{InvocationID: `a`, FunctionID: `f1`})
	b := h.start(t, &wire.InvocationRequest{InvocationID: `b`, FunctionID: `f1`})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal(`never started`)
	}
	select {
	case <-started:
		t.Fatal(`second sync function started while the pool was full`)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	for _, ch := range []<-chan *wire.InvocationResponse{a, b} {
		select {
		case res := <-ch:
			assert.Equal(t, wire.StatusSuccess, res.Result.Status)
		case <-time.After(5 * time.Second):
			t.Fatal(`timed out`)
		}
	}
	assert.Equal(t, int64(1), peak.Load())
}

func TestExecutor_asyncFunctionsSkipPool(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PoolSize = 1 })
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var running, peak atomic.Int64
	h.register(t, `f1`, blockingDefinition(`async`, true, started, release, &running, &peak))

	a := h.start(t, &wire.InvocationRequest{InvocationID: `a`, FunctionID: `f1`})
	b := h.start(t, &wire.InvocationRequest{InvocationID: `b`, FunctionID: `f1`})
	for range 2 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal(`async functions did not run concurrently`)
		}
	}
	close(release)
	<-a
	<-b
	assert.Equal(t, int64(2), peak.Load())
}

func TestExecutor_SetPoolSize(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, 1, h.exec.PoolSize())
	h.exec.SetPoolSize(8)
	assert.Equal(t, 8, h.exec.PoolSize())
	h.exec.SetPoolSize(0)
	assert.Equal(t, 1, h.exec.PoolSize())
}

func TestExecutor_httpFastPath(t *testing.T) {
	coordinator := httpproxy.NewCoordinator()
	h := newHarness(t, func(cfg *Config) { cfg.HTTP = coordinator })
	h.exec.EnableHTTPFastPath(true)
	require.True(t, h.exec.HTTPFastPath())

	var gotID atomic.Value
	h.register(t, `f1`, &functions.Definition{
		Name: `hello`,
		Callable: func(ctx context.Context, call *functions.Call) (any, error) {
			id, _ := logging.InvocationID(ctx)
			gotID.Store(id)
			req := call.Arg(`req`).(*bindings.HTTPRequest)
			return `hello ` + req.Params[`name`], nil
		},
		Bindings: []functions.Binding{
			{Name: `req`, Type: functions.HTTPTrigger},
			{Name: functions.ReturnBinding, Type: `http`, Direction: wire.BindingDirectionOut},
		},
	})

	ch := h.start(t, &wire.InvocationRequest{
		InvocationID:    `inv-http`,
		FunctionID:      `f1`,
		InputData:       []*wire.ParameterBinding{{Name: `req`, Data: &wire.TypedData{HTTP: &wire.RpcHttp{Method: `GET`}}}},
		TriggerMetadata: map[string]*wire.TypedData{`name`: stringData(`world`)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coordinator.SetRequest(`inv-http`, &bindings.HTTPRequest{Method: `GET`})
	v, err := coordinator.AwaitResponse(ctx, `inv-http`)
	require.NoError(t, err)
	assert.Equal(t, `hello world`, v)

	select {
	case res := <-ch:
		require.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
		assert.Nil(t, res.ReturnValue)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
	assert.Equal(t, `inv-http`, gotID.Load())
}

func TestExecutor_httpFastPathWaitsOutsidePool(t *testing.T) {
	coordinator := httpproxy.NewCoordinator()
	h := newHarness(t, func(cfg *Config) {
		cfg.HTTP = coordinator
		cfg.PoolSize = 1
	})
	h.exec.EnableHTTPFastPath(true)
	h.register(t, `f1`, &functions.Definition{
		Name: `hello`,
		Callable: func(context.Context, *functions.Call) (any, error) {
			return `hello`, nil
		},
		Bindings: []functions.Binding{
			{Name: `req`, Type: functions.HTTPTrigger},
			{Name: functions.ReturnBinding, Type: `http`, Direction: wire.BindingDirectionOut},
		},
	})
	h.register(t, `f2`, upperDefinition())

	pending := h.start(t, &wire.InvocationRequest{
		InvocationID: `inv-http`,
		FunctionID:   `f1`,
		InputData:    []*wire.ParameterBinding{{Name: `req`, Data: &wire.TypedData{HTTP: &wire.RpcHttp{Method: `GET`}}}},
	})
	time.Sleep(50 * time.Millisecond)

	// the http invocation has no request yet, and must not starve the pool
	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv-upper`,
		FunctionID:   `f2`,
		InputData:    []*wire.ParameterBinding{{Name: `msg`, Data: stringData(`abc`)}},
	})
	require.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
	assert.Equal(t, `ABC`, *res.ReturnValue.String)

	select {
	case <-pending:
		t.Fatal(`http invocation completed without a request`)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coordinator.SetRequest(`inv-http`, &bindings.HTTPRequest{Method: `GET`})
	v, err := coordinator.AwaitResponse(ctx, `inv-http`)
	require.NoError(t, err)
	assert.Equal(t, `hello`, v)
	select {
	case res := <-pending:
		assert.Equal(t, wire.StatusSuccess, res.Result.Status, res.Result.Exception)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}

type countingExtension struct {
	functions.UnimplementedExtension
	pre, post atomic.Int64
}

func (x *countingExtension) PreInvocation(context.Context, *functions.Info, *functions.Call) error {
	x.pre.Add(1)
	return nil
}

func (x *countingExtension) PostInvocation(context.Context, *functions.Info, *functions.Call, any, error) error {
	x.post.Add(1)
	return errors.New(`ignored`)
}

func TestExecutor_extensionsAndContext(t *testing.T) {
	ext := new(countingExtension)
	h := newHarness(t, func(cfg *Config) { cfg.Extensions = functions.NewExtensions(nil, ext) })
	var call *functions.Call
	h.register(t, `f1`, &functions.Definition{
		Name:            `ctx`,
		RequiresContext: true,
		Callable: func(_ context.Context, c *functions.Call) (any, error) {
			call = c
			return nil, nil
		},
		Bindings: []functions.Binding{{Name: `t`, Type: `timerTrigger`}},
	})
	res := h.invoke(t, &wire.InvocationRequest{
		InvocationID: `inv`,
		FunctionID:   `f1`,
		TraceContext: &wire.RpcTraceContext{TraceParent: `00-abc`},
		RetryContext: &wire.RetryContext{RetryCount: 2},
	})
	require.Equal(t, wire.StatusSuccess, res.Result.Status)
	require.NotNil(t, call)
	assert.Equal(t, `00-abc`, call.TraceContext.TraceParent)
	assert.Equal(t, int32(2), call.RetryContext.RetryCount)
	assert.Equal(t, `inv`, call.InvocationID)
	assert.Equal(t, int64(1), ext.pre.Load())
	assert.Equal(t, int64(1), ext.post.Load())
}

func TestPanicStack(t *testing.T) {
	stack := "goroutine 7 [running]:\n" +
		"runtime/debug.Stack()\n\t/go/src/runtime/debug/stack.go:26 +0x5e\n" +
		"example.com/x.callFunction.func1()\n\t/x/failure.go:10 +0x1\n" +
		"panic({0x1, 0x2})\n\t/go/src/runtime/panic.go:770 +0x132\n" +
		"example.com/x.user(...)\n\t/x/user.go:5\n" +
		"runtime.goexit()\n\t/go/src/runtime/asm_amd64.s:1695 +0x1\n"
	assert.Equal(t, "example.com/x.user(...)\n\t/x/user.go:5", panicStack([]byte(stack)))
}
