package dispatcher

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/config"
	"github.com/joeycumines/go-funcworker/functions"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/wire"
)

// Capabilities exchanged with the host.
const (
	CapabilityRawHTTPBodyBytes              = `RawHttpBodyBytes`
	CapabilityTypedDataCollection           = `TypedDataCollection`
	CapabilityRPCHTTPBodyOnly               = `RpcHttpBodyOnly`
	CapabilityWorkerStatus                  = `WorkerStatus`
	CapabilityRPCHTTPTriggerMetadataRemoved = `RpcHttpTriggerMetadataRemoved`
	CapabilitySharedMemoryDataTransfer      = `SharedMemoryDataTransfer`
	CapabilityWorkerOpenTelemetryEnabled    = `WorkerOpenTelemetryEnabled`
	CapabilityHTTPURI                       = `HttpUri`
	// CapabilityFunctionDataCache is a host capability, enabling result
	// caching when "true".
	CapabilityFunctionDataCache = `FunctionDataCache`

	capabilityTrue = `true`
)

var ErrNoLoader = errors.New(`dispatcher: no function loader`)

// dispatch routes msg to its handler. It runs on the event loop.
func (x *Dispatcher) dispatch(msg *wire.StreamingMessage) {
	content := msg.Content()
	labels := []metrics.Label{telemetry.LabelContent.M(content)}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf(`%w: %s handler panicked: %v`, ErrFatal, content, r)
			x.logger.Crit().Err(err).Str(`request_id`, msg.RequestID).Log(`fatal error handling request`)
			x.fatal(err)
		}
	}()

	if err := msg.Validate(); err != nil {
		x.logger.Warning().Err(err).Str(`request_id`, msg.RequestID).Log(`ambiguous message, handling first payload`)
	}

	var res *wire.StreamingMessage
	switch content {
	case wire.ContentWorkerInitRequest:
		res = &wire.StreamingMessage{WorkerInitResponse: x.handleWorkerInit(msg.WorkerInitRequest)}
	case wire.ContentFunctionsMetadataRequest:
		res = &wire.StreamingMessage{FunctionMetadataResponse: x.handleFunctionsMetadata(msg.FunctionsMetadataRequest)}
	case wire.ContentFunctionLoadRequest:
		res = &wire.StreamingMessage{FunctionLoadResponse: x.handleFunctionLoad(msg.FunctionLoadRequest)}
	case wire.ContentInvocationRequest:
		x.sink.IncrCounterWithLabels(telemetry.MetricDispatchCount, 1, labels)
		x.handleInvocation(msg.RequestID, msg.InvocationRequest)
		return
	case wire.ContentFunctionEnvironmentReloadRequest:
		res = &wire.StreamingMessage{FunctionEnvironmentReloadResponse: x.handleEnvironmentReload(msg.FunctionEnvironmentReloadRequest)}
	case wire.ContentCloseSharedMemoryResourcesRequest:
		res = &wire.StreamingMessage{CloseSharedMemoryResourcesResponse: x.handleCloseSharedMemoryResources(msg.CloseSharedMemoryResourcesRequest)}
	case wire.ContentWorkerStatusRequest:
		res = &wire.StreamingMessage{WorkerStatusResponse: &wire.WorkerStatusResponse{}}
	default:
		x.sink.IncrCounterWithLabels(telemetry.MetricDispatchDroppedCount, 1, labels)
		if _, ok := x.dropWarnings.Allow(content); !ok {
			return
		}
		x.logger.Warning().
			Str(`request_id`, msg.RequestID).
			Str(string(telemetry.LabelContent), content).
			Log(`dropped unsupported message`)
		return
	}

	x.sink.IncrCounterWithLabels(telemetry.MetricDispatchCount, 1, labels)
	res.RequestID = msg.RequestID
	x.respond(res)
}

func (x *Dispatcher) handleWorkerInit(req *wire.WorkerInitRequest) *wire.WorkerInitResponse {
	x.hostCaps = maps.Clone(req.Capabilities)
	x.appDir = req.FunctionAppDirectory
	x.shm.SetResultCaching(x.hostCaps[CapabilityFunctionDataCache] == capabilityTrue)
	x.apply()

	x.logger.Info().
		Str(`host_version`, req.HostVersion).
		Str(`function_app_directory`, req.FunctionAppDirectory).
		Bool(`result_caching`, x.shm.ResultCaching()).
		Log(`received worker init request`)

	return &wire.WorkerInitResponse{
		WorkerVersion:  Version,
		Capabilities:   x.capabilities(),
		WorkerMetadata: x.workerMetadata(),
		Result:         wire.Success(),
	}
}

func (x *Dispatcher) handleFunctionsMetadata(req *wire.FunctionsMetadataRequest) *wire.FunctionMetadataResponse {
	if !x.settings.InitIndexing || x.indexer == nil {
		return &wire.FunctionMetadataResponse{Result: wire.Success(), UseDefaultMetadataIndexing: true}
	}

	dir := req.FunctionAppDirectory
	if dir == `` {
		dir = x.appDir
	}

	indexed, err := x.indexer.Index(x.ctx, dir)
	if err != nil {
		x.logger.Err().Err(err).Str(`directory`, dir).Log(`failed to index functions`)
		return &wire.FunctionMetadataResponse{Result: failure(err)}
	}

	res := wire.FunctionMetadataResponse{
		Result:                  wire.Success(),
		FunctionMetadataResults: make([]*wire.RpcFunctionMetadata, 0, len(indexed)),
	}
	for _, v := range indexed {
		x.register(v.Info)
		res.FunctionMetadataResults = append(res.FunctionMetadataResults, v.Metadata)
	}

	x.logger.Info().Int(`count`, len(indexed)).Log(`indexed functions`)

	return &res
}

func (x *Dispatcher) handleFunctionLoad(req *wire.FunctionLoadRequest) *wire.FunctionLoadResponse {
	res := wire.FunctionLoadResponse{FunctionID: req.FunctionID}

	if _, ok := x.registry.Get(req.FunctionID); ok {
		res.Result = wire.Success()
		return &res
	}

	if x.loader == nil {
		res.Result = failure(ErrNoLoader)
		return &res
	}

	info, err := x.loader.Load(x.ctx, req.FunctionID, req.Metadata)
	if err != nil {
		x.logger.Err().Err(err).Str(`function_id`, req.FunctionID).Log(`failed to load function`)
		res.Result = failure(err)
		return &res
	}

	x.register(info)
	res.Result = wire.Success()
	return &res
}

func (x *Dispatcher) register(info *functions.Info) {
	info = info.WithDeferred(x.deferred.Supports)
	if !x.registry.Register(info) {
		return
	}
	x.extensions.PostFunctionLoad(x.ctx, info)
	x.logger.Info().
		Str(`function_id`, info.ID).
		Str(`function_name`, info.Name).
		Log(`loaded function`)
}

func (x *Dispatcher) handleInvocation(requestID string, req *wire.InvocationRequest) {
	x.exec.Invoke(x.ctx, req, func(res *wire.InvocationResponse) {
		x.respond(&wire.StreamingMessage{RequestID: requestID, InvocationResponse: res})
	})
}

func (x *Dispatcher) handleEnvironmentReload(req *wire.FunctionEnvironmentReloadRequest) *wire.FunctionEnvironmentReloadResponse {
	res := wire.FunctionEnvironmentReloadResponse{}

	if err := x.env.Replace(req.EnvironmentVariables); err != nil {
		x.logger.Err().Err(err).Log(`failed to replace environment`)
		res.Result = failure(err)
		return &res
	}

	settings, err := config.Load(x.env.LookupEnv)
	if err != nil {
		x.logger.Warning().Err(err).Log(`invalid settings, using defaults`)
	}
	x.settings = settings

	x.registry.Clear()
	x.deferred.Purge()
	x.converters.Reset()
	x.converters.RegisterDefaults()
	x.registerConverters()
	x.apply()

	if dir := req.FunctionAppDirectory; dir != `` {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			if err := os.Chdir(dir); err != nil {
				x.logger.Warning().Err(err).Str(`directory`, dir).Log(`failed to change working directory`)
			}
		}
		x.appDir = dir
	}

	x.logger.Info().
		Int(`variables`, len(req.EnvironmentVariables)).
		Str(`function_app_directory`, req.FunctionAppDirectory).
		Log(`reloaded environment`)

	res.Capabilities = x.capabilities()
	res.WorkerMetadata = x.workerMetadata()
	res.Result = wire.Success()
	return &res
}

func (x *Dispatcher) handleCloseSharedMemoryResources(req *wire.CloseSharedMemoryResourcesRequest) *wire.CloseSharedMemoryResourcesResponse {
	results := make(map[string]bool, len(req.MapNames))
	for _, name := range req.MapNames {
		results[name] = false
	}
	deleteBacking := !x.shm.ResultCaching()
	for _, name := range req.MapNames {
		results[name] = x.shm.Free(name, deleteBacking)
	}
	return &wire.CloseSharedMemoryResourcesResponse{CloseMapResults: results}
}

func (x *Dispatcher) capabilities() map[string]string {
	caps := map[string]string{
		CapabilityRawHTTPBodyBytes:              capabilityTrue,
		CapabilityTypedDataCollection:           capabilityTrue,
		CapabilityRPCHTTPBodyOnly:               capabilityTrue,
		CapabilityWorkerStatus:                  capabilityTrue,
		CapabilityRPCHTTPTriggerMetadataRemoved: capabilityTrue,
	}
	if x.shm.Enabled() {
		caps[CapabilitySharedMemoryDataTransfer] = capabilityTrue
	}
	if x.settings.OpenTelemetry {
		caps[CapabilityWorkerOpenTelemetryEnabled] = capabilityTrue
	}
	if x.exec.HTTPFastPath() {
		caps[CapabilityHTTPURI] = x.httpURI
	}
	return caps
}

func (x *Dispatcher) workerMetadata() *wire.WorkerMetadata {
	md := wire.WorkerMetadata{
		RuntimeName:    `go`,
		RuntimeVersion: runtime.Version(),
		WorkerVersion:  Version,
		WorkerBitness:  runtime.GOARCH,
	}
	if x.workerID != `` {
		md.CustomProperties = map[string]string{`worker_id`: x.workerID}
	}
	return &md
}

func failure(err error) *wire.StatusResult {
	return wire.Failure(&wire.RpcException{
		Source:  `funcworker`,
		Message: err.Error(),
		Type:    fmt.Sprintf(`%T`, err),
	})
}
