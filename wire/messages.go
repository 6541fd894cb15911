package wire

import (
	"fmt"
)

type (
	// StreamingMessage is the envelope exchanged in both directions on the
	// event stream. Exactly one payload field should be set.
	StreamingMessage struct {
		RequestID string `json:"request_id,omitempty"`

		StartStream                        *StartStream                        `json:"start_stream,omitempty"`
		WorkerInitRequest                  *WorkerInitRequest                  `json:"worker_init_request,omitempty"`
		WorkerInitResponse                 *WorkerInitResponse                 `json:"worker_init_response,omitempty"`
		FunctionsMetadataRequest           *FunctionsMetadataRequest           `json:"functions_metadata_request,omitempty"`
		FunctionMetadataResponse           *FunctionMetadataResponse           `json:"function_metadata_response,omitempty"`
		FunctionLoadRequest                *FunctionLoadRequest                `json:"function_load_request,omitempty"`
		FunctionLoadResponse               *FunctionLoadResponse               `json:"function_load_response,omitempty"`
		InvocationRequest                  *InvocationRequest                  `json:"invocation_request,omitempty"`
		InvocationResponse                 *InvocationResponse                 `json:"invocation_response,omitempty"`
		InvocationCancel                   *InvocationCancel                   `json:"invocation_cancel,omitempty"`
		FunctionEnvironmentReloadRequest   *FunctionEnvironmentReloadRequest   `json:"function_environment_reload_request,omitempty"`
		FunctionEnvironmentReloadResponse  *FunctionEnvironmentReloadResponse  `json:"function_environment_reload_response,omitempty"`
		CloseSharedMemoryResourcesRequest  *CloseSharedMemoryResourcesRequest  `json:"close_shared_memory_resources_request,omitempty"`
		CloseSharedMemoryResourcesResponse *CloseSharedMemoryResourcesResponse `json:"close_shared_memory_resources_response,omitempty"`
		WorkerStatusRequest                *WorkerStatusRequest                `json:"worker_status_request,omitempty"`
		WorkerStatusResponse               *WorkerStatusResponse               `json:"worker_status_response,omitempty"`
		RpcLog                             *RpcLog                             `json:"rpc_log,omitempty"`
	}

	StartStream struct {
		WorkerID string `json:"worker_id,omitempty"`
	}

	WorkerInitRequest struct {
		HostVersion          string            `json:"host_version,omitempty"`
		Capabilities         map[string]string `json:"capabilities,omitzero"`
		LogCategories        map[string]int32  `json:"log_categories,omitzero"`
		WorkerDirectory      string            `json:"worker_directory,omitempty"`
		FunctionAppDirectory string            `json:"function_app_directory,omitempty"`
	}

	WorkerInitResponse struct {
		WorkerVersion  string            `json:"worker_version,omitempty"`
		Capabilities   map[string]string `json:"capabilities,omitzero"`
		Result         *StatusResult     `json:"result,omitempty"`
		WorkerMetadata *WorkerMetadata   `json:"worker_metadata,omitempty"`
	}

	WorkerMetadata struct {
		RuntimeName      string            `json:"runtime_name,omitempty"`
		RuntimeVersion   string            `json:"runtime_version,omitempty"`
		WorkerVersion    string            `json:"worker_version,omitempty"`
		WorkerBitness    string            `json:"worker_bitness,omitempty"`
		CustomProperties map[string]string `json:"custom_properties,omitzero"`
	}

	FunctionsMetadataRequest struct {
		FunctionAppDirectory string `json:"function_app_directory,omitempty"`
	}

	FunctionMetadataResponse struct {
		FunctionMetadataResults    []*RpcFunctionMetadata `json:"function_metadata_results,omitzero"`
		Result                     *StatusResult          `json:"result,omitempty"`
		UseDefaultMetadataIndexing bool                   `json:"use_default_metadata_indexing,omitempty"`
	}

	FunctionLoadRequest struct {
		FunctionID string               `json:"function_id,omitempty"`
		Metadata   *RpcFunctionMetadata `json:"metadata,omitempty"`
	}

	FunctionLoadResponse struct {
		FunctionID string        `json:"function_id,omitempty"`
		Result     *StatusResult `json:"result,omitempty"`
	}

	RpcFunctionMetadata struct {
		Name        string                  `json:"name,omitempty"`
		FunctionID  string                  `json:"function_id,omitempty"`
		Directory   string                  `json:"directory,omitempty"`
		ScriptFile  string                  `json:"script_file,omitempty"`
		EntryPoint  string                  `json:"entry_point,omitempty"`
		Bindings    map[string]*BindingInfo `json:"bindings,omitzero"`
		IsProxy     bool                    `json:"is_proxy,omitempty"`
		Language    string                  `json:"language,omitempty"`
		RawBindings []string                `json:"raw_bindings,omitzero"`
		Properties  map[string]string       `json:"properties,omitzero"`
	}

	BindingInfo struct {
		Type      string           `json:"type,omitempty"`
		Direction BindingDirection `json:"direction,omitempty"`
		DataType  BindingDataType  `json:"data_type,omitempty"`
	}

	BindingDirection int32

	BindingDataType int32

	InvocationRequest struct {
		InvocationID    string                `json:"invocation_id,omitempty"`
		FunctionID      string                `json:"function_id,omitempty"`
		InputData       []*ParameterBinding   `json:"input_data,omitzero"`
		TriggerMetadata map[string]*TypedData `json:"trigger_metadata,omitzero"`
		TraceContext    *RpcTraceContext      `json:"trace_context,omitempty"`
		RetryContext    *RetryContext         `json:"retry_context,omitempty"`
	}

	RpcTraceContext struct {
		TraceParent string            `json:"trace_parent,omitempty"`
		TraceState  string            `json:"trace_state,omitempty"`
		Attributes  map[string]string `json:"attributes,omitzero"`
	}

	RetryContext struct {
		RetryCount    int32         `json:"retry_count,omitempty"`
		MaxRetryCount int32         `json:"max_retry_count,omitempty"`
		Exception     *RpcException `json:"exception,omitempty"`
	}

	// ParameterBinding carries one named value, either inline (Data) or by
	// reference to a shared memory segment (RpcSharedMemory).
	ParameterBinding struct {
		Name            string           `json:"name,omitempty"`
		Data            *TypedData       `json:"data,omitempty"`
		RpcSharedMemory *RpcSharedMemory `json:"rpc_shared_memory,omitempty"`
	}

	InvocationResponse struct {
		InvocationID string              `json:"invocation_id,omitempty"`
		OutputData   []*ParameterBinding `json:"output_data,omitzero"`
		ReturnValue  *TypedData          `json:"return_value,omitempty"`
		Result       *StatusResult       `json:"result,omitempty"`
	}

	InvocationCancel struct {
		InvocationID string `json:"invocation_id,omitempty"`
	}

	FunctionEnvironmentReloadRequest struct {
		EnvironmentVariables map[string]string `json:"environment_variables,omitzero"`
		FunctionAppDirectory string            `json:"function_app_directory,omitempty"`
	}

	FunctionEnvironmentReloadResponse struct {
		WorkerMetadata *WorkerMetadata   `json:"worker_metadata,omitempty"`
		Capabilities   map[string]string `json:"capabilities,omitzero"`
		Result         *StatusResult     `json:"result,omitempty"`
	}

	CloseSharedMemoryResourcesRequest struct {
		MapNames []string `json:"map_names,omitzero"`
	}

	CloseSharedMemoryResourcesResponse struct {
		CloseMapResults map[string]bool `json:"close_map_results,omitzero"`
	}

	WorkerStatusRequest struct{}

	WorkerStatusResponse struct{}

	RpcLog struct {
		InvocationID string        `json:"invocation_id,omitempty"`
		Category     string        `json:"category,omitempty"`
		Level        LogLevel      `json:"level,omitempty"`
		Message      string        `json:"message,omitempty"`
		EventID      string        `json:"event_id,omitempty"`
		Exception    *RpcException `json:"exception,omitempty"`
		LogCategory  LogCategory   `json:"log_category,omitempty"`
	}

	LogLevel int32

	LogCategory int32

	StatusResult struct {
		Status    Status        `json:"status,omitempty"`
		Result    string        `json:"result,omitempty"`
		Exception *RpcException `json:"exception,omitempty"`
	}

	Status int32

	RpcException struct {
		Source          string `json:"source,omitempty"`
		StackTrace      string `json:"stack_trace,omitempty"`
		Message         string `json:"message,omitempty"`
		Type            string `json:"type,omitempty"`
		IsUserException bool   `json:"is_user_exception,omitempty"`
	}
)

const (
	BindingDirectionIn BindingDirection = iota
	BindingDirectionOut
	BindingDirectionInOut
)

const (
	BindingDataTypeUndefined BindingDataType = iota
	BindingDataTypeString
	BindingDataTypeBinary
	BindingDataTypeStream
)

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInformation
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelNone
)

const (
	LogCategoryUser LogCategory = iota
	LogCategorySystem
	LogCategoryCustomMetric
)

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusCancelled
)

// Discriminant names reported by StreamingMessage.Content.
const (
	ContentStartStream                        = `start_stream`
	ContentWorkerInitRequest                  = `worker_init_request`
	ContentWorkerInitResponse                 = `worker_init_response`
	ContentFunctionsMetadataRequest           = `functions_metadata_request`
	ContentFunctionMetadataResponse           = `function_metadata_response`
	ContentFunctionLoadRequest                = `function_load_request`
	ContentFunctionLoadResponse               = `function_load_response`
	ContentInvocationRequest                  = `invocation_request`
	ContentInvocationResponse                 = `invocation_response`
	ContentInvocationCancel                   = `invocation_cancel`
	ContentFunctionEnvironmentReloadRequest   = `function_environment_reload_request`
	ContentFunctionEnvironmentReloadResponse  = `function_environment_reload_response`
	ContentCloseSharedMemoryResourcesRequest  = `close_shared_memory_resources_request`
	ContentCloseSharedMemoryResourcesResponse = `close_shared_memory_resources_response`
	ContentWorkerStatusRequest                = `worker_status_request`
	ContentWorkerStatusResponse               = `worker_status_response`
	ContentRpcLog                             = `rpc_log`
)

// contents lists every populated variant, in declaration order.
func (x *StreamingMessage) contents() (names []string) {
	if x == nil {
		return nil
	}
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(x.StartStream != nil, ContentStartStream)
	add(x.WorkerInitRequest != nil, ContentWorkerInitRequest)
	add(x.WorkerInitResponse != nil, ContentWorkerInitResponse)
	add(x.FunctionsMetadataRequest != nil, ContentFunctionsMetadataRequest)
	add(x.FunctionMetadataResponse != nil, ContentFunctionMetadataResponse)
	add(x.FunctionLoadRequest != nil, ContentFunctionLoadRequest)
	add(x.FunctionLoadResponse != nil, ContentFunctionLoadResponse)
	add(x.InvocationRequest != nil, ContentInvocationRequest)
	add(x.InvocationResponse != nil, ContentInvocationResponse)
	add(x.InvocationCancel != nil, ContentInvocationCancel)
	add(x.FunctionEnvironmentReloadRequest != nil, ContentFunctionEnvironmentReloadRequest)
	add(x.FunctionEnvironmentReloadResponse != nil, ContentFunctionEnvironmentReloadResponse)
	add(x.CloseSharedMemoryResourcesRequest != nil, ContentCloseSharedMemoryResourcesRequest)
	add(x.CloseSharedMemoryResourcesResponse != nil, ContentCloseSharedMemoryResourcesResponse)
	add(x.WorkerStatusRequest != nil, ContentWorkerStatusRequest)
	add(x.WorkerStatusResponse != nil, ContentWorkerStatusResponse)
	add(x.RpcLog != nil, ContentRpcLog)
	return names
}

// Content returns the discriminant of the populated payload, or "" if none
// is set. If more than one is set (see Validate), the first in declaration
// order wins.
func (x *StreamingMessage) Content() string {
	if names := x.contents(); len(names) != 0 {
		return names[0]
	}
	return ``
}

// Validate reports an error if more than one payload is set.
func (x *StreamingMessage) Validate() error {
	if names := x.contents(); len(names) > 1 {
		return fmt.Errorf("wire: streaming message has %d payloads %q", len(names), names)
	}
	return nil
}

func (x Status) String() string {
	switch x {
	case StatusFailure:
		return `failure`
	case StatusSuccess:
		return `success`
	case StatusCancelled:
		return `cancelled`
	default:
		return fmt.Sprintf(`status(%d)`, int32(x))
	}
}

// Success returns a StatusResult with status Success.
func Success() *StatusResult {
	return &StatusResult{Status: StatusSuccess}
}

// Failure returns a StatusResult with status Failure and the given
// exception.
func Failure(exc *RpcException) *StatusResult {
	return &StatusResult{Status: StatusFailure, Exception: exc}
}
