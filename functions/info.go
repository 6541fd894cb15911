// Package functions models the user functions a worker can invoke: how they
// are described, discovered, loaded and registered.
package functions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joeycumines/go-funcworker/logging"
	"github.com/joeycumines/go-funcworker/wire"
)

// ReturnBinding is the binding name of a function's return value.
const ReturnBinding = `$return`

// HTTPTrigger is the binding type of HTTP triggered functions.
const HTTPTrigger = `httpTrigger`

var (
	ErrInvalidFunction = errors.New(`functions: invalid function`)
	ErrNotFound        = errors.New(`functions: function not found`)
)

type (
	// Callable is the body of a function. Output bindings are passed in
	// Call.Args as *bindings.Out values, and the result is encoded via the
	// return binding, if any.
	Callable func(ctx context.Context, call *Call) (any, error)

	// Call holds everything passed to a single invocation.
	Call struct {
		// Args maps binding names to decoded values.
		Args map[string]any
		// TraceContext and RetryContext are only set for functions that
		// declare RequiresContext.
		TraceContext *wire.RpcTraceContext
		RetryContext *wire.RetryContext
		// Logger is forwarded to the host with the user category.
		Logger       *logging.Logger
		InvocationID string
		FunctionName string
		Directory    string
	}

	// Param describes one binding of a function.
	Param struct {
		Name string
		// Binding is the binding type, e.g. httpTrigger or blob.
		Binding string
		// DeclaredType is the native type the function expects, see the
		// bindings.Declared* constants.
		DeclaredType string
		DataType     wire.BindingDataType
		Direction    wire.BindingDirection
		Trigger      bool
		// Deferred marks params decoded via a deferred binding registry.
		Deferred bool
	}

	// Info is an indexed or loaded function. It must not be modified after
	// registration.
	Info struct {
		Callable     Callable
		InputParams  map[string]*Param
		OutputParams map[string]*Param
		Return       *Param
		ID           string
		Name         string
		Directory    string
		// TriggerParam is the name of the trigger binding.
		TriggerParam    string
		RequiresContext bool
		IsAsync         bool
		IsHTTP          bool
	}
)

// Arg returns the named argument, or nil.
func (x *Call) Arg(name string) any {
	if x == nil {
		return nil
	}
	return x.Args[name]
}

// HasReturn reports whether the function declares a return binding.
func (x *Info) HasReturn() bool { return x.Return != nil }

// Trigger returns the trigger param.
func (x *Info) Trigger() *Param { return x.InputParams[x.TriggerParam] }

// WithDeferred returns a copy of x with the Deferred flag set on input params
// whose declared type is supported.
func (x *Info) WithDeferred(supports func(declaredType string) bool) *Info {
	if supports == nil {
		return x
	}
	c := *x
	c.InputParams = make(map[string]*Param, len(x.InputParams))
	for k, p := range x.InputParams {
		if p.DeclaredType != `` && supports(p.DeclaredType) {
			cp := *p
			cp.Deferred = true
			p = &cp
		}
		c.InputParams[k] = p
	}
	return &c
}

// IsTrigger reports whether the binding type names a trigger.
func IsTrigger(binding string) bool {
	return strings.HasSuffix(strings.ToLower(binding), `trigger`)
}

// NewInfo validates a function and builds its Info.
func NewInfo(id string, def *Definition) (*Info, error) {
	if def == nil || def.Name == `` {
		return nil, fmt.Errorf(`%w: missing name`, ErrInvalidFunction)
	}
	if def.Callable == nil {
		return nil, fmt.Errorf(`%w: %s: missing callable`, ErrInvalidFunction, def.Name)
	}
	x := Info{
		Callable:        def.Callable,
		InputParams:     make(map[string]*Param),
		OutputParams:    make(map[string]*Param),
		ID:              id,
		Name:            def.Name,
		Directory:       def.Directory,
		RequiresContext: def.RequiresContext,
		IsAsync:         def.IsAsync,
	}
	for _, b := range def.Bindings {
		if b.Name == `` || b.Type == `` {
			return nil, fmt.Errorf(`%w: %s: binding missing name or type`, ErrInvalidFunction, def.Name)
		}
		if _, ok := x.InputParams[b.Name]; ok {
			return nil, fmt.Errorf(`%w: %s: duplicate binding %q`, ErrInvalidFunction, def.Name, b.Name)
		}
		if _, ok := x.OutputParams[b.Name]; ok || (b.Name == ReturnBinding && x.Return != nil) {
			return nil, fmt.Errorf(`%w: %s: duplicate binding %q`, ErrInvalidFunction, def.Name, b.Name)
		}
		p := Param{
			Name:         b.Name,
			Binding:      b.Type,
			DeclaredType: b.DeclaredType,
			DataType:     b.DataType,
			Direction:    b.Direction,
			Trigger:      IsTrigger(b.Type),
		}
		switch {
		case b.Direction == wire.BindingDirectionInOut:
			return nil, fmt.Errorf(`%w: %s: inout binding %q unsupported`, ErrInvalidFunction, def.Name, b.Name)
		case b.Name == ReturnBinding:
			if b.Direction != wire.BindingDirectionOut {
				return nil, fmt.Errorf(`%w: %s: %s binding must be out`, ErrInvalidFunction, def.Name, ReturnBinding)
			}
			x.Return = &p
		case b.Direction == wire.BindingDirectionOut:
			if p.Trigger {
				return nil, fmt.Errorf(`%w: %s: trigger %q must be in`, ErrInvalidFunction, def.Name, b.Name)
			}
			x.OutputParams[b.Name] = &p
		default:
			if p.Trigger {
				if x.TriggerParam != `` {
					return nil, fmt.Errorf(`%w: %s: multiple triggers`, ErrInvalidFunction, def.Name)
				}
				x.TriggerParam = b.Name
				x.IsHTTP = b.Type == HTTPTrigger
			}
			x.InputParams[b.Name] = &p
		}
	}
	if x.TriggerParam == `` {
		return nil, fmt.Errorf(`%w: %s: missing trigger`, ErrInvalidFunction, def.Name)
	}
	return &x, nil
}
