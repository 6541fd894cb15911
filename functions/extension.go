package functions

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-funcworker/logging"
)

type (
	// Extension hooks into the function lifecycle. Hooks are best effort:
	// errors and panics are logged, and never affect the function.
	Extension interface {
		PostFunctionLoad(ctx context.Context, info *Info) error
		PreInvocation(ctx context.Context, info *Info, call *Call) error
		PostInvocation(ctx context.Context, info *Info, call *Call, result any, err error) error
	}

	// UnimplementedExtension may be embedded to implement only some hooks.
	UnimplementedExtension struct{}

	// Extensions runs hooks in order. The zero value and nil are valid, and
	// run nothing.
	Extensions struct {
		logger *logging.Logger
		list   []Extension
	}
)

var _ Extension = UnimplementedExtension{}

func (UnimplementedExtension) PostFunctionLoad(context.Context, *Info) error { return nil }

func (UnimplementedExtension) PreInvocation(context.Context, *Info, *Call) error { return nil }

func (UnimplementedExtension) PostInvocation(context.Context, *Info, *Call, any, error) error {
	return nil
}

func NewExtensions(logger *logging.Logger, list ...Extension) *Extensions {
	return &Extensions{logger: logger, list: list}
}

func (x *Extensions) Len() int {
	if x == nil {
		return 0
	}
	return len(x.list)
}

func (x *Extensions) PostFunctionLoad(ctx context.Context, info *Info) {
	x.each(`post_function_load`, info, func(ext Extension) error {
		return ext.PostFunctionLoad(ctx, info)
	})
}

func (x *Extensions) PreInvocation(ctx context.Context, info *Info, call *Call) {
	x.each(`pre_invocation`, info, func(ext Extension) error {
		return ext.PreInvocation(ctx, info, call)
	})
}

func (x *Extensions) PostInvocation(ctx context.Context, info *Info, call *Call, result any, err error) {
	x.each(`post_invocation`, info, func(ext Extension) error {
		return ext.PostInvocation(ctx, info, call, result, err)
	})
}

func (x *Extensions) each(hook string, info *Info, fn func(ext Extension) error) {
	if x == nil {
		return
	}
	for _, ext := range x.list {
		if err := safeCall(ext, fn); err != nil {
			x.logger.Warning().
				Err(err).
				Str(`hook`, hook).
				Str(`function`, info.Name).
				Str(`extension`, fmt.Sprintf(`%T`, ext)).
				Log(`extension hook failed`)
		}
	}
}

func safeCall(ext Extension, fn func(ext Extension) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(`functions: extension panic: %v`, r)
		}
	}()
	return fn(ext)
}
