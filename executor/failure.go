package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-funcworker/functions"
	"github.com/joeycumines/go-funcworker/wire"
)

// FunctionError wraps errors returned by, or panics raised from, a function
// body.
type FunctionError struct {
	Err error
	// Stack is the panic site, with the panic machinery elided, or the
	// function that returned Err.
	Stack string
	Panic bool
}

func (e *FunctionError) Error() string {
	if e.Panic {
		return `function panicked: ` + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *FunctionError) Unwrap() error { return e.Err }

func callFunction(ctx context.Context, fn functions.Callable, call *functions.Call) (result any, err error) {
	defer recoverFunction(&err)
	result, err = fn(ctx, call)
	if err != nil {
		err = &FunctionError{Err: err, Stack: callSite(fn)}
	}
	return result, err
}

// recoverFunction must be deferred directly. It replaces *err with a
// panicking [FunctionError].
func recoverFunction(err *error) {
	r := recover()
	if r == nil {
		return
	}
	var cause error
	if v, ok := r.(error); ok {
		cause = v
	} else {
		cause = eventloop.PanicError{Value: r}
	}
	*err = &FunctionError{Err: cause, Stack: panicStack(debug.Stack()), Panic: true}
}

// callSite formats fn in the style of a single debug.Stack frame.
func callSite(fn functions.Callable) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return ``
	}
	file, line := f.FileLine(f.Entry())
	return fmt.Sprintf("%s(...)\n\t%s:%d", f.Name(), file, line)
}

// exception converts an invocation error to the structured form sent to the
// host.
func exception(err error) *wire.RpcException {
	exc := wire.RpcException{
		Source:  `funcworker`,
		Message: err.Error(),
		Type:    fmt.Sprintf(`%T`, err),
	}
	var fe *FunctionError
	var pe eventloop.PanicError
	switch {
	case errors.As(err, &fe):
		exc.Type = fmt.Sprintf(`%T`, fe.Err)
		exc.StackTrace = fe.Stack
		exc.IsUserException = true
	case errors.As(err, &pe):
		// function body escaped our recover, e.g. via runtime.Goexit
		exc.Type = fmt.Sprintf(`%T`, pe.Value)
		exc.IsUserException = true
	}
	return &exc
}

// panicStack trims a stack captured by debug.Stack during a panic to the
// frames from the panic site down, omitting runtime frames.
func panicStack(stack []byte) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], `goroutine `) {
		lines = lines[1:]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], `panic(`) {
			lines = lines[min(i+2, len(lines)):]
			break
		}
	}
	var b strings.Builder
	for i := 0; i+1 < len(lines); i += 2 {
		if strings.HasPrefix(lines[i], `runtime.`) || strings.HasPrefix(lines[i], `runtime/`) {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('\n')
		}
		b.WriteString(lines[i])
		b.WriteByte('\n')
		b.WriteString(lines[i+1])
	}
	return b.String()
}
