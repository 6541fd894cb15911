// Package logging provides the worker's loggers: JSON lines on the console,
// optionally forwarded to the host as RpcLog messages.
//
// All components accept a *Logger, where nil disables logging.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/joeycumines/go-funcworker/wire"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type (
	// Logger is the generified logger type used throughout the worker.
	Logger = logiface.Logger[logiface.Event]

	invocationIDKey struct{}
)

const (
	// FieldInvocationID is lifted into RpcLog.InvocationID when forwarding.
	FieldInvocationID = `invocation_id`
	// FieldCategory is lifted into RpcLog.Category when forwarding. A value
	// ending in [UserCategorySuffix] marks the log as user originated.
	FieldCategory = `category`

	// SystemCategory is the category of logs that don't set one.
	SystemCategory     = `funcworker`
	UserCategorySuffix = `.User`
)

// NewConsole returns a logger writing JSON lines to w (stderr if nil).
func NewConsole(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Level returns the level for the given debug setting.
func Level(debug bool) logiface.Level {
	if debug {
		return logiface.LevelDebug
	}
	return logiface.LevelInformational
}

// ForFunction returns a sub-logger for user code running as part of an
// invocation. Its logs are forwarded with the user category.
func ForFunction(logger *Logger, functionName, invocationID string) *Logger {
	return logger.Clone().
		Str(FieldInvocationID, invocationID).
		Str(FieldCategory, `Function.`+functionName+UserCategorySuffix).
		Logger()
}

// WithInvocationID attaches an invocation id to ctx.
func WithInvocationID(ctx context.Context, invocationID string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, invocationID)
}

// InvocationID returns the invocation id attached by WithInvocationID.
func InvocationID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return ``, false
	}
	v, ok := ctx.Value(invocationIDKey{}).(string)
	return v, ok
}

// WireLevel maps a logiface level to the host's log level.
func WireLevel(level logiface.Level) wire.LogLevel {
	switch {
	case !level.Enabled():
		return wire.LogLevelNone
	case level <= logiface.LevelCritical:
		return wire.LogLevelCritical
	case level == logiface.LevelError:
		return wire.LogLevelError
	case level == logiface.LevelWarning:
		return wire.LogLevelWarning
	case level <= logiface.LevelInformational:
		return wire.LogLevelInformation
	case level == logiface.LevelDebug:
		return wire.LogLevelDebug
	default:
		return wire.LogLevelTrace
	}
}
