// Command funcworker is a language worker serving a small catalog of
// example functions. Build your own worker by calling worker.Run with a
// catalog of your functions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeycumines/go-funcworker/bindings"
	"github.com/joeycumines/go-funcworker/dispatcher"
	"github.com/joeycumines/go-funcworker/functions"
	"github.com/joeycumines/go-funcworker/wire"
	"github.com/joeycumines/go-funcworker/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := functions.NewCatalog(catalog()...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := worker.Run(ctx, os.Args[1:], worker.WithDispatcherOptions(dispatcher.WithCatalog(catalog))); err != nil {
		if errors.Is(err, worker.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func catalog() []*functions.Definition {
	return []*functions.Definition{
		{
			Name: `HttpEcho`,
			Callable: func(_ context.Context, call *functions.Call) (any, error) {
				req := call.Arg(`req`).(*bindings.HTTPRequest)
				call.Logger.Info().Str(`method`, req.Method).Str(`url`, req.URL).Log(`echo`)
				res := bindings.HTTPResponse{StatusCode: 200, Body: req.Body}
				if v, ok := req.Header(`Content-Type`); ok {
					res.Headers = map[string]string{`Content-Type`: v}
				}
				return &res, nil
			},
			Bindings: []functions.Binding{
				{Name: `req`, Type: functions.HTTPTrigger, Direction: wire.BindingDirectionIn},
				{Name: functions.ReturnBinding, Type: `http`, Direction: wire.BindingDirectionOut},
			},
		},
		{
			Name: `QueueUpper`,
			Callable: func(_ context.Context, call *functions.Call) (any, error) {
				return strings.ToUpper(call.Arg(`msg`).(string)), nil
			},
			Bindings: []functions.Binding{
				{Name: `msg`, Type: `queueTrigger`, DeclaredType: bindings.DeclaredString, Direction: wire.BindingDirectionIn},
				{Name: functions.ReturnBinding, Type: `queue`, Direction: wire.BindingDirectionOut},
			},
		},
		{
			Name:    `TimerTick`,
			IsAsync: true,
			Callable: func(_ context.Context, call *functions.Call) (any, error) {
				timer := call.Arg(`timer`).(*bindings.TimerRequest)
				call.Logger.Info().Bool(`past_due`, timer.IsPastDue).Log(`tick`)
				return nil, nil
			},
			Bindings: []functions.Binding{
				{Name: `timer`, Type: `timerTrigger`, Direction: wire.BindingDirectionIn},
			},
		},
	}
}
