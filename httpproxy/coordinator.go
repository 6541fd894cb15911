// Package httpproxy joins HTTP requests received directly by the worker (the
// fast path) with the invocations the host sends for them, by invocation id.
package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-funcworker/bindings"
)

// HeaderInvocationID carries the invocation id on fast path requests.
const HeaderInvocationID = `x-ms-invocation-id`

var (
	ErrAlreadyConsumed   = errors.New(`httpproxy: value already consumed`)
	ErrUnknownInvocation = errors.New(`httpproxy: unknown invocation`)
	ErrFunctionFailed    = errors.New(`httpproxy: function failed`)
)

type (
	// Coordinator holds one rendezvous slot per invocation id. Either side
	// may arrive first, and each value is consumed at most once per set.
	Coordinator struct {
		slots map[string]*slot
		mu    sync.Mutex
	}

	slot struct {
		request  cell[*bindings.HTTPRequest]
		response cell[any]
	}

	cell[T any] struct {
		ready chan struct{}
		value T
		has   bool
	}
)

func NewCoordinator() *Coordinator {
	return &Coordinator{slots: make(map[string]*slot)}
}

// SetRequest stores the request for id, creating the slot if needed.
func (x *Coordinator) SetRequest(id string, req *bindings.HTTPRequest) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.slot(id).request.set(req)
}

// SetResponse stores the function result for id. An error value marks the
// function as failed. It fails if no slot exists for id.
func (x *Coordinator) SetResponse(id string, v any) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.slots[id]
	if !ok {
		return fmt.Errorf(`%w: %s`, ErrUnknownInvocation, id)
	}
	s.response.set(v)
	return nil
}

// AwaitRequest blocks until a request is available for id, then consumes
// it. The slot is created if it does not exist yet.
func (x *Coordinator) AwaitRequest(ctx context.Context, id string) (*bindings.HTTPRequest, error) {
	x.mu.Lock()
	c := &x.slot(id).request
	x.mu.Unlock()
	return await(ctx, &x.mu, c, id)
}

// AwaitResponse blocks until the function result is available for id, then
// consumes it. A failed function results in an error wrapping
// ErrFunctionFailed.
func (x *Coordinator) AwaitResponse(ctx context.Context, id string) (any, error) {
	x.mu.Lock()
	s, ok := x.slots[id]
	x.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf(`%w: %s`, ErrUnknownInvocation, id)
	}
	v, err := await(ctx, &x.mu, &s.response, id)
	if err != nil {
		return nil, err
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf(`%w: %w`, ErrFunctionFailed, err)
	}
	return v, nil
}

// Remove discards the slot for id.
func (x *Coordinator) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.slots, id)
}

// Len returns the number of slots.
func (x *Coordinator) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.slots)
}

func (x *Coordinator) slot(id string) *slot {
	s, ok := x.slots[id]
	if !ok {
		s = &slot{
			request:  cell[*bindings.HTTPRequest]{ready: make(chan struct{})},
			response: cell[any]{ready: make(chan struct{})},
		}
		x.slots[id] = s
	}
	return s
}

// set must be called with the coordinator locked.
func (x *cell[T]) set(v T) {
	x.value = v
	if !x.has {
		x.has = true
		select {
		case <-x.ready:
		default:
			close(x.ready)
		}
	}
}

func await[T any](ctx context.Context, mu *sync.Mutex, c *cell[T], id string) (v T, err error) {
	select {
	case <-ctx.Done():
		return v, ctx.Err()
	case <-c.ready:
	}
	mu.Lock()
	defer mu.Unlock()
	if !c.has {
		return v, fmt.Errorf(`%w: %s`, ErrAlreadyConsumed, id)
	}
	v, c.value, c.has = c.value, *new(T), false
	return v, nil
}
