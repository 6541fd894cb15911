package bindings

import (
	"sync"
)

// Out is passed to functions for each output binding. The value set is
// encoded once the function returns.
type Out struct {
	value any
	mu    sync.Mutex
	set   bool
}

func (x *Out) Set(v any) {
	x.mu.Lock()
	x.value = v
	x.set = true
	x.mu.Unlock()
}

// Get returns the value, and whether Set was called.
func (x *Out) Get() (any, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.value, x.set
}

func (x *Out) IsSet() bool {
	_, ok := x.Get()
	return ok
}
