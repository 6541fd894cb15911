package functions

import (
	"sync"
)

// Registry holds the loaded functions by id. It is cleared on environment
// reload.
type Registry struct {
	infos map[string]*Info
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]*Info)}
}

// Register stores info unless its id is already registered, reporting
// whether it was added.
func (x *Registry) Register(info *Info) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.infos[info.ID]; ok {
		return false
	}
	x.infos[info.ID] = info
	return true
}

func (x *Registry) Get(id string) (*Info, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	info, ok := x.infos[id]
	return info, ok
}

func (x *Registry) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.infos)
}

func (x *Registry) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.infos)
}
