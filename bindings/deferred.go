package bindings

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/joeycumines/go-funcworker/wire"
)

type (
	// DeferredRegistry resolves model binding data (references to external
	// resources) into client objects, for declared types it supports.
	DeferredRegistry interface {
		Supports(declaredType string) bool
		Decode(declaredType string, data *wire.ModelBindingData) (any, error)
	}

	// DeferredCache memoizes DeferredRegistry.Decode, keyed by parameter
	// name, declared type and the raw reference content. Entries are
	// bounded in number and expire.
	DeferredCache struct {
		registry DeferredRegistry
		cache    *expirable.LRU[deferredKey, any]
	}

	deferredKey struct {
		param        string
		declaredType string
		content      string
	}
)

var ErrNoDeferredRegistry = errors.New(`bindings: no deferred registry`)

// NewDeferredCache returns a cache over registry, which may be nil (in
// which case nothing is supported).
func NewDeferredCache(registry DeferredRegistry, size int, ttl time.Duration) *DeferredCache {
	return &DeferredCache{
		registry: registry,
		cache:    expirable.NewLRU[deferredKey, any](size, nil, ttl),
	}
}

// Supports returns true if declaredType is resolved via the registry.
func (x *DeferredCache) Supports(declaredType string) bool {
	return x != nil && x.registry != nil && x.registry.Supports(declaredType)
}

// Decode resolves a model_binding_data datum, using a cached value if
// available.
func (x *DeferredCache) Decode(param, declaredType string, d *Datum) (any, error) {
	if !x.Supports(declaredType) {
		return nil, fmt.Errorf(`%w: %s`, ErrNoDeferredRegistry, declaredType)
	}
	if d.IsNone() {
		return nil, nil
	}
	data, ok := d.Value.(*wire.ModelBindingData)
	if d.Type != TypeModelBindingData || !ok || data == nil {
		return nil, fmt.Errorf(`%w: deferred decode of %s`, ErrUnsupportedType, d.Type)
	}
	key := deferredKey{param: param, declaredType: declaredType, content: string(data.Content)}
	if v, ok := x.cache.Get(key); ok {
		return v, nil
	}
	v, err := x.registry.Decode(declaredType, data)
	if err != nil {
		return nil, fmt.Errorf(`bindings: deferred decode %s parameter %q: %w`, declaredType, param, err)
	}
	x.cache.Add(key, v)
	return v, nil
}

// Purge removes every cached entry.
func (x *DeferredCache) Purge() { x.cache.Purge() }

func (x *DeferredCache) Len() int { return x.cache.Len() }
