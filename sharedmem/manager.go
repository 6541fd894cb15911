package sharedmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/go-funcworker/bindings"
	"github.com/joeycumines/go-funcworker/internal/telemetry"
	"github.com/joeycumines/go-funcworker/logging"
	"github.com/joeycumines/go-funcworker/wire"
)

type (
	// Manager tracks the segments the worker has written, and decides which
	// values travel via shared memory. Segments are freed only on request
	// from the host.
	Manager struct {
		accessor  atomic.Pointer[Accessor]
		logger    *logging.Logger
		sink      metrics.MetricSink
		allocated map[string]*Segment
		mu        sync.Mutex
		enabled   atomic.Bool
		caching   atomic.Bool
	}

	// Metadata identifies content written by the manager.
	Metadata struct {
		Name  string
		Count int64
	}
)

// NewManager initialises a disabled manager. A nil accessor means shared
// memory is never used.
func NewManager(accessor Accessor, logger *logging.Logger, sink metrics.MetricSink) *Manager {
	x := Manager{
		logger:    logger,
		sink:      telemetry.Sink(sink),
		allocated: make(map[string]*Segment),
	}
	x.SetAccessor(accessor)
	return &x
}

// SetAccessor sets the accessor if the manager has none, returning false if
// it was already set.
func (x *Manager) SetAccessor(accessor Accessor) bool {
	if accessor == nil {
		return false
	}
	return x.accessor.CompareAndSwap(nil, &accessor)
}

// HasAccessor reports whether an accessor has been set.
func (x *Manager) HasAccessor() bool { return x.accessor.Load() != nil }

func (x *Manager) loadAccessor() Accessor {
	if p := x.accessor.Load(); p != nil {
		return *p
	}
	return nil
}

func (x *Manager) SetEnabled(enabled bool) { x.enabled.Store(enabled) }

// Enabled reports if shared memory transfer is enabled, and an accessor is
// available. A nil manager is never enabled.
func (x *Manager) Enabled() bool { return x != nil && x.HasAccessor() && x.enabled.Load() }

// SetResultCaching toggles result caching (the host's function data
// cache), which waives the minimum size, and retains backing resources on
// free.
func (x *Manager) SetResultCaching(enabled bool) { x.caching.Store(enabled) }

func (x *Manager) ResultCaching() bool { return x.caching.Load() }

// Supported reports if d should be transferred via shared memory.
func (x *Manager) Supported(d *bindings.Datum) bool {
	if !x.Enabled() || d.IsNone() {
		return false
	}
	switch v := d.Value.(type) {
	case []byte:
		return d.Type == bindings.TypeBytes && x.shouldTransfer(int64(len(v)))
	case string:
		return d.Type == bindings.TypeString && x.shouldTransfer(int64(utf8.RuneCountInString(v))*CharSize)
	default:
		return false
	}
}

func (x *Manager) shouldTransfer(size int64) bool {
	if size > MaxBytes {
		return false
	}
	return x.ResultCaching() || size >= MinBytes
}

// PutBytes writes content to a new segment, returning nil (after logging)
// on failure.
func (x *Manager) PutBytes(content []byte) *Metadata {
	if content == nil {
		return nil
	}
	accessor := x.loadAccessor()
	if accessor == nil {
		return nil
	}
	name := uuid.New().String()
	seg, err := accessor.Create(name, int64(HeaderSize+len(content)))
	if err != nil {
		x.logger.Warning().Err(err).Str(`name`, name).Log(`cannot create shared memory segment`)
		return nil
	}
	n, err := seg.Write(content)
	if err != nil {
		x.logger.Warning().Err(err).Str(`name`, name).Log(`cannot write shared memory segment`)
		x.dispose(seg, true)
		return nil
	}
	x.mu.Lock()
	x.allocated[name] = seg
	x.mu.Unlock()
	x.sink.IncrCounter(telemetry.MetricSharedMemoryCreated, 1)
	return &Metadata{Name: name, Count: int64(n)}
}

// PutString writes the UTF-8 encoding of s, see PutBytes.
func (x *Manager) PutString(s string) *Metadata {
	return x.PutBytes([]byte(s))
}

// GetBytes reads count bytes of content from a segment written by the host.
// The backing resource is not deleted.
func (x *Manager) GetBytes(name string, offset, count int64) ([]byte, error) {
	if offset != 0 {
		return nil, fmt.Errorf(`%w: %d`, ErrOffsetUnsupported, offset)
	}
	accessor := x.loadAccessor()
	if accessor == nil {
		return nil, ErrUnsupported
	}
	var size int64
	if count > 0 {
		size = HeaderSize + count
	}
	seg, err := accessor.Open(name, size)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := seg.Close(); err != nil {
			x.logger.Warning().Err(err).Str(`name`, name).Log(`cannot unmap shared memory segment`)
		}
	}()
	return seg.Read(offset, count)
}

// GetString reads UTF-8 content, see GetBytes.
func (x *Manager) GetString(name string, offset, count int64) (string, error) {
	b, err := x.GetBytes(name, offset, count)
	if err != nil {
		return ``, err
	}
	return string(b), nil
}

// ReadDatum reads an input value the host placed in shared memory.
func (x *Manager) ReadDatum(ref *wire.RpcSharedMemory) (*bindings.Datum, error) {
	switch ref.Type {
	case wire.RpcDataTypeBytes:
		b, err := x.GetBytes(ref.Name, ref.Offset, ref.Count)
		if err != nil {
			return nil, err
		}
		return &bindings.Datum{Value: b, Type: bindings.TypeBytes}, nil
	case wire.RpcDataTypeString:
		s, err := x.GetString(ref.Name, ref.Offset, ref.Count)
		if err != nil {
			return nil, err
		}
		return &bindings.Datum{Value: s, Type: bindings.TypeString}, nil
	default:
		return nil, fmt.Errorf(`%w: shared memory %s`, bindings.ErrUnsupportedType, ref.Type)
	}
}

// WriteDatum writes d to shared memory if Supported, returning nil if it
// should be transferred inline instead.
func (x *Manager) WriteDatum(d *bindings.Datum) *wire.RpcSharedMemory {
	if !x.Supported(d) {
		return nil
	}
	var (
		md  *Metadata
		typ wire.RpcDataType
	)
	switch v := d.Value.(type) {
	case []byte:
		md, typ = x.PutBytes(v), wire.RpcDataTypeBytes
	case string:
		md, typ = x.PutString(v), wire.RpcDataTypeString
	}
	if md == nil {
		x.sink.IncrCounter(telemetry.MetricSharedMemoryFallback, 1)
		return nil
	}
	return &wire.RpcSharedMemory{
		Name:  md.Name,
		Count: md.Count,
		Type:  typ,
	}
}

// Free disposes of a segment the manager allocated, optionally deleting
// the backing resource. Untracked names are logged, and return false.
func (x *Manager) Free(name string, deleteBacking bool) bool {
	x.mu.Lock()
	seg, ok := x.allocated[name]
	delete(x.allocated, name)
	x.mu.Unlock()
	if !ok {
		x.logger.Warning().Str(`name`, name).Log(`cannot free untracked shared memory segment`)
		return false
	}
	ok = x.dispose(seg, deleteBacking)
	if ok {
		x.sink.IncrCounter(telemetry.MetricSharedMemoryFreed, 1)
	}
	return ok
}

// Allocated returns the number of tracked segments.
func (x *Manager) Allocated() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.allocated)
}

func (x *Manager) dispose(seg *Segment, deleteBacking bool) bool {
	var errs []error
	if deleteBacking {
		if err := x.loadAccessor().Delete(seg.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := seg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		x.logger.Err().Err(err).Str(`name`, seg.Name()).Log(`cannot dispose shared memory segment`)
		return false
	}
	return true
}
