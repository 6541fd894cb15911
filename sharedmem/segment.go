package sharedmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// MinBytes is the smallest value transferred via shared memory, unless
	// result caching is active.
	MinBytes = 1 << 20
	// MaxBytes is the largest value transferred via shared memory.
	MaxBytes = 1 << 31
	// FlagSize is the size of the initialized flag, which prefixes the
	// header.
	FlagSize = 1
	// LengthSize is the size of the little-endian int64 content length.
	LengthSize = 8
	// HeaderSize precedes the content of every segment.
	HeaderSize = FlagSize + LengthSize
	// CharSize is the per-character size used when estimating string sizes.
	CharSize = 2
)

var (
	ErrSegmentExists      = errors.New(`sharedmem: segment already exists`)
	ErrSegmentInitialized = errors.New(`sharedmem: segment already initialized`)
	ErrSegmentNotFound    = errors.New(`sharedmem: segment not found`)
	ErrSegmentTooSmall    = errors.New(`sharedmem: segment too small`)
	ErrSegmentClosed      = errors.New(`sharedmem: segment closed`)
	ErrUnsupported        = errors.New(`sharedmem: shared memory unsupported on this platform`)
	ErrOffsetUnsupported  = errors.New(`sharedmem: non-zero offset unsupported`)
)

// Segment is a mapped shared memory region, laid out as a 1-byte
// initialized flag, the 8-byte little-endian content length, then the
// content. It is written at most once.
type Segment struct {
	flush   func([]byte) error
	release func([]byte) error
	name    string
	data    []byte
	mu      sync.Mutex
}

// NewSegment wraps a mapped region. Both flush and release may be nil.
func NewSegment(name string, data []byte, flush, release func([]byte) error) *Segment {
	return &Segment{
		name:    name,
		data:    data,
		flush:   flush,
		release: release,
	}
}

func (x *Segment) Name() string { return x.name }

// Initialized reports whether the flag is set.
func (x *Segment) Initialized() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.data) >= FlagSize && x.data[0] != 0
}

// Write stores content, then sets the initialized flag. It fails if the
// flag is already set.
func (x *Segment) Write(content []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.data == nil {
		return 0, ErrSegmentClosed
	}
	if x.data[0] != 0 {
		return 0, fmt.Errorf(`%w: %s`, ErrSegmentInitialized, x.name)
	}
	if len(x.data)-HeaderSize < len(content) {
		return 0, fmt.Errorf(`%w: %s: %d < %d`, ErrSegmentTooSmall, x.name, len(x.data)-HeaderSize, len(content))
	}
	binary.LittleEndian.PutUint64(x.data[FlagSize:HeaderSize], uint64(len(content)))
	n := copy(x.data[HeaderSize:], content)
	if x.flush != nil {
		if err := x.flush(x.data); err != nil {
			return 0, fmt.Errorf(`sharedmem: flush %s: %w`, x.name, err)
		}
	}
	x.data[0] = 1
	if x.flush != nil {
		if err := x.flush(x.data[:FlagSize]); err != nil {
			return 0, fmt.Errorf(`sharedmem: flush %s: %w`, x.name, err)
		}
	}
	return n, nil
}

// ContentLength reads the length from the header.
func (x *Segment) ContentLength() (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.contentLength()
}

func (x *Segment) contentLength() (int64, error) {
	if x.data == nil {
		return 0, ErrSegmentClosed
	}
	if len(x.data) < HeaderSize {
		return 0, fmt.Errorf(`%w: %s: missing header`, ErrSegmentTooSmall, x.name)
	}
	n := int64(binary.LittleEndian.Uint64(x.data[FlagSize:HeaderSize]))
	if n < 0 || n > int64(len(x.data)-HeaderSize) {
		return 0, fmt.Errorf(`sharedmem: %s: invalid content length %d`, x.name, n)
	}
	return n, nil
}

// Read copies count bytes of content starting at offset, where a count of
// zero reads to the end of the content.
func (x *Segment) Read(offset, count int64) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, err := x.contentLength()
	if err != nil {
		return nil, err
	}
	if offset < 0 || count < 0 || offset > n {
		return nil, fmt.Errorf(`sharedmem: %s: invalid range offset=%d count=%d length=%d`, x.name, offset, count, n)
	}
	end := n
	if count > 0 {
		end = min(offset+count, n)
	}
	return append([]byte(nil), x.data[HeaderSize+offset:HeaderSize+end]...), nil
}

// Close releases the mapping. It is idempotent, and never deletes the
// backing resource, see Accessor.Delete.
func (x *Segment) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	data := x.data
	if data == nil {
		return nil
	}
	x.data = nil
	if x.release != nil {
		return x.release(data)
	}
	return nil
}
