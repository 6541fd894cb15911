//go:build windows

package sharedmem

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/joeycumines/go-funcworker/logging"
	"golang.org/x/sys/windows"
)

// MappingAccessor stores segments as named, pagefile-backed file mappings.
// A mapping is destroyed once its last handle or view is closed, so the
// handle from Create is held until Delete.
type MappingAccessor struct {
	handles map[string]windows.Handle
	mu      sync.Mutex
}

var _ Accessor = (*MappingAccessor)(nil)

var procOpenFileMappingW = windows.NewLazySystemDLL(`kernel32.dll`).NewProc(`OpenFileMappingW`)

// NewPlatformAccessor returns a MappingAccessor. Mappings are named, so
// parents are unused.
func NewPlatformAccessor(_ []string, logger *logging.Logger) (Accessor, error) {
	if err := procOpenFileMappingW.Find(); err != nil {
		return nil, fmt.Errorf(`sharedmem: %w`, err)
	}
	logger.Debug().Log(`using named file mappings for shared memory`)
	return &MappingAccessor{handles: make(map[string]windows.Handle)}, nil
}

func (x *MappingAccessor) Create(name string, size int64) (*Segment, error) {
	if name == `` || strings.ContainsRune(name, '\\') {
		return nil, fmt.Errorf(`sharedmem: invalid name %q`, name)
	}
	if size < HeaderSize || size > MaxBytes+HeaderSize {
		return nil, fmt.Errorf(`sharedmem: invalid size %d`, size)
	}
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf(`sharedmem: invalid name %q: %w`, name, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if h, err := openFileMapping(windows.FILE_MAP_READ, ptr); err == nil {
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentExists, name)
	}

	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, uint32(uint64(size)>>32), uint32(size), ptr)
	if err != nil {
		if h != 0 {
			_ = windows.CloseHandle(h)
		}
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, fmt.Errorf(`%w: %s`, ErrSegmentExists, name)
		}
		return nil, fmt.Errorf(`sharedmem: create %s: %w`, name, err)
	}

	data, err := mapView(h, windows.FILE_MAP_WRITE, uintptr(size))
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf(`sharedmem: map %s: %w`, name, err)
	}
	if data[0] != 0 {
		_ = unmapView(data)
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentInitialized, name)
	}

	x.handles[name] = h
	return NewSegment(name, data, flushView, unmapView), nil
}

func (x *MappingAccessor) Open(name string, size int64) (*Segment, error) {
	if size < 0 || size > MaxBytes+HeaderSize {
		return nil, fmt.Errorf(`sharedmem: invalid size %d`, size)
	}
	ptr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentNotFound, name)
	}
	h, err := openFileMapping(windows.FILE_MAP_READ, ptr)
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf(`%w: %s`, ErrSegmentNotFound, name)
		}
		return nil, fmt.Errorf(`sharedmem: open %s: %w`, name, err)
	}
	// the view keeps the mapping alive
	defer windows.CloseHandle(h)

	data, err := mapView(h, windows.FILE_MAP_READ, uintptr(size))
	if err != nil {
		return nil, fmt.Errorf(`sharedmem: map %s: %w`, name, err)
	}
	if len(data) < HeaderSize {
		_ = unmapView(data)
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentTooSmall, name)
	}
	return NewSegment(name, data, nil, unmapView), nil
}

func (x *MappingAccessor) Delete(name string) error {
	x.mu.Lock()
	h, ok := x.handles[name]
	delete(x.handles, name)
	x.mu.Unlock()
	if !ok {
		// owned by another process, freed once its handles close
		if ptr, err := windows.UTF16PtrFromString(name); err == nil {
			if h, err := openFileMapping(windows.FILE_MAP_READ, ptr); err == nil {
				_ = windows.CloseHandle(h)
				return nil
			}
		}
		return fmt.Errorf(`%w: %s`, ErrSegmentNotFound, name)
	}
	if err := windows.CloseHandle(h); err != nil {
		return fmt.Errorf(`sharedmem: delete %s: %w`, name, err)
	}
	return nil
}

func openFileMapping(access uint32, name *uint16) (windows.Handle, error) {
	r, _, e := procOpenFileMappingW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(name)))
	if r == 0 {
		return 0, e
	}
	return windows.Handle(r), nil
}

// mapView maps size bytes of h, or the whole mapping (rounded up to the
// page size) if size is zero.
func mapView(h windows.Handle, access uint32, size uintptr) ([]byte, error) {
	addr, err := windows.MapViewOfFile(h, access, 0, 0, size)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
			_ = windows.UnmapViewOfFile(addr)
			return nil, err
		}
		size = info.RegionSize
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func flushView(b []byte) error {
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(unsafe.SliceData(b))), uintptr(len(b)))
}

func unmapView(b []byte) error {
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
