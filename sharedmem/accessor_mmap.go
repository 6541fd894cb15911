//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package sharedmem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joeycumines/go-funcworker/logging"
	"golang.org/x/sys/unix"
)

// MmapAccessor stores segments as files under one or more directories
// (typically on tmpfs), mapped with mmap. Directories are in decreasing
// order of preference.
type MmapAccessor struct {
	logger *logging.Logger
	dirs   []string
}

var _ Accessor = (*MmapAccessor)(nil)

// NewPlatformAccessor returns an MmapAccessor using the AzureFunctions
// subdirectory of each parent, creating it as needed. Parents that cannot
// be used are logged and skipped.
func NewPlatformAccessor(parents []string, logger *logging.Logger) (Accessor, error) {
	x := MmapAccessor{logger: logger}
	for _, dir := range Dirs(parents) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warning().Err(err).Str(`dir`, dir).Log(`cannot use shared memory directory`)
			continue
		}
		x.dirs = append(x.dirs, dir)
	}
	if len(x.dirs) == 0 {
		return nil, fmt.Errorf(`sharedmem: no valid directory in %q`, parents)
	}
	return &x, nil
}

func (x *MmapAccessor) Create(name string, size int64) (*Segment, error) {
	if name == `` || filepath.Base(name) != name {
		return nil, fmt.Errorf(`sharedmem: invalid name %q`, name)
	}
	if size < HeaderSize {
		return nil, fmt.Errorf(`sharedmem: invalid size %d`, size)
	}
	if path, ok := x.find(name); ok {
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentExists, path)
	}

	var errs []error
	for _, dir := range x.dirs {
		path := filepath.Join(dir, name)
		seg, err := x.create(path, name, size)
		if err == nil {
			return seg, nil
		}
		if errors.Is(err, ErrSegmentExists) || errors.Is(err, ErrSegmentInitialized) {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf(`sharedmem: create %s: %w`, name, errors.Join(errs...))
}

func (x *MmapAccessor) create(path, name string, size int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf(`%w: %s`, ErrSegmentExists, path)
		}
		return nil, err
	}
	defer f.Close()

	data, err := x.mapFile(f, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if data[0] != 0 {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf(`%w: %s`, ErrSegmentInitialized, path)
	}
	return NewSegment(name, data, msync, unix.Munmap), nil
}

func (x *MmapAccessor) Open(name string, size int64) (*Segment, error) {
	path, ok := x.find(name)
	if !ok {
		return nil, fmt.Errorf(`%w: %s in %q`, ErrSegmentNotFound, name, x.dirs)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf(`sharedmem: open %s: %w`, path, err)
	}
	defer f.Close()
	if size <= 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf(`sharedmem: stat %s: %w`, path, err)
		}
		size = info.Size()
	}
	data, err := x.mapFile(f, size, unix.PROT_READ)
	if err != nil {
		return nil, err
	}
	return NewSegment(name, data, nil, unix.Munmap), nil
}

func (x *MmapAccessor) Delete(name string) error {
	path, ok := x.find(name)
	if !ok {
		return fmt.Errorf(`%w: %s in %q`, ErrSegmentNotFound, name, x.dirs)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf(`sharedmem: delete %s: %w`, path, err)
	}
	return nil
}

func (x *MmapAccessor) find(name string) (string, bool) {
	for _, dir := range x.dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return ``, false
}

func (x *MmapAccessor) mapFile(f *os.File, size int64, prot int) ([]byte, error) {
	if size < HeaderSize || size > MaxBytes+HeaderSize {
		return nil, fmt.Errorf(`sharedmem: invalid size %d`, size)
	}
	if prot&unix.PROT_WRITE != 0 {
		if err := f.Truncate(size); err != nil {
			return nil, fmt.Errorf(`sharedmem: truncate %s: %w`, f.Name(), err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf(`sharedmem: mmap %s: %w`, f.Name(), err)
	}
	return data, nil
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
