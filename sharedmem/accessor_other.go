//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package sharedmem

import (
	"github.com/joeycumines/go-funcworker/logging"
)

type unsupportedAccessor struct{}

// NewPlatformAccessor returns an accessor that always fails, forcing
// inline transfer.
func NewPlatformAccessor(_ []string, logger *logging.Logger) (Accessor, error) {
	logger.Info().Log(`shared memory unsupported on this platform`)
	return unsupportedAccessor{}, nil
}

func (unsupportedAccessor) Create(string, int64) (*Segment, error) { return nil, ErrUnsupported }

func (unsupportedAccessor) Open(string, int64) (*Segment, error) { return nil, ErrUnsupported }

func (unsupportedAccessor) Delete(string) error { return ErrUnsupported }
