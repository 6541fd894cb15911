// Package config derives worker settings from app settings, which the host
// supplies as environment variables (initially via the process environment,
// and later via environment reload requests).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	EnvThreadCount             = "FUNCTIONS_WORKER_THREADPOOL_THREAD_COUNT"
	EnvSharedMemoryEnabled     = "FUNCTIONS_WORKER_SHARED_MEMORY_DATA_TRANSFER_ENABLED"
	EnvSharedMemoryDirectories = "FUNCTIONS_UNIX_SHARED_MEMORY_DIRECTORIES"
	EnvInitIndexing            = "FUNCTIONS_WORKER_ENABLE_INIT_INDEXING"
	EnvOpenTelemetry           = "FUNCTIONS_WORKER_ENABLE_OPENTELEMETRY"
	EnvHTTPFastPath            = "FUNCTIONS_WORKER_HTTP_FAST_PATH_ENABLED"
	EnvDebugLogging            = "FUNCTIONS_WORKER_ENABLE_DEBUG_LOGGING"
	EnvDeferredCacheSize       = "FUNCTIONS_WORKER_DEFERRED_CACHE_SIZE"
	EnvDeferredCacheTTL        = "FUNCTIONS_WORKER_DEFERRED_CACHE_TTL"
)

const (
	DefaultThreadCount       = 1
	MinThreadCount           = 1
	MaxThreadCount           = 32
	DefaultDeferredCacheSize = 256
	DefaultDeferredCacheTTL  = 10 * time.Minute
	DefaultSharedMemoryDir   = "/dev/shm"
)

type (
	// Settings are the effective worker settings.
	Settings struct {
		// ThreadCount bounds concurrently executing synchronous functions.
		ThreadCount int
		// SharedMemoryEnabled allows large bytes/string values to travel
		// via shared memory rather than inline.
		SharedMemoryEnabled bool
		// SharedMemoryDirectories are the parent directories segments are
		// created under, never empty.
		SharedMemoryDirectories []string
		InitIndexing            bool
		OpenTelemetry           bool
		HTTPFastPath            bool
		DebugLogging            bool
		DeferredCacheSize       int
		DeferredCacheTTL        time.Duration
	}

	// Environment models the app settings the worker reads, allowing them
	// to be replaced wholesale on reload.
	Environment interface {
		LookupEnv(key string) (string, bool)
		// Replace clears all variables then sets vars.
		Replace(vars map[string]string) error
	}

	// OSEnvironment is the process environment.
	OSEnvironment struct{}

	// MapEnvironment is an in-memory Environment. The zero value is empty
	// and ready to use.
	MapEnvironment struct {
		mu   sync.RWMutex
		vars map[string]string
	}
)

var (
	_ Environment = OSEnvironment{}
	_ Environment = (*MapEnvironment)(nil)
)

// FromEnv loads settings from the process environment.
func FromEnv() (*Settings, error) {
	return Load(OSEnvironment{}.LookupEnv)
}

// Load derives settings using lookup. Invalid values are reported as a
// joined error, with every other setting still populated (using defaults
// where invalid).
func Load(lookup func(key string) (string, bool)) (*Settings, error) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return ``, false }
	}

	var errs []error
	boolean := func(key string, def bool) bool {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == `` {
			return def
		}
		b, err := parseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return def
		}
		return b
	}
	integer := func(key string, def int) int {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == `` {
			return def
		}
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return def
		}
		return i
	}

	s := Settings{
		ThreadCount:         integer(EnvThreadCount, DefaultThreadCount),
		SharedMemoryEnabled: boolean(EnvSharedMemoryEnabled, false),
		InitIndexing:        boolean(EnvInitIndexing, true),
		OpenTelemetry:       boolean(EnvOpenTelemetry, false),
		HTTPFastPath:        boolean(EnvHTTPFastPath, false),
		DebugLogging:        boolean(EnvDebugLogging, false),
		DeferredCacheSize:   integer(EnvDeferredCacheSize, DefaultDeferredCacheSize),
		DeferredCacheTTL:    DefaultDeferredCacheTTL,
	}

	if s.ThreadCount < MinThreadCount || s.ThreadCount > MaxThreadCount {
		errs = append(errs, fmt.Errorf("config: %s: %d out of range [%d, %d]", EnvThreadCount, s.ThreadCount, MinThreadCount, MaxThreadCount))
		s.ThreadCount = min(max(s.ThreadCount, MinThreadCount), MaxThreadCount)
	}

	if s.DeferredCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("config: %s: must be positive", EnvDeferredCacheSize))
		s.DeferredCacheSize = DefaultDeferredCacheSize
	}

	if v, ok := lookup(EnvDeferredCacheTTL); ok && strings.TrimSpace(v) != `` {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", EnvDeferredCacheTTL, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s: must be positive", EnvDeferredCacheTTL))
		} else {
			s.DeferredCacheTTL = d
		}
	}

	if v, ok := lookup(EnvSharedMemoryDirectories); ok {
		for _, dir := range strings.Split(v, `,`) {
			if dir = strings.TrimSpace(dir); dir != `` {
				s.SharedMemoryDirectories = append(s.SharedMemoryDirectories, dir)
			}
		}
	}
	if len(s.SharedMemoryDirectories) == 0 {
		s.SharedMemoryDirectories = []string{DefaultSharedMemoryDir}
	}

	return &s, errors.Join(errs...)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case `1`, `true`, `yes`, `y`, `on`:
		return true, nil
	case `0`, `false`, `no`, `n`, `off`:
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

func (OSEnvironment) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

func (OSEnvironment) Replace(vars map[string]string) error {
	os.Clearenv()
	var errs []error
	for k, v := range vars {
		if err := os.Setenv(k, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewMapEnvironment returns an environment initialised with a copy of
// vars.
func NewMapEnvironment(vars map[string]string) *MapEnvironment {
	x := new(MapEnvironment)
	_ = x.Replace(vars)
	return x
}

func (x *MapEnvironment) LookupEnv(key string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.vars[key]
	return v, ok
}

func (x *MapEnvironment) Replace(vars map[string]string) error {
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	x.mu.Lock()
	x.vars = m
	x.mu.Unlock()
	return nil
}
