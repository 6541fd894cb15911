package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	s, err := Load(NewMapEnvironment(nil).LookupEnv)
	require.NoError(t, err)
	assert.Equal(t, &Settings{
		ThreadCount:             DefaultThreadCount,
		SharedMemoryDirectories: []string{DefaultSharedMemoryDir},
		InitIndexing:            true,
		DeferredCacheSize:       DefaultDeferredCacheSize,
		DeferredCacheTTL:        DefaultDeferredCacheTTL,
	}, s)
}

func TestLoad_values(t *testing.T) {
	env := NewMapEnvironment(map[string]string{
		EnvThreadCount:             "8",
		EnvSharedMemoryEnabled:     "1",
		EnvSharedMemoryDirectories: " /a, ,/b ",
		EnvInitIndexing:            "false",
		EnvOpenTelemetry:           "yes",
		EnvHTTPFastPath:            "TRUE",
		EnvDebugLogging:            "0",
		EnvDeferredCacheSize:       "16",
		EnvDeferredCacheTTL:        "30s",
	})
	s, err := Load(env.LookupEnv)
	require.NoError(t, err)
	assert.Equal(t, &Settings{
		ThreadCount:             8,
		SharedMemoryEnabled:     true,
		SharedMemoryDirectories: []string{"/a", "/b"},
		InitIndexing:            false,
		OpenTelemetry:           true,
		HTTPFastPath:            true,
		DeferredCacheSize:       16,
		DeferredCacheTTL:        30 * time.Second,
	}, s)
}

func TestLoad_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		vars    map[string]string
		threads int
	}{
		{`thread count too high`, map[string]string{EnvThreadCount: "33"}, MaxThreadCount},
		{`thread count zero`, map[string]string{EnvThreadCount: "0"}, MinThreadCount},
		{`thread count not a number`, map[string]string{EnvThreadCount: "many"}, DefaultThreadCount},
		{`bad bool`, map[string]string{EnvSharedMemoryEnabled: "perhaps"}, DefaultThreadCount},
		{`bad ttl`, map[string]string{EnvDeferredCacheTTL: "-1s"}, DefaultThreadCount},
		{`bad cache size`, map[string]string{EnvDeferredCacheSize: "0"}, DefaultThreadCount},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Load(NewMapEnvironment(tc.vars).LookupEnv)
			require.Error(t, err)
			require.NotNil(t, s)
			assert.Equal(t, tc.threads, s.ThreadCount)
			assert.False(t, s.SharedMemoryEnabled)
			assert.Equal(t, DefaultDeferredCacheTTL, s.DeferredCacheTTL)
			assert.Equal(t, DefaultDeferredCacheSize, s.DeferredCacheSize)
		})
	}
}

func TestMapEnvironment_Replace(t *testing.T) {
	vars := map[string]string{"A": "1"}
	env := NewMapEnvironment(vars)
	vars["B"] = "2"
	_, ok := env.LookupEnv("B")
	assert.False(t, ok)

	require.NoError(t, env.Replace(map[string]string{"C": "3"}))
	_, ok = env.LookupEnv("A")
	assert.False(t, ok)
	v, ok := env.LookupEnv("C")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}
