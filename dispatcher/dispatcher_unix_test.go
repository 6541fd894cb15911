//go:build unix

package dispatcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/go-funcworker/config"
	"github.com/joeycumines/go-funcworker/sharedmem"
	"github.com/joeycumines/go-funcworker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_reloadEnablesSharedMemory(t *testing.T) {
	dir := t.TempDir()
	w := startWorker(t, nil)

	res := w.init(t, nil)
	assert.NotContains(t, res.Capabilities, CapabilitySharedMemoryDataTransfer)
	assert.False(t, w.dispatcher.shm.HasAccessor())

	reload := w.request(t, &wire.StreamingMessage{FunctionEnvironmentReloadRequest: &wire.FunctionEnvironmentReloadRequest{
		EnvironmentVariables: map[string]string{
			config.EnvSharedMemoryEnabled:     `true`,
			config.EnvSharedMemoryDirectories: dir,
		},
	}})
	require.NotNil(t, reload.FunctionEnvironmentReloadResponse)
	assert.Equal(t, `true`, reload.FunctionEnvironmentReloadResponse.Capabilities[CapabilitySharedMemoryDataTransfer])

	fi, err := os.Stat(filepath.Join(dir, sharedmem.DirSuffix))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
