package logging

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/joeycumines/go-funcworker/wire"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logCollector struct {
	mu   sync.Mutex
	logs []*wire.RpcLog
}

func (x *logCollector) sink(log *wire.RpcLog) {
	x.mu.Lock()
	x.logs = append(x.logs, log)
	x.mu.Unlock()
}

func (x *logCollector) all() []*wire.RpcLog {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*wire.RpcLog(nil), x.logs...)
}

func TestForwarder_consoleOnlyUntilAttached(t *testing.T) {
	var buf bytes.Buffer
	f := NewForwarder(NewConsole(&buf, logiface.LevelDebug), logiface.LevelDebug)
	logger := f.Logger()

	logger.Info().Str(`k`, `v`).Log(`before`)
	assert.Contains(t, buf.String(), `"msg":"before"`)
	assert.Contains(t, buf.String(), `"k":"v"`)

	var c logCollector
	f.Attach(c.sink)
	logger.Warning().Log(`during`)
	f.Detach()
	logger.Info().Log(`after`)

	logs := c.all()
	require.Len(t, logs, 1)
	assert.Equal(t, &wire.RpcLog{
		Category:    SystemCategory,
		Level:       wire.LogLevelWarning,
		Message:     `during`,
		LogCategory: wire.LogCategorySystem,
	}, logs[0])
	assert.Contains(t, buf.String(), `"msg":"after"`)
}

func TestForwarder_userLogs(t *testing.T) {
	f := NewForwarder(nil, logiface.LevelInformational)
	var c logCollector
	f.Attach(c.sink)

	logger := ForFunction(f.Logger(), `upper`, `inv-1`)
	logger.Err().Err(errors.New(`boom`)).Int(`attempt`, 2).Log(`failed`)
	logger.Debug().Log(`filtered`)

	logs := c.all()
	require.Len(t, logs, 1)
	log := logs[0]
	assert.Equal(t, `inv-1`, log.InvocationID)
	assert.Equal(t, `Function.upper.User`, log.Category)
	assert.Equal(t, wire.LogCategoryUser, log.LogCategory)
	assert.Equal(t, wire.LogLevelError, log.Level)
	assert.Equal(t, `failed attempt=2`, log.Message)
	require.NotNil(t, log.Exception)
	assert.Equal(t, `boom`, log.Exception.Message)
}

func TestForwarder_nilLogger(t *testing.T) {
	var logger *Logger
	assert.Nil(t, ForFunction(logger, `f`, `i`))
	logger.Info().Log(`no-op`)
}

func TestInvocationID(t *testing.T) {
	_, ok := InvocationID(context.Background())
	assert.False(t, ok)
	id, ok := InvocationID(WithInvocationID(context.Background(), `abc`))
	assert.True(t, ok)
	assert.Equal(t, `abc`, id)
}

func TestWireLevel(t *testing.T) {
	for level, expected := range map[logiface.Level]wire.LogLevel{
		logiface.LevelDisabled:      wire.LogLevelNone,
		logiface.LevelEmergency:     wire.LogLevelCritical,
		logiface.LevelCritical:      wire.LogLevelCritical,
		logiface.LevelError:         wire.LogLevelError,
		logiface.LevelWarning:       wire.LogLevelWarning,
		logiface.LevelNotice:        wire.LogLevelInformation,
		logiface.LevelInformational: wire.LogLevelInformation,
		logiface.LevelDebug:         wire.LogLevelDebug,
		logiface.LevelTrace:         wire.LogLevelTrace,
	} {
		assert.Equal(t, expected, WireLevel(level), level.String())
	}
}

func TestForwarder_SetLevel(t *testing.T) {
	f := NewForwarder(nil, logiface.LevelInformational)
	var c logCollector
	f.Attach(c.sink)

	logger := ForFunction(f.Logger(), `upper`, `inv-1`)
	logger.Debug().Log(`hidden`)
	assert.Nil(t, f.Logger().Debug())

	f.SetLevel(logiface.LevelDebug)
	assert.Equal(t, logiface.LevelDebug, f.Level())
	logger.Debug().Log(`shown`)
	f.Logger().Trace().Log(`too verbose`)

	f.SetLevel(logiface.LevelWarning)
	f.Logger().Info().Log(`hidden again`)
	f.Logger().Warning().Log(`warning`)

	logs := c.all()
	require.Len(t, logs, 2)
	assert.Equal(t, `shown`, logs[0].Message)
	assert.Equal(t, wire.LogLevelDebug, logs[0].Level)
	assert.Equal(t, `warning`, logs[1].Message)
}
