package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampledLogger(core zapcore.Core) *Logger {
	cfg := SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    100,
		Thereafter: 10,
	}
	return &Logger{zap: zap.New(newSampledCore(core, cfg)), config: NewDefaultConfig()}
}

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestNewSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := sampledLogger(core)

	for i := 0; i < 300; i++ {
		logger.Error(context.Background(), "save failed")
	}
	assert.Equal(t, 300, observed.FilterMessage("save failed").Len())
}

func TestNewSampledCore_InfoSampled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := sampledLogger(core)

	for i := 0; i < 300; i++ {
		logger.Info(context.Background(), "autosave tick")
	}
	// First 100 pass, then every 10th.
	assert.Equal(t, 120, observed.FilterMessage("autosave tick").Len())
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: core, maxLevel: zapcore.InfoLevel, hasMax: true}
	child := filtered.With([]zapcore.Field{zap.String("k", "v")})

	assert.True(t, child.Enabled(zapcore.InfoLevel))
	assert.False(t, child.Enabled(zapcore.WarnLevel))
	assert.True(t, child.Enabled(zapcore.DebugLevel))
	assert.Equal(t, 0, observed.Len())
}
