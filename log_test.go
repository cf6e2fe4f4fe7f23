package downstream

import (
	"testing"

	"github.com/go-i2p/logger"
	"github.com/stretchr/testify/assert"
)

func TestLoggerInitialization(t *testing.T) {
	assert.NotNil(t, log, "package logger should be initialized")
	assert.Same(t, logger.GetGoI2PLogger(), log, "package logger should be the shared go-i2p logger")
}

func TestLoggerUsage(t *testing.T) {
	assert.NotPanics(t, func() {
		log.Debug("test debug message")
		log.Info("test info message")
		log.Warn("test warn message")
	})
}
