package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapWrapper_FieldsAndErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapAdapter(zap.New(core)).WithFields(map[string]interface{}{"component": "queue"})

	log.Info("application submitted", map[string]interface{}{
		"listingId": "listing-1",
		"position":  3,
	})
	log.WithError(errors.New("boom")).Error("transition failed", nil)
	log.Warn("chat room degraded", map[string]interface{}{"cause": errors.New("timeout")})

	entries := logs.AllUntimed()
	assert.Len(t, entries, 3)

	first := entries[0].ContextMap()
	assert.Equal(t, "queue", first["component"])
	assert.Equal(t, "listing-1", first["listingId"])
	assert.EqualValues(t, 3, first["position"])

	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, "timeout", entries[2].ContextMap()["cause"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l := New("chatty", "console")
	assert.NotNil(t, l)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewNoOpLogger(t *testing.T) {
	log := NewNoOpLogger()
	assert.NotPanics(t, func() {
		log.With(map[string]interface{}{"a": 1}).Debug("ignored", nil)
	})
}
