package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := New(Config{Level: "debug", Format: format})
		require.NoError(t, err, format)
		assert.Equal(t, "svc", l.Named("svc").Name())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"})
	require.Error(t, err)
	_, err = New(Config{Level: "info", Format: "yaml"})
	require.Error(t, err)
}

func TestObservedLevels(t *testing.T) {
	l, logs := TestObserved(t, zapcore.WarnLevel)
	l = l.Named("tracker").With("identity", "user_1")
	l.Infow("ignored")
	l.Warnw("sink failed", "kind", "event")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "sink failed", entries[0].Message)
	assert.Equal(t, "tracker", entries[0].LoggerName)
	assert.Equal(t, "user_1", entries[0].ContextMap()["identity"])
	assert.Equal(t, "event", entries[0].ContextMap()["kind"])
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Errorw("nothing")
	assert.Empty(t, l.Name())
}
