package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsSecretKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core))

	log.With("component", "test").Info("connected",
		"jwt_secret_key", "hunter2",
		"azure_connection_string", "AccountKey=abc",
		"aggregate", "card:c1",
		"header", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1c2VyLTEifQ.sig",
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["jwt_secret_key"])
	assert.Equal(t, "[REDACTED]", fields["azure_connection_string"])
	assert.Equal(t, "[REDACTED]", fields["header"])
	assert.Equal(t, "card:c1", fields["aggregate"])
	assert.Equal(t, "test", fields["component"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = parseLevel("chatty")
	assert.Error(t, err)

	_, err = New("production", "chatty")
	assert.Error(t, err)
}
