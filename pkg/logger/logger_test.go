package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reportive/synckit/pkg/logger"
)

func TestZerologLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf)

	l.Info("queue replay finished", "synced", 3, "failed", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "queue replay finished", line["message"])
	require.EqualValues(t, 3, line["synced"])
	require.EqualValues(t, 1, line["failed"])
}

func TestZerologLoggerDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf)

	l.Warn("odd args", "attempt")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "attempt", line["dangling"])
}

func TestNopDoesNotPanic(t *testing.T) {
	l := logger.Nop()
	l.Debug("nothing")
	l.Error("nothing", "k", "v")
}
