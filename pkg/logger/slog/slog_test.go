package slog_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	rawslog "log/slog"

	"github.com/quillnote/quillsync/pkg/logger/slog"
	"github.com/stretchr/testify/require"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level rawslog.Level
}

type testLogJSON struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	Peer  any    `json:"peer"`
}

func TestLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	logger := slog.New(handler)

	testMethods := []testMethod{
		{fn: logger.Error, level: rawslog.LevelError},
		{fn: logger.Warn, level: rawslog.LevelWarn},
		{fn: logger.Info, level: rawslog.LevelInfo},
		{fn: logger.Debug, level: rawslog.LevelDebug},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level.String()), func(t *testing.T) {
			buffer.Reset()
			v.fn("call.Machine transitioned", "peer", "user-42")

			var line testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
			require.Equal(t, v.level.String(), line.Level)
			require.Equal(t, "call.Machine transitioned", line.Msg)
			require.Equal(t, "user-42", line.Peer)
		})
	}
}

func TestWithAndLevel(t *testing.T) {
	var buffer bytes.Buffer
	handler := rawslog.NewJSONHandler(&buffer, &rawslog.HandlerOptions{Level: slog.ParseLevel("warn")})
	logger := slog.New(handler).With("peer", "user-7")

	logger.Info("dropped")
	require.Zero(t, buffer.Len())

	logger.Warn("kept")
	var line testLogJSON
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
	require.Equal(t, "kept", line.Msg)
	require.Equal(t, "user-7", line.Peer)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, rawslog.LevelDebug, slog.ParseLevel("debug"))
	require.Equal(t, rawslog.LevelError, slog.ParseLevel("ERROR"))
	require.Equal(t, rawslog.LevelInfo, slog.ParseLevel("chatty"))
}
