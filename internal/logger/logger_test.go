package logger

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHub) Broadcast(msgType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgType)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestNew_WritesToBroadcaster(t *testing.T) {
	hub := &recordingHub{}
	b := NewLogBroadcaster(hub, 2)

	log := New(Config{Level: "info", Format: "json", Path: t.TempDir()}, b)
	defer log.Close()

	artifactLog := log.WithComponent("artifact")
	artifactLog.Info().Str("file", "model.gguf").Msg("first")
	artifactLog.Info().Msg("second")
	artifactLog.Warn().Msg("third")

	entries := b.Recent(0)
	require.Len(t, entries, 2, "ring buffer keeps the newest entries")
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "artifact", entries[1].Component)

	assert.Len(t, b.Recent(1), 1)
	assert.Equal(t, []string{MessageLogEntry, MessageLogEntry, MessageLogEntry}, hub.messages)

	assert.Equal(t, FileName, filepath.Base(log.FilePath()))
	assert.FileExists(t, log.FilePath())
}

func TestLogBroadcaster_WrapsAndDropsNonJSON(t *testing.T) {
	b := NewLogBroadcaster(nil, 3)

	_, err := b.Write([]byte("not json"))
	require.NoError(t, err)
	assert.Empty(t, b.Recent(0))

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		_, err := b.Write([]byte(`{"level":"info","message":"` + msg + `","file":"model.gguf"}`))
		require.NoError(t, err)
	}

	entries := b.Recent(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "e", entries[2].Message)
	assert.Equal(t, "model.gguf", entries[2].Fields["file"])

	last := b.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "d", last[0].Message)
}

func TestNew_ConsoleOnly(t *testing.T) {
	log := New(Config{Level: "debug", Format: "json"})
	assert.Empty(t, log.FilePath())
	assert.NoError(t, log.Close())
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
}
