package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorderWritesCastFile(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, rec.Start("sess-1", 120, 40))
	rec.Output("sess-1", []byte("hello\r\n"))
	rec.Input("sess-1", []byte("ls\r"))
	rec.Stop("sess-1")

	file, err := os.Open(filepath.Join(dir, "sess-1.cast"))
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)

	require.True(t, scanner.Scan())
	var header castHeader
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, 2, header.Version)
	assert.Equal(t, 120, header.Width)
	assert.Equal(t, 40, header.Height)

	var events [][]any
	for scanner.Scan() {
		var event []any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "o", events[0][1])
	assert.Equal(t, "hello\r\n", events[0][2])
	assert.Equal(t, "i", events[1][1])
	assert.Equal(t, "ls\r", events[1][2])
}

func TestRecorderIgnoresUnknownSessions(t *testing.T) {
	rec, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	rec.Output("never-started", []byte("x"))
	rec.Stop("never-started")
}

func TestNilRecorderIsInert(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Start("sess", 80, 24))
	rec.Output("sess", []byte("x"))
	rec.Input("sess", []byte("y"))
	rec.Stop("sess")
	rec.Close()
}

func TestRestartReplacesCast(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, rec.Start("sess-1", 80, 24))
	rec.Output("sess-1", []byte("first run"))
	require.NoError(t, rec.Start("sess-1", 80, 24))
	rec.Output("sess-1", []byte("second run"))
	rec.Close()

	data, err := os.ReadFile(filepath.Join(dir, "sess-1.cast"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "second run")
	assert.NotContains(t, string(data), "first run")
}
