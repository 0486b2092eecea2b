package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecEngineEvents(t *testing.T) {
	script := writeScript(t, `read req
echo '{"event":"boundary","name":"sentence","char_index":0}'
echo '{"event":"boundary","name":"word","char_index":0}'
echo '{"event":"boundary","name":"word","char_index":6}'
echo '{"event":"end"}'
`)
	engine, err := NewExecEngine(ExecOptions{Command: script})
	require.NoError(t, err)
	require.True(t, engine.Supported())

	rec := newRecorder()
	require.NoError(t, engine.Speak(Utterance{Generation: 3, Text: "Hello world.", Rate: 0.9, Pitch: 1, Listener: rec}))
	require.NoError(t, rec.wait(t))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.boundaries, 3)
	assert.Equal(t, "sentence", rec.boundaries[0].Name)
	assert.Equal(t, Boundary{Name: BoundaryWord, CharIndex: 6}, rec.boundaries[2])
}

func TestExecEngineEndsWhileSynthesizerReadsControls(t *testing.T) {
	script := writeScript(t, `read req
echo '{"event":"boundary","name":"word","char_index":0}'
echo '{"event":"end"}'
while read line; do :; done
`)
	engine, err := NewExecEngine(ExecOptions{Command: script})
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, engine.Speak(Utterance{Generation: 2, Text: "Hello.", Listener: rec}))
	require.NoError(t, rec.wait(t))
	assert.ErrorIs(t, engine.Pause(), ErrNotSpeaking)
}

func TestExecEngineKillsSynthesizerLingeringAfterEnd(t *testing.T) {
	script := writeScript(t, `read req
echo '{"event":"end"}'
exec sleep 30
`)
	engine, err := NewExecEngine(ExecOptions{Command: script})
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, engine.Speak(Utterance{Generation: 4, Text: "Hello.", Listener: rec}))
	select {
	case err := <-rec.done:
		require.NoError(t, err)
	case <-time.After(3 * exitGrace):
		t.Fatal("synthesizer outlived its end event")
	}
}

func TestExecEngineReportsError(t *testing.T) {
	script := writeScript(t, `read req
echo '{"event":"error","message":"voice missing"}'
`)
	engine, err := NewExecEngine(ExecOptions{Command: script})
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, engine.Speak(Utterance{Generation: 1, Text: "hi", Listener: rec}))
	err = rec.wait(t)
	require.Error(t, err)
	assert.Equal(t, "voice missing", err.Error())
}

func TestExecEngineCancel(t *testing.T) {
	script := writeScript(t, `read req
exec sleep 5
`)
	engine, err := NewExecEngine(ExecOptions{Command: script})
	require.NoError(t, err)

	rec := newRecorder()
	require.NoError(t, engine.Speak(Utterance{Generation: 1, Text: "hi", Listener: rec}))
	require.NoError(t, engine.Cancel())
	assert.ErrorIs(t, rec.wait(t), ErrInterrupted)
}

func TestExecEngineMissingBinary(t *testing.T) {
	engine, err := NewExecEngine(ExecOptions{Command: "/nonexistent/narrator-synth --fast"})
	require.NoError(t, err)
	assert.False(t, engine.Supported())
	assert.ErrorIs(t, engine.Speak(Utterance{Text: "hi"}), ErrUnsupported)
}

func TestExecEngineEmptyCommand(t *testing.T) {
	_, err := NewExecEngine(ExecOptions{Command: "   "})
	assert.Error(t, err)
}

func TestExecEngineLoadVoices(t *testing.T) {
	script := writeScript(t, `echo '[{"name":"Samantha","lang":"en-US"},{"name":"Daniel","lang":"en-GB"}]'
`)
	engine, err := NewExecEngine(ExecOptions{Command: "cat", VoicesCommand: script})
	require.NoError(t, err)

	notified := 0
	stop := engine.WatchVoices(func() { notified++ })
	defer stop()

	require.NoError(t, engine.LoadVoices(context.Background()))
	assert.Equal(t, 1, notified)
	require.Len(t, engine.Voices(), 2)
	assert.Equal(t, "Daniel", engine.Voices()[1].Name)
}
