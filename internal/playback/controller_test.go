package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleText = "Hello world. How are you?"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine records commands and lets tests fire events by hand. Like a
// real engine it reports cancellation asynchronously.
type fakeEngine struct {
	mu          sync.Mutex
	unsupported bool
	speakErr    error
	pauseErr    error
	calls       []string
	inFlight    *tts.Utterance
	overlaps    int
	spoken      []tts.Utterance
	interrupted sync.WaitGroup
}

func (f *fakeEngine) Supported() bool            { return !f.unsupported }
func (f *fakeEngine) Voices() []tts.Voice        { return nil }
func (f *fakeEngine) WatchVoices(func()) func() { return func() {} }

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Speak(u tts.Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("speak")
	if f.speakErr != nil {
		return f.speakErr
	}
	if f.inFlight != nil {
		f.overlaps++
	}
	f.inFlight = &u
	f.spoken = append(f.spoken, u)
	return nil
}

func (f *fakeEngine) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	return f.pauseErr
}

func (f *fakeEngine) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	return nil
}

func (f *fakeEngine) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel")
	if f.inFlight != nil {
		u := *f.inFlight
		f.inFlight = nil
		f.interrupted.Add(1)
		go func() {
			defer f.interrupted.Done()
			u.Listener.OnError(u.Generation, tts.ErrInterrupted)
		}()
	}
	return nil
}

func (f *fakeEngine) current(t *testing.T) tts.Utterance {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.inFlight, "no utterance in flight")
	return *f.inFlight
}

func (f *fakeEngine) boundary(t *testing.T, offset int) {
	u := f.current(t)
	u.Listener.OnBoundary(u.Generation, tts.Boundary{Name: tts.BoundaryWord, CharIndex: offset})
}

func (f *fakeEngine) end(t *testing.T) {
	u := f.current(t)
	f.mu.Lock()
	f.inFlight = nil
	f.mu.Unlock()
	u.Listener.OnEnd(u.Generation)
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func newController(t *testing.T, engine tts.Engine) *Controller {
	t.Helper()
	c := New(engine, Options{Unit: segment.UnitBytes}, newLogger())
	t.Cleanup(c.Close)
	return c
}

func TestPlayUnsupported(t *testing.T) {
	engine := &fakeEngine{unsupported: true}
	c := newController(t, engine)
	c.SetText(sampleText)

	err := c.Play()
	assert.ErrorIs(t, err, ErrUnsupported)

	st := c.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.False(t, st.Supported)
	assert.Empty(t, engine.callLog())
}

func TestPlayWithoutText(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)

	assert.ErrorIs(t, c.Play(), ErrUnsupported)
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	assert.Empty(t, engine.callLog())
}

func TestPlayToFinish(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)

	require.NoError(t, c.Play())
	assert.Equal(t, []string{"cancel", "speak"}, engine.callLog())

	u := engine.current(t)
	assert.Equal(t, sampleText, u.Text)
	assert.Equal(t, 0.9, u.Rate)
	assert.Equal(t, 1.0, u.Pitch)

	st := c.Snapshot()
	assert.Equal(t, StatusPlaying, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())

	engine.boundary(t, 13)
	assert.Equal(t, segment.Position{Sentence: 1, Word: 0}, c.Snapshot().Position())

	engine.end(t)
	st = c.Snapshot()
	assert.Equal(t, StatusFinished, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())
}

func TestBoundaryMissKeepsPosition(t *testing.T) {
	engine := &fakeEngine{}
	misses := 0
	c := New(engine, Options{OnMiss: func(int) { misses++ }}, newLogger())
	t.Cleanup(c.Close)
	c.SetText(sampleText)
	require.NoError(t, c.Play())

	engine.boundary(t, 6)
	require.Equal(t, segment.Position{Sentence: 0, Word: 1}, c.Snapshot().Position())

	engine.boundary(t, 99)
	assert.Equal(t, segment.Position{Sentence: 0, Word: 1}, c.Snapshot().Position())
	assert.Equal(t, 1, misses)
}

func TestNonWordBoundaryIgnored(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())

	u := engine.current(t)
	u.Listener.OnBoundary(u.Generation, tts.Boundary{Name: "sentence", CharIndex: 13})
	assert.Equal(t, segment.NoPosition, c.Snapshot().Position())
}

func TestPauseResume(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)

	c.Pause()
	assert.Equal(t, StatusIdle, c.Snapshot().Status)

	require.NoError(t, c.Play())
	engine.reset()

	c.Pause()
	c.Pause()
	assert.Equal(t, StatusPaused, c.Snapshot().Status)
	assert.Equal(t, []string{"pause"}, engine.callLog())

	c.Resume()
	c.Resume()
	assert.Equal(t, StatusPlaying, c.Snapshot().Status)
	assert.Equal(t, []string{"pause", "resume"}, engine.callLog())
}

func TestPauseFailureKeepsState(t *testing.T) {
	engine := &fakeEngine{pauseErr: errors.New("device busy")}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())

	c.Pause()
	st := c.Snapshot()
	assert.Equal(t, StatusPlaying, st.Status)
	assert.Equal(t, "device busy", st.LastError)
}

func TestStop(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)

	c.Stop()
	assert.Empty(t, engine.callLog())

	require.NoError(t, c.Play())
	engine.boundary(t, 0)
	engine.reset()

	c.Stop()
	engine.interrupted.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())
	assert.Empty(t, st.LastError, "interruption of our own utterance is not an error")
	assert.Equal(t, []string{"cancel"}, engine.callLog())

	engine.reset()
	c.Stop()
	assert.Empty(t, engine.callLog())
}

func TestSpeakFailure(t *testing.T) {
	engine := &fakeEngine{speakErr: errors.New("audio device missing")}
	c := newController(t, engine)
	c.SetText(sampleText)

	err := c.Play()
	assert.ErrorIs(t, err, ErrEngine)
	st := c.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, "audio device missing", st.LastError)
}

func TestEngineError(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())
	engine.boundary(t, 17)

	u := engine.current(t)
	u.Listener.OnError(u.Generation, errors.New("synthesis-failed"))

	st := c.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())
	assert.Equal(t, "synthesis-failed", st.LastError)

	require.NoError(t, c.Play())
	assert.Equal(t, StatusPlaying, c.Snapshot().Status)
}

func TestPlayTwiceKeepsOneUtterance(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)

	require.NoError(t, c.Play())
	first := engine.current(t)
	require.NoError(t, c.Play())
	engine.interrupted.Wait()

	assert.Zero(t, engine.overlaps)
	assert.Equal(t, []string{"cancel", "speak", "cancel", "speak"}, engine.callLog())
	assert.Equal(t, StatusPlaying, c.Snapshot().Status)

	// Late events from the first utterance are discarded.
	first.Listener.OnBoundary(first.Generation, tts.Boundary{Name: tts.BoundaryWord, CharIndex: 13})
	first.Listener.OnEnd(first.Generation)
	st := c.Snapshot()
	assert.Equal(t, StatusPlaying, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())
}

func TestTwoControllersShareEngine(t *testing.T) {
	engine := &fakeEngine{}
	a := newController(t, engine)
	b := newController(t, engine)
	a.SetText(sampleText)
	b.SetText("Another narrative entirely.")

	require.NoError(t, a.Play())
	require.NoError(t, b.Play())
	engine.interrupted.Wait()

	assert.Zero(t, engine.overlaps)
	sa := a.Snapshot()
	assert.Equal(t, StatusIdle, sa.Status)
	assert.Equal(t, tts.ErrInterrupted.Error(), sa.LastError)
	assert.Equal(t, StatusPlaying, b.Snapshot().Status)
}

func TestStateDescribesItsSession(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetVoice(&tts.Voice{Name: "Daniel", Lang: "en-GB"})
	c.SetText(sampleText)

	first := c.Snapshot()
	assert.Equal(t, 2, first.Sentences)
	assert.Equal(t, 5, first.Words)
	assert.Len(t, first.TextDigest, 64)
	assert.Equal(t, "Daniel|en-GB", first.VoiceID)

	c.SetText("Bye.")
	second := c.Snapshot()
	assert.NotEqual(t, first.Session, second.Session)
	assert.Equal(t, 1, second.Sentences)
	assert.Equal(t, 1, second.Words)
	assert.NotEqual(t, first.TextDigest, second.TextDigest)

	c.SetText("")
	empty := c.Snapshot()
	assert.Empty(t, empty.Session)
	assert.Zero(t, empty.Sentences)
	assert.Empty(t, empty.TextDigest)
}

func TestVoiceChangeWhilePlayingRestarts(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())
	engine.boundary(t, 17)
	before := c.Snapshot().Session

	c.SetVoice(&tts.Voice{Name: "Daniel", Lang: "en-GB"})
	engine.interrupted.Wait()

	st := c.Snapshot()
	assert.Equal(t, StatusPlaying, st.Status)
	assert.Equal(t, segment.NoPosition, st.Position())
	assert.NotEqual(t, before, st.Session)
	assert.Zero(t, engine.overlaps)

	u := engine.current(t)
	require.NotNil(t, u.Voice)
	assert.Equal(t, "Daniel", u.Voice.Name)
	assert.Equal(t, "en-GB", u.Lang)
	assert.Len(t, engine.spoken, 2)
}

func TestVoiceChangeWhilePausedDoesNotRestart(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())
	c.Pause()

	c.SetVoice(&tts.Voice{Name: "Samantha", Lang: "en-US"})
	engine.interrupted.Wait()

	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	assert.Len(t, engine.spoken, 1)

	engine.reset()
	c.SetVoice(&tts.Voice{Name: "Samantha", Lang: "en-US"})
	assert.Empty(t, engine.callLog(), "same voice keeps the prepared session")
}

func TestDisableTearsDown(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	c.SetText(sampleText)
	require.NoError(t, c.Play())

	c.SetEnabled(false)
	engine.interrupted.Wait()
	st := c.Snapshot()
	assert.Equal(t, StatusIdle, st.Status)
	assert.False(t, st.Supported)
	assert.ErrorIs(t, c.Play(), ErrUnsupported)

	c.SetEnabled(true)
	assert.True(t, c.Snapshot().Supported)
	require.NoError(t, c.Play())
}

func TestSubscribe(t *testing.T) {
	engine := &fakeEngine{}
	c := newController(t, engine)
	updates, cancel := c.Subscribe()
	defer cancel()

	first := <-updates
	assert.Equal(t, StatusIdle, first.Status)

	c.SetText(sampleText)
	require.NoError(t, c.Play())

	deadline := time.After(time.Second)
	for {
		select {
		case st := <-updates:
			if st.Status == StatusPlaying {
				return
			}
		case <-deadline:
			t.Fatal("never observed playing state")
		}
	}
}

func TestCloseClosesSubscriptions(t *testing.T) {
	engine := &fakeEngine{}
	c := New(engine, Options{}, newLogger())
	updates, cancel := c.Subscribe()
	<-updates

	c.Close()
	_, ok := <-updates
	assert.False(t, ok)
	cancel()
}

func TestHighlight(t *testing.T) {
	sentences := segment.Segment(sampleText)
	st := State{Status: StatusPlaying, ActiveSentence: 1, ActiveWord: 1}
	view := Highlight(sentences, st)
	require.Len(t, view, 2)

	marks := func(hs HighlightSentence) []string {
		var out []string
		for _, tok := range hs.Tokens {
			if tok.Kind == "word" {
				out = append(out, tok.Mark)
			}
		}
		return out
	}
	assert.Equal(t, []string{"read", "read"}, marks(view[0]))
	assert.Equal(t, []string{"read", "active", "unread"}, marks(view[1]))

	done := Highlight(sentences, State{Status: StatusFinished, ActiveSentence: -1, ActiveWord: -1})
	assert.Equal(t, []string{"read", "read", "read"}, marks(done[1]))
}
