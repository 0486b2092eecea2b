package playback

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

var (
	ErrUnsupported = errors.New("speech playback unsupported")
	ErrEngine      = errors.New("speech engine failure")
)

const defaultErrorMessage = "Unable to play text-to-speech."

// generations is shared by every controller in the process so that an event
// can never be mistaken for one belonging to another controller's utterance.
var generations atomic.Uint64

func nextGeneration() uint64 { return generations.Add(1) }

// State is the observable view of a controller.
type State struct {
	Status         Status `json:"status"`
	ActiveSentence int    `json:"active_sentence"`
	ActiveWord     int    `json:"active_word"`
	Supported      bool   `json:"supported"`
	LastError      string `json:"last_error,omitempty"`
	Session        string `json:"session,omitempty"`

	// Facts about the text and voice the session was built from. They
	// travel with the state so observers never mix them with a later
	// session.
	Sentences  int    `json:"sentences,omitempty"`
	Words      int    `json:"words,omitempty"`
	TextDigest string `json:"text_digest,omitempty"`
	VoiceID    string `json:"voice_id,omitempty"`
}

func (s State) Position() segment.Position {
	return segment.Position{Sentence: s.ActiveSentence, Word: s.ActiveWord}
}

type Options struct {
	Unit  segment.Unit
	Rate  float64
	Pitch float64
	Lang  string
	// OnMiss runs with the controller lock held whenever a word boundary
	// resolves to no word.
	OnMiss func(offset int)
}

// session is the prepared form of one (text, voice) pair.
type session struct {
	id        string
	sentences []segment.Sentence
	index     *segment.Index
	utterance tts.Utterance
	// generation of the utterance in flight, 0 when nothing is.
	generation uint64
}

// Controller drives a speech engine through idle, playing, paused and
// finished and tracks the word being spoken. All methods are safe for
// concurrent use.
type Controller struct {
	engine tts.Engine
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	text    string
	voice   *tts.Voice
	enabled bool
	session *session
	state   State
	subs    map[int]chan State
	nextSub int
	closed  bool
}

func New(engine tts.Engine, opts Options, log *slog.Logger) *Controller {
	if opts.Rate <= 0 {
		opts.Rate = 0.9
	}
	if opts.Pitch <= 0 {
		opts.Pitch = 1.0
	}
	return &Controller{
		engine:  engine,
		opts:    opts,
		logger:  log.With(slog.String("component", "playback")),
		enabled: true,
		state: State{
			Status:         StatusIdle,
			ActiveSentence: -1,
			ActiveWord:     -1,
		},
		subs: make(map[int]chan State),
	}
}

// SetText replaces the narrated text. Identical text keeps the prepared
// session.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || text == c.text {
		return
	}
	c.text = text
	c.rebuild()
}

// SetVoice switches voices. When an utterance was playing it restarts from
// the beginning with the new voice.
func (c *Controller) SetVoice(v *tts.Voice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || sameVoice(c.voice, v) {
		return
	}
	if v != nil {
		cp := *v
		v = &cp
	}
	c.voice = v
	wasPlaying := c.state.Status == StatusPlaying
	c.rebuild()
	if wasPlaying {
		if err := c.play(); err != nil {
			c.logger.Warn("restart after voice change failed", slogError(err))
		}
	}
}

func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || enabled == c.enabled {
		return
	}
	c.enabled = enabled
	c.rebuild()
}

// rebuild tears down the current session and prepares a new one for the
// current text, voice and enabled flag.
func (c *Controller) rebuild() {
	c.teardown()

	c.state.Status = StatusIdle
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1
	c.state.LastError = ""
	c.state.Session = ""
	c.state.Sentences, c.state.Words = 0, 0
	c.state.TextDigest, c.state.VoiceID = "", ""

	sentences := segment.Segment(c.text)
	if !c.enabled || len(sentences) == 0 || !c.engine.Supported() {
		c.session = nil
		c.state.Supported = false
		c.publish()
		return
	}

	ix := segment.BuildIndex(sentences, c.opts.Unit)
	u := tts.Utterance{
		Text:     ix.Text,
		Voice:    c.voice,
		Lang:     c.opts.Lang,
		Rate:     c.opts.Rate,
		Pitch:    c.opts.Pitch,
		Listener: listener{c},
	}
	if c.voice != nil && c.voice.Lang != "" {
		u.Lang = c.voice.Lang
	}
	c.session = &session{
		id:        uuid.NewString(),
		sentences: sentences,
		index:     ix,
		utterance: u,
	}
	c.state.Supported = true
	c.state.Session = c.session.id
	c.state.Sentences = len(sentences)
	c.state.Words = countWords(sentences)
	c.state.TextDigest = digest(ix.Text)
	if c.voice != nil {
		c.state.VoiceID = c.voice.ID()
	}
	c.logger.Debug("session prepared",
		slog.String("session", c.session.id),
		slog.Int("sentences", len(sentences)),
		slog.String("unit", c.opts.Unit.String()))
	c.publish()
}

// teardown cancels the in-flight utterance, if any. The generation is
// cleared first so events from the cancelled utterance are discarded.
func (c *Controller) teardown() {
	if c.session == nil || c.session.generation == 0 {
		return
	}
	c.session.generation = 0
	if err := c.engine.Cancel(); err != nil {
		c.logger.Warn("cancel during teardown failed", slogError(err))
	}
}

// Play starts the prepared utterance from the beginning, cancelling
// whatever the engine is currently speaking. The returned error is
// informational; failures are also reflected in State.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.play()
}

func (c *Controller) play() error {
	if c.closed || !c.state.Supported || c.session == nil {
		return ErrUnsupported
	}
	s := c.session
	gen := nextGeneration()
	s.generation = gen
	if err := c.engine.Cancel(); err != nil {
		c.logger.Warn("cancel before play failed", slogError(err))
	}
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1

	u := s.utterance
	u.Generation = gen
	if err := c.engine.Speak(u); err != nil {
		s.generation = 0
		c.state.Status = StatusIdle
		c.state.LastError = err.Error()
		c.publish()
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	c.state.Status = StatusPlaying
	c.publish()
	return nil
}

// Pause is a no-op unless playing.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.state.Supported || c.state.Status != StatusPlaying {
		return
	}
	if err := c.engine.Pause(); err != nil {
		c.state.LastError = err.Error()
		c.publish()
		return
	}
	c.state.Status = StatusPaused
	c.publish()
}

// Resume is a no-op unless paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.state.Supported || c.state.Status != StatusPaused {
		return
	}
	if err := c.engine.Resume(); err != nil {
		c.state.LastError = err.Error()
		c.publish()
		return
	}
	c.state.Status = StatusPlaying
	c.publish()
}

// Stop cancels playback and returns to idle. Stopping while idle does
// nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.state.Supported || c.state.Status == StatusIdle {
		return
	}
	prev := c.session.generation
	c.session.generation = 0
	if prev != 0 {
		if err := c.engine.Cancel(); err != nil {
			c.session.generation = prev
			c.state.LastError = err.Error()
			c.publish()
			return
		}
	}
	c.state.Status = StatusIdle
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1
	c.publish()
}

// Close cancels any in-flight utterance and closes all subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.teardown()
	c.closed = true
	c.session = nil
	c.state.Status = StatusIdle
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1
	c.state.Supported = false
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sentences returns the segmented form of the current text.
func (c *Controller) Sentences() []segment.Sentence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.sentences
}

// Index returns the offset table of the prepared session, or nil.
func (c *Controller) Index() *segment.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.index
}

func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Controller) Voice() *tts.Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.voice == nil {
		return nil
	}
	v := *c.voice
	return &v
}

// Subscribe returns a channel that receives the current state followed by
// every change. Slow readers only lose intermediate states, never the
// latest one. The channel is closed by cancel or Close.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 16)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Controller) publish() {
	st := c.state
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// current returns the session if gen identifies its in-flight utterance.
func (c *Controller) current(gen uint64) *session {
	if c.closed || c.session == nil || gen == 0 || c.session.generation != gen {
		return nil
	}
	return c.session
}

func (c *Controller) onBoundary(gen uint64, b tts.Boundary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current(gen)
	if s == nil || b.Name != tts.BoundaryWord {
		return
	}
	pos, ok := s.index.Resolve(b.CharIndex)
	if !ok {
		if c.opts.OnMiss != nil {
			c.opts.OnMiss(b.CharIndex)
		}
		return
	}
	if pos == c.state.Position() {
		return
	}
	c.state.ActiveSentence, c.state.ActiveWord = pos.Sentence, pos.Word
	c.publish()
}

func (c *Controller) onEnd(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current(gen)
	if s == nil {
		return
	}
	s.generation = 0
	c.state.Status = StatusFinished
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1
	c.publish()
}

func (c *Controller) onError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current(gen)
	if s == nil {
		return
	}
	s.generation = 0
	c.state.Status = StatusIdle
	c.state.ActiveSentence, c.state.ActiveWord = -1, -1
	c.state.LastError = defaultErrorMessage
	if err != nil && err.Error() != "" {
		c.state.LastError = err.Error()
	}
	c.logger.Warn("utterance failed", slog.String("session", s.id), slogError(err))
	c.publish()
}

// listener adapts engine callbacks to the controller without exporting them.
type listener struct{ c *Controller }

func (l listener) OnBoundary(gen uint64, b tts.Boundary) { l.c.onBoundary(gen, b) }

func (l listener) OnEnd(gen uint64) { l.c.onEnd(gen) }

func (l listener) OnError(gen uint64, err error) { l.c.onError(gen, err) }

func sameVoice(a, b *tts.Voice) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID() == b.ID()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func countWords(sentences []segment.Sentence) int {
	n := 0
	for _, s := range sentences {
		n += len(s.Words())
	}
	return n
}

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
