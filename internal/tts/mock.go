package tts

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/segment"
)

var wordPattern = regexp.MustCompile(`\S+`)

// MockOptions configures the simulated engine.
type MockOptions struct {
	Voices []Voice
	// VoicesDelay defers publishing Voices, mimicking hosts that populate
	// their voice list asynchronously.
	VoicesDelay    time.Duration
	WordsPerMinute int
	Unit           segment.Unit
	Unsupported    bool
}

type mockEngine struct {
	opts     MockOptions
	interval time.Duration

	mu       sync.Mutex
	voices   []Voice
	watchers map[int]func()
	nextID   int
	current  *mockRun
}

type mockRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	paused  bool
	changed chan struct{}
}

// NewMockEngine returns an engine that paces word boundaries on a timer
// instead of producing audio.
func NewMockEngine(opts MockOptions) Engine {
	if opts.WordsPerMinute <= 0 {
		opts.WordsPerMinute = 180
	}
	m := &mockEngine{
		opts:     opts,
		interval: time.Minute / time.Duration(opts.WordsPerMinute),
		watchers: make(map[int]func()),
	}
	if opts.VoicesDelay > 0 {
		time.AfterFunc(opts.VoicesDelay, func() { m.setVoices(opts.Voices) })
	} else {
		m.voices = append([]Voice(nil), opts.Voices...)
	}
	return m
}

func (m *mockEngine) Supported() bool { return !m.opts.Unsupported }

func (m *mockEngine) Voices() []Voice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Voice(nil), m.voices...)
}

func (m *mockEngine) WatchVoices(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *mockEngine) setVoices(voices []Voice) {
	m.mu.Lock()
	m.voices = append([]Voice(nil), voices...)
	fns := make([]func(), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *mockEngine) Speak(u Utterance) error {
	if m.opts.Unsupported {
		return ErrUnsupported
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &mockRun{ctx: ctx, cancel: cancel, changed: make(chan struct{})}

	m.mu.Lock()
	if m.current != nil {
		m.current.cancel()
	}
	m.current = run
	m.mu.Unlock()

	interval := m.interval
	if u.Rate > 0 {
		interval = time.Duration(float64(interval) / u.Rate)
	}
	go m.speak(run, u, interval)
	return nil
}

func (m *mockEngine) speak(run *mockRun, u Utterance, interval time.Duration) {
	defer m.finish(run)
	for _, loc := range wordPattern.FindAllStringIndex(u.Text, -1) {
		if run.ctx.Err() != nil {
			m.notifyError(u, ErrInterrupted)
			return
		}
		if u.Listener != nil {
			u.Listener.OnBoundary(u.Generation, Boundary{Name: BoundaryWord, CharIndex: m.opts.Unit.Len(u.Text[:loc[0]])})
		}
		if !run.sleep(interval) {
			m.notifyError(u, ErrInterrupted)
			return
		}
	}
	if u.Listener != nil {
		u.Listener.OnEnd(u.Generation)
	}
}

func (m *mockEngine) notifyError(u Utterance, err error) {
	if u.Listener != nil {
		u.Listener.OnError(u.Generation, err)
	}
}

func (m *mockEngine) finish(run *mockRun) {
	run.cancel()
	m.mu.Lock()
	if m.current == run {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *mockEngine) active() *mockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockEngine) Pause() error {
	run := m.active()
	if run == nil {
		return ErrNotSpeaking
	}
	run.setPaused(true)
	return nil
}

func (m *mockEngine) Resume() error {
	run := m.active()
	if run == nil {
		return ErrNotSpeaking
	}
	run.setPaused(false)
	return nil
}

func (m *mockEngine) Cancel() error {
	m.mu.Lock()
	run := m.current
	m.current = nil
	m.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return nil
}

func (r *mockRun) setPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused == paused {
		return
	}
	r.paused = paused
	close(r.changed)
	r.changed = make(chan struct{})
}

// sleep waits for d of unpaused time and reports false if the run was
// cancelled first.
func (r *mockRun) sleep(d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		r.mu.Lock()
		paused, changed := r.paused, r.changed
		r.mu.Unlock()

		if paused {
			select {
			case <-r.ctx.Done():
				return false
			case <-changed:
				continue
			}
		}

		start := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return false
		case <-changed:
			timer.Stop()
			remaining -= time.Since(start)
		case <-timer.C:
			return true
		}
	}
	return true
}
