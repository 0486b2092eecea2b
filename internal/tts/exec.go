package tts

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecOptions configures an engine backed by an external synthesizer process.
type ExecOptions struct {
	// Command is spawned once per utterance. It receives one JSON request
	// line on stdin followed by control lines, and reports JSON event lines
	// on stdout.
	Command string
	// VoicesCommand, when set, is run once in the background and must print
	// a JSON array of voices.
	VoicesCommand string
	Voices        []Voice
}

// ExecEngine drives an external synthesizer, one process per utterance.
type ExecEngine struct {
	cmd       []string
	voicesCmd []string
	supported bool

	mu       sync.Mutex
	voices   []Voice
	watchers map[int]func()
	nextID   int
	current  *execRun
}

// exitGrace bounds how long a synthesizer may keep running after its end
// or error event once stdin is closed.
const exitGrace = 2 * time.Second

type execRun struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	stdin  io.WriteCloser
	closed bool
}

func (r *execRun) closeStdin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		_ = r.stdin.Close()
	}
}

type execRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Lang  string  `json:"lang,omitempty"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

type execControl struct {
	Command string `json:"command"`
}

type execEvent struct {
	Event     string `json:"event"`
	Name      string `json:"name"`
	CharIndex int    `json:"char_index"`
	Message   string `json:"message"`
}

// NewExecEngine parses the configured command lines. The engine reports
// itself unsupported when the binary cannot be found.
func NewExecEngine(opts ExecOptions) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	e := &ExecEngine{
		cmd:      args,
		voices:   append([]Voice(nil), opts.Voices...),
		watchers: make(map[int]func()),
	}
	_, lookErr := exec.LookPath(args[0])
	e.supported = lookErr == nil

	if opts.VoicesCommand != "" {
		voicesArgs, err := shellwords.NewParser().Parse(opts.VoicesCommand)
		if err != nil {
			return nil, fmt.Errorf("parse tts voices command: %w", err)
		}
		e.voicesCmd = voicesArgs
	}
	return e, nil
}

// LoadVoices runs the voices command and publishes its result to watchers.
func (e *ExecEngine) LoadVoices(ctx context.Context) error {
	if len(e.voicesCmd) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, e.voicesCmd[0], e.voicesCmd[1:]...).Output()
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	var voices []Voice
	if err := json.Unmarshal(out, &voices); err != nil {
		return fmt.Errorf("decode voices: %w", err)
	}
	e.mu.Lock()
	e.voices = voices
	fns := make([]func(), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (e *ExecEngine) Supported() bool { return e.supported }

func (e *ExecEngine) Voices() []Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Voice(nil), e.voices...)
}

func (e *ExecEngine) WatchVoices(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

func (e *ExecEngine) Speak(u Utterance) error {
	if !e.supported {
		return ErrUnsupported
	}
	req := execRequest{Text: u.Text, Lang: u.Lang, Rate: u.Rate, Pitch: u.Pitch}
	if u.Voice != nil {
		req.Voice = u.Voice.Name
		if req.Lang == "" {
			req.Lang = u.Voice.Lang
		}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.WaitDelay = exitGrace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start tts command: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("write tts request: %w", err)
	}

	run := &execRun{cancel: cancel, stdin: stdin}
	e.mu.Lock()
	prev := e.current
	e.current = run
	e.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	go e.watch(ctx, run, cmd, stdout, u)
	return nil
}

func (e *ExecEngine) watch(ctx context.Context, run *execRun, cmd *exec.Cmd, stdout io.Reader, u Utterance) {
	defer e.finish(run)

	ended := false
	var failure error
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			failure = fmt.Errorf("decode tts event: %w", err)
			break
		}
		switch ev.Event {
		case "boundary":
			if u.Listener != nil {
				u.Listener.OnBoundary(u.Generation, Boundary{Name: ev.Name, CharIndex: ev.CharIndex})
			}
		case "end":
			ended = true
		case "error":
			if ev.Message == "" {
				ev.Message = "synthesis failed"
			}
			failure = errors.New(ev.Message)
		}
		if ended || failure != nil {
			break
		}
	}
	// Closing stdin first lets a synthesizer that reads control lines until
	// EOF exit; one that ignores EOF is killed after exitGrace.
	run.closeStdin()
	kill := time.AfterFunc(exitGrace, func() { _ = cmd.Process.Kill() })
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	kill.Stop()

	if u.Listener == nil {
		return
	}
	switch {
	case ctx.Err() != nil:
		u.Listener.OnError(u.Generation, ErrInterrupted)
	case failure != nil:
		u.Listener.OnError(u.Generation, failure)
	case ended:
		u.Listener.OnEnd(u.Generation)
	case waitErr != nil:
		u.Listener.OnError(u.Generation, fmt.Errorf("tts command: %w", waitErr))
	default:
		u.Listener.OnError(u.Generation, errors.New("tts command exited without end event"))
	}
}

func (e *ExecEngine) finish(run *execRun) {
	run.cancel()
	e.mu.Lock()
	if e.current == run {
		e.current = nil
	}
	e.mu.Unlock()
}

func (e *ExecEngine) control(command string) error {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run == nil {
		return ErrNotSpeaking
	}
	data, err := json.Marshal(execControl{Command: command})
	if err != nil {
		return err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return ErrNotSpeaking
	}
	if _, err := run.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tts %s: %w", command, err)
	}
	return nil
}

func (e *ExecEngine) Pause() error  { return e.control("pause") }
func (e *ExecEngine) Resume() error { return e.control("resume") }

func (e *ExecEngine) Cancel() error {
	e.mu.Lock()
	run := e.current
	e.current = nil
	e.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return nil
}
