// Package narrator exposes a playback controller on the message bus and
// records its timeline.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownAction = errors.New("unknown narration action")
	ErrMissingField  = errors.New("missing field")
)

type Service struct {
	cfg     config.NarratorConfig
	bus     *bus.Client
	ctl     *playback.Controller
	voices  *voice.Selector
	store   *eventstore.Store
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	subControl  *nats.Subscription
	subAnalysis *nats.Subscription
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu          sync.Mutex
	lastTrace   string
	lastSession string
}

func NewService(parent context.Context, cfg config.NarratorConfig, busClient *bus.Client, ctl *playback.Controller, voices *voice.Selector, store *eventstore.Store, metrics *Metrics, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		ctl:     ctl,
		voices:  voices,
		store:   store,
		metrics: metrics,
		tracer:  otel.Tracer(instrumentationName),
		logger:  logger.With(slog.String("component", "narrator")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start wires the voice selector into the controller, subscribes to the
// bus and begins following controller state.
func (s *Service) Start() error {
	s.voices.OnChange(func(opt voice.Option, ok bool) {
		if !ok {
			s.ctl.SetVoice(nil)
			return
		}
		v := opt.Voice
		s.ctl.SetVoice(&v)
	})
	if opt, ok := s.voices.Selected(); ok {
		v := opt.Voice
		s.ctl.SetVoice(&v)
	}
	s.ctl.SetEnabled(s.cfg.Enabled)
	if s.cfg.Text != "" {
		s.ctl.SetText(s.cfg.Text)
	}

	updates, unsubscribe := s.ctl.Subscribe()
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.follow(updates)

	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectNarrationControl, s.handleControl)
	if err != nil {
		return err
	}
	s.subControl = sub

	if s.cfg.FollowAnalysis {
		subAnalysis, err := s.bus.Conn().Subscribe(protocol.SubjectAnalysisReady, s.handleAnalysis)
		if err != nil {
			_ = s.subControl.Drain()
			return err
		}
		s.subAnalysis = subAnalysis
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
	if s.subAnalysis != nil {
		_ = s.subAnalysis.Drain()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if s.bus == nil {
		return s.unsubscribe != nil
	}
	return s.subControl != nil && (!s.cfg.FollowAnalysis || s.subAnalysis != nil)
}

// Controller returns the controller driven by this service.
func (s *Service) Controller() *playback.Controller { return s.ctl }

// Voices returns the voice selector used by this service.
func (s *Service) Voices() *voice.Selector { return s.voices }

// Apply executes one control request and returns the resulting state.
func (s *Service) Apply(ctx context.Context, req protocol.ControlRequest) (protocol.NarrationState, error) {
	ctx, span := s.tracer.Start(ctx, "narrator.apply",
		trace.WithAttributes(attribute.String("narration.action", req.Action)))
	defer span.End()

	s.mu.Lock()
	s.lastTrace = span.SpanContext().TraceID().String()
	s.mu.Unlock()

	err := s.apply(req)
	s.metrics.command(ctx, req.Action, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("narration action rejected", slog.String("action", req.Action), slogError(err))
	}
	return s.State(), err
}

func (s *Service) apply(req protocol.ControlRequest) error {
	switch req.Action {
	case protocol.ActionPlay:
		return s.ctl.Play()
	case protocol.ActionPause:
		s.ctl.Pause()
	case protocol.ActionResume:
		s.ctl.Resume()
	case protocol.ActionStop:
		s.ctl.Stop()
	case protocol.ActionSetText:
		s.ctl.SetText(req.Text)
	case protocol.ActionSetVoice:
		if req.VoiceID == "" {
			return fmt.Errorf("%w: voice_id", ErrMissingField)
		}
		if _, err := s.voices.Select(req.VoiceID); err != nil {
			return err
		}
	case protocol.ActionSetEnabled:
		if req.Enabled == nil {
			return fmt.Errorf("%w: enabled", ErrMissingField)
		}
		s.ctl.SetEnabled(*req.Enabled)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	return nil
}

// State converts the controller snapshot to its wire form.
func (s *Service) State() protocol.NarrationState {
	return toWire(s.ctl.Snapshot(), s.voiceID())
}

func (s *Service) voiceID() string {
	if v := s.ctl.Voice(); v != nil {
		return v.ID()
	}
	return ""
}

// toWire prefers the voice the session was built with; current names the
// controller's voice for states without a session.
func toWire(st playback.State, current string) protocol.NarrationState {
	voiceID := st.VoiceID
	if st.Session == "" {
		voiceID = current
	}
	return protocol.NarrationState{
		Session:        st.Session,
		Status:         string(st.Status),
		ActiveSentence: st.ActiveSentence,
		ActiveWord:     st.ActiveWord,
		Supported:      st.Supported,
		LastError:      st.LastError,
		VoiceID:        voiceID,
		Timestamp:      time.Now().UTC(),
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	reply := protocol.ControlReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		reply.Error = err.Error()
		reply.State = s.State()
	} else {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		state, err := s.Apply(ctx, req)
		cancel()
		reply.State = state
		reply.OK = err == nil
		if err != nil {
			reply.Error = err.Error()
		}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to control request", slogError(err))
	}
}

func (s *Service) handleAnalysis(msg *nats.Msg) {
	var ready protocol.AnalysisReady
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		s.logger.Warn("failed to decode analysis", slogError(err))
		return
	}
	if ready.Narrative == "" {
		return
	}
	s.logger.Info("narrative received", slog.String("source", ready.SourceID), slog.Int("length", len(ready.Narrative)))
	if _, err := s.Apply(s.ctx, protocol.ControlRequest{Action: protocol.ActionSetText, Text: ready.Narrative}); err != nil {
		s.logger.Warn("failed to apply narrative", slogError(err))
	}
}

// follow publishes and records every controller state change until the
// subscription closes or the service stops.
func (s *Service) follow(updates <-chan playback.State) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			s.observe(st)
		}
	}
}

func (s *Service) observe(st playback.State) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	s.metrics.stateChange(ctx, string(st.Status))

	s.mu.Lock()
	traceID := s.lastTrace
	newSession := st.Session != "" && st.Session != s.lastSession
	if newSession {
		s.lastSession = st.Session
	}
	s.mu.Unlock()

	if newSession {
		s.metrics.session(ctx)
		s.recordSession(ctx, st)
	}
	if st.Session != "" && s.store != nil {
		tr := eventstore.Transition{
			SessionID: st.Session,
			TraceID:   traceID,
			Status:    string(st.Status),
			Sentence:  st.ActiveSentence,
			Word:      st.ActiveWord,
			Error:     st.LastError,
		}
		if err := s.store.RecordTransition(ctx, tr); err != nil {
			s.logger.Warn("failed to record transition", slogError(err))
		}
	}

	if s.bus != nil && s.cfg.PublishState {
		if err := s.bus.PublishJSON(protocol.SubjectNarrationState, toWire(st, s.voiceID())); err != nil {
			s.logger.Warn("failed to publish narration state", slogError(err))
		}
	}
}

func (s *Service) recordSession(ctx context.Context, st playback.State) {
	if s.store == nil {
		return
	}
	sess := eventstore.Session{
		ID:         st.Session,
		VoiceID:    st.VoiceID,
		TextDigest: st.TextDigest,
		Sentences:  st.Sentences,
		Words:      st.Words,
	}
	if err := s.store.RecordSession(ctx, sess); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
