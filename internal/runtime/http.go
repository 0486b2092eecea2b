package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/narrator"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const (
	maxBodyBytes       = 1 << 20
	streamWriteTimeout = 5 * time.Second
)

type voicesResponse struct {
	Options  []voice.Option `json:"options"`
	Selected string         `json:"selected,omitempty"`
}

type highlightResponse struct {
	State     protocol.NarrationState      `json:"state"`
	Sentences []playback.HighlightSentence `json:"sentences"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Runtime) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}

	mux.HandleFunc("GET /v1/narration", r.handleState)
	for _, action := range []string{protocol.ActionPlay, protocol.ActionPause, protocol.ActionResume, protocol.ActionStop} {
		mux.HandleFunc("POST /v1/narration/"+action, r.handleAction(action))
	}
	mux.HandleFunc("PUT /v1/narration/text", r.handleSetText)
	mux.HandleFunc("PUT /v1/narration/voice", r.handleSetVoice)
	mux.HandleFunc("PUT /v1/narration/enabled", r.handleSetEnabled)
	mux.HandleFunc("GET /v1/narration/highlight", r.handleHighlight)
	mux.HandleFunc("GET /v1/narration/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/narration/sessions/{id}/transitions", r.handleTransitions)
	mux.HandleFunc("GET /v1/narration/stream", r.handleStream(ctx))
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
	return mux
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.narrator.State())
}

func (r *Runtime) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.apply(w, req, protocol.ControlRequest{Action: action})
	}
}

func (r *Runtime) handleSetText(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	r.apply(w, req, protocol.ControlRequest{Action: protocol.ActionSetText, Text: body.Text})
}

func (r *Runtime) handleSetVoice(w http.ResponseWriter, req *http.Request) {
	var body struct {
		VoiceID string `json:"voice_id"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	r.apply(w, req, protocol.ControlRequest{Action: protocol.ActionSetVoice, VoiceID: body.VoiceID})
}

func (r *Runtime) handleSetEnabled(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	r.apply(w, req, protocol.ControlRequest{Action: protocol.ActionSetEnabled, Enabled: body.Enabled})
}

func (r *Runtime) apply(w http.ResponseWriter, req *http.Request, cr protocol.ControlRequest) {
	state, err := r.narrator.Apply(req.Context(), cr)
	reply := protocol.ControlReply{OK: err == nil, State: state}
	if err != nil {
		reply.Error = err.Error()
	}
	writeJSON(w, statusFor(err), reply)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, playback.ErrUnsupported):
		return http.StatusConflict
	case errors.Is(err, playback.ErrEngine):
		return http.StatusBadGateway
	case errors.Is(err, voice.ErrUnknownVoice):
		return http.StatusNotFound
	case errors.Is(err, narrator.ErrMissingField), errors.Is(err, narrator.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	resp := voicesResponse{Options: r.voices.Options()}
	if opt, ok := r.voices.Selected(); ok {
		resp.Selected = opt.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleHighlight(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.highlight())
}

func (r *Runtime) highlight() highlightResponse {
	return highlightResponse{State: r.narrator.State(), Sentences: r.controller.Highlight()}
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), limitParam(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleTransitions(w http.ResponseWriter, req *http.Request) {
	transitions, err := r.store.ListTransitions(req.Context(), req.PathValue("id"), limitParam(req))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func limitParam(req *http.Request) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	return limit
}

// handleStream pushes the highlight view on every state change and accepts
// control requests as text frames.
func (r *Runtime) handleStream(ctx context.Context) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Debug("stream upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		updates, unsubscribe := r.controller.Subscribe()
		defer unsubscribe()

		replies := make(chan protocol.ControlReply, 4)
		done := make(chan struct{})
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			defer close(done)
			for {
				var cr protocol.ControlRequest
				if err := conn.ReadJSON(&cr); err != nil {
					return
				}
				state, err := r.narrator.Apply(req.Context(), cr)
				reply := protocol.ControlReply{OK: err == nil, State: state}
				if err != nil {
					reply.Error = err.Error()
				}
				// Every request gets its reply; the reader waits on the writer.
				select {
				case replies <- reply:
				case <-stop:
					return
				}
			}
		}()

		interval := time.Duration(r.cfg.Narrator.StreamPingMS) * time.Millisecond
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ping := time.NewTicker(interval)
		defer ping.Stop()

		for {
			var (
				payload any
				err     error
			)
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(streamWriteTimeout))
				return
			case <-done:
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				payload = r.highlight()
			case reply := <-replies:
				payload = reply
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(streamWriteTimeout)); err != nil {
					return
				}
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err == nil {
				err = conn.WriteJSON(payload)
			}
			if err != nil {
				r.logger.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
