package protocol

import "time"

// Control actions accepted on SubjectNarrationControl.
const (
	ActionPlay       = "play"
	ActionPause      = "pause"
	ActionResume     = "resume"
	ActionStop       = "stop"
	ActionSetText    = "set_text"
	ActionSetVoice   = "set_voice"
	ActionSetEnabled = "set_enabled"
)

// ControlRequest is sent as a request on SubjectNarrationControl.
type ControlRequest struct {
	Action  string `json:"action"`
	Text    string `json:"text,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ControlReply answers a ControlRequest with the state after the action.
type ControlReply struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	State NarrationState `json:"state"`
}

// NarrationState mirrors the controller state on the bus.
type NarrationState struct {
	Session        string    `json:"session,omitempty"`
	Status         string    `json:"status"`
	ActiveSentence int       `json:"active_sentence"`
	ActiveWord     int       `json:"active_word"`
	Supported      bool      `json:"supported"`
	LastError      string    `json:"last_error,omitempty"`
	VoiceID        string    `json:"voice_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AnalysisReady announces a processed transcript whose narrative should be
// read aloud.
type AnalysisReady struct {
	SourceID  string    `json:"source_id"`
	Narrative string    `json:"narrative"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectNarrationControl = "narration.control"
	SubjectNarrationState   = "narration.state"
	SubjectAnalysisReady    = "analysis.ready"
)
