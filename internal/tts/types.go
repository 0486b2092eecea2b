package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when the speech capability is absent on this host.
	ErrUnsupported = errors.New("speech synthesis unsupported")
	// ErrInterrupted is reported to a listener whose utterance was cancelled.
	ErrInterrupted = errors.New("utterance interrupted")
	// ErrNotSpeaking is returned by Pause/Resume when nothing is in flight.
	ErrNotSpeaking = errors.New("no utterance in flight")
)

// Voice describes one synthesis voice offered by an engine.
type Voice struct {
	URI     string `json:"uri"`
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Gender  string `json:"gender,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// ID returns a stable identifier for the voice.
func (v Voice) ID() string {
	if v.URI != "" {
		return v.URI
	}
	return fmt.Sprintf("%s|%s", v.Name, v.Lang)
}

// Boundary is a best-effort progress event. CharIndex is measured in the
// engine's own offset unit and is not guaranteed to land on a word start.
type Boundary struct {
	Name      string `json:"name"`
	CharIndex int    `json:"char_index"`
}

// BoundaryWord is the only boundary name narration reacts to.
const BoundaryWord = "word"

// Listener receives notifications for one utterance. Every call carries the
// generation of the utterance it belongs to. Engines never invoke a Listener
// from inside one of their own command methods.
type Listener interface {
	OnBoundary(generation uint64, b Boundary)
	OnEnd(generation uint64)
	OnError(generation uint64, err error)
}

// Utterance is a request to speak text.
type Utterance struct {
	Generation uint64
	Text       string
	Voice      *Voice
	Lang       string
	Rate       float64
	Pitch      float64
	Listener   Listener
}

// Engine is the host speech capability. It is a process-wide singleton:
// callers must Cancel before Speak to keep at most one utterance in flight.
type Engine interface {
	Supported() bool
	Voices() []Voice
	Speak(u Utterance) error
	Pause() error
	Resume() error
	Cancel() error
	// WatchVoices registers fn to run whenever the voice list changes.
	WatchVoices(fn func()) (stop func())
}
