package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

var ErrUnknownVoice = errors.New("unknown voice")

// Option is one entry of the curated voice list.
type Option struct {
	ID     string    `json:"id"`
	Label  string    `json:"label"`
	Gender Gender    `json:"gender"`
	Voice  tts.Voice `json:"voice"`
}

// Curate filters voices to the language prefix and returns at most one
// female and one male option, in that order, preferring the configured
// names over the first match per gender.
func Curate(voices []tts.Voice, cfg config.VoicesConfig, classifier Classifier) []Option {
	prefix := strings.ToLower(cfg.Language)
	byGender := map[Gender][]tts.Voice{}
	for _, v := range voices {
		if !strings.HasPrefix(strings.ToLower(v.Lang), prefix) {
			continue
		}
		g := classifier.Classify(v)
		if g == GenderNeutral {
			continue
		}
		byGender[g] = append(byGender[g], v)
	}

	var out []Option
	if v, ok := pick(byGender[GenderFemale], cfg.PreferredFemale); ok {
		out = append(out, newOption(v, GenderFemale))
	}
	if v, ok := pick(byGender[GenderMale], cfg.PreferredMale); ok {
		out = append(out, newOption(v, GenderMale))
	}
	return out
}

func pick(candidates []tts.Voice, preferred []string) (tts.Voice, bool) {
	if len(candidates) == 0 {
		return tts.Voice{}, false
	}
	for _, want := range preferred {
		want = strings.ToLower(want)
		for _, v := range candidates {
			if strings.Contains(strings.ToLower(v.Name), want) {
				return v, true
			}
		}
	}
	return candidates[0], true
}

func newOption(v tts.Voice, g Gender) Option {
	label := "Female voice"
	if g == GenderMale {
		label = "Male voice"
	}
	return Option{
		ID:     v.ID(),
		Label:  fmt.Sprintf("%s (%s)", label, v.Name),
		Gender: g,
		Voice:  v,
	}
}

// Selector keeps the curated option list in sync with the engine and
// remembers the current choice by id.
type Selector struct {
	engine     tts.Engine
	cfg        config.VoicesConfig
	classifier Classifier
	logger     *slog.Logger

	mu       sync.Mutex
	options  []Option
	selected string
	onChange func(Option, bool)
	stop     func()
}

// NewSelector builds the initial list and rebuilds it on every voices-changed
// notification. A nil classifier uses the name lists from cfg.
func NewSelector(engine tts.Engine, cfg config.VoicesConfig, classifier Classifier, log *slog.Logger) *Selector {
	if classifier == nil {
		classifier = NewNameClassifier(cfg.FemaleNames, cfg.MaleNames)
	}
	s := &Selector{
		engine:     engine,
		cfg:        cfg,
		classifier: classifier,
		logger:     log.With(slog.String("component", "voice-selector")),
	}
	s.stop = engine.WatchVoices(func() { s.Refresh() })
	s.Refresh()
	return s
}

// OnChange registers fn to run whenever the selected option changes. ok is
// false when no option remains.
func (s *Selector) OnChange(fn func(opt Option, ok bool)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Refresh rebuilds the option list, keeping the selection when its id is
// still present and falling back to the first option otherwise.
func (s *Selector) Refresh() []Option {
	options := Curate(s.engine.Voices(), s.cfg, s.classifier)

	s.mu.Lock()
	prev := s.selected
	s.options = options
	if _, ok := find(options, prev); !ok {
		s.selected = ""
		if len(options) > 0 {
			s.selected = options[0].ID
		}
	}
	current, ok := find(options, s.selected)
	changed := s.selected != prev
	fn := s.onChange
	out := append([]Option(nil), options...)
	s.mu.Unlock()

	s.logger.Debug("voice options rebuilt", slog.Int("count", len(out)), slog.String("selected", current.ID))
	if changed && fn != nil {
		fn(current, ok)
	}
	return out
}

func (s *Selector) Options() []Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Option(nil), s.options...)
}

// Select makes id the current option. Selecting the current id again is a
// no-op and does not fire OnChange.
func (s *Selector) Select(id string) (Option, error) {
	s.mu.Lock()
	opt, ok := find(s.options, id)
	if !ok {
		s.mu.Unlock()
		return Option{}, fmt.Errorf("%w: %s", ErrUnknownVoice, id)
	}
	changed := s.selected != id
	s.selected = id
	fn := s.onChange
	s.mu.Unlock()

	if changed && fn != nil {
		fn(opt, true)
	}
	return opt, nil
}

func (s *Selector) Selected() (Option, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return find(s.options, s.selected)
}

func (s *Selector) Close() {
	if s.stop != nil {
		s.stop()
	}
}

func find(options []Option, id string) (Option, bool) {
	if id == "" {
		return Option{}, false
	}
	for _, o := range options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}
