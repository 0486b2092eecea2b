package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newEngine(ctx context.Context, cfg config.TTSConfig, log *slog.Logger) (tts.Engine, error) {
	voices := make([]tts.Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, tts.Voice{URI: v.URI, Name: v.Name, Lang: v.Lang, Gender: v.Gender})
	}

	switch cfg.Mode {
	case "", "mock":
		log.Info("speech engine initialized", slog.String("mode", "mock"), slog.Int("voices", len(voices)))
		return tts.NewMockEngine(tts.MockOptions{
			Voices:         voices,
			VoicesDelay:    time.Duration(cfg.VoicesDelayMS) * time.Millisecond,
			WordsPerMinute: cfg.WordsPerMinute,
			Unit:           segment.ParseUnit(cfg.Unit),
		}), nil
	case "exec":
		engine, err := tts.NewExecEngine(tts.ExecOptions{
			Command:       cfg.Command,
			VoicesCommand: cfg.VoicesCommand,
			Voices:        voices,
		})
		if err != nil {
			return nil, err
		}
		if !engine.Supported() {
			log.Warn("speech command not found; narration unsupported", slog.String("command", cfg.Command))
		}
		if cfg.VoicesCommand != "" {
			go func() {
				if err := engine.LoadVoices(ctx); err != nil {
					log.Warn("failed to load voices", slog.String("error", err.Error()))
				}
			}()
		}
		log.Info("speech engine initialized", slog.String("mode", "exec"), slog.String("command", cfg.Command))
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
