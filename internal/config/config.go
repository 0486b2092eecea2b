package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces" toml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" toml:"bind"`
	Port int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	TTS         TTSConfig        `yaml:"tts" toml:"tts"`
	Voices      VoicesConfig     `yaml:"voices" toml:"voices"`
	Narrator    NarratorConfig   `yaml:"narrator" toml:"narrator"`
	Analysis    AnalysisConfig   `yaml:"analysis" toml:"analysis"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

type TTSConfig struct {
	Mode           string        `yaml:"mode" toml:"mode"` // mock, exec
	Command        string        `yaml:"command" toml:"command"`
	VoicesCommand  string        `yaml:"voices_command" toml:"voices_command"`
	Unit           string        `yaml:"offset_unit" toml:"offset_unit"` // bytes, runes, utf16
	Rate           float64       `yaml:"rate" toml:"rate"`
	Pitch          float64       `yaml:"pitch" toml:"pitch"`
	Language       string        `yaml:"language" toml:"language"`
	WordsPerMinute int           `yaml:"words_per_minute" toml:"words_per_minute"`
	VoicesDelayMS  int           `yaml:"voices_delay_ms" toml:"voices_delay_ms"`
	Voices         []VoiceConfig `yaml:"voices" toml:"voices"`
}

type VoiceConfig struct {
	URI    string `yaml:"uri" toml:"uri"`
	Name   string `yaml:"name" toml:"name"`
	Lang   string `yaml:"lang" toml:"lang"`
	Gender string `yaml:"gender" toml:"gender"`
}

type VoicesConfig struct {
	Language        string   `yaml:"language" toml:"language"`
	PreferredFemale []string `yaml:"preferred_female" toml:"preferred_female"`
	PreferredMale   []string `yaml:"preferred_male" toml:"preferred_male"`
	FemaleNames     []string `yaml:"female_names" toml:"female_names"`
	MaleNames       []string `yaml:"male_names" toml:"male_names"`
}

type NarratorConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	Text           string `yaml:"text" toml:"text"`
	StreamPingMS   int    `yaml:"stream_ping_ms" toml:"stream_ping_ms"`
	PublishState   bool   `yaml:"publish_state" toml:"publish_state"`
	FollowAnalysis bool   `yaml:"follow_analysis" toml:"follow_analysis"`
}

type AnalysisConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	UserUUID  string `yaml:"user_uuid" toml:"user_uuid"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Mode:           "mock",
			Unit:           "bytes",
			Rate:           0.9,
			Pitch:          1.0,
			WordsPerMinute: 170,
			Voices: []VoiceConfig{
				{Name: "Samantha", Lang: "en-US"},
				{Name: "Microsoft Zira", Lang: "en-US"},
				{Name: "Daniel", Lang: "en-GB"},
				{Name: "Google UK English Male", Lang: "en-GB"},
			},
		},
		Voices: VoicesConfig{
			Language:        "en",
			PreferredFemale: []string{"Google US English", "Samantha", "Microsoft Zira"},
			PreferredMale:   []string{"Google UK English Male", "Microsoft David", "Daniel"},
		},
		Narrator: NarratorConfig{
			Enabled:        true,
			StreamPingMS:   15000,
			PublishState:   true,
			FollowAnalysis: true,
		},
		Analysis: AnalysisConfig{
			BaseURL:   "http://localhost:8000",
			UserUUID:  "d3c92895-27dc-41af-9b1b-b29cdc4d8719",
			TimeoutMS: 60000,
		},
	}
}

// Load reads path as YAML or TOML depending on its extension, then applies
// NARRATOR_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		default:
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "NARRATOR_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NARRATOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.VoicesCommand, "NARRATOR_TTS_VOICES_COMMAND")
	overrideString(&cfg.TTS.Unit, "NARRATOR_TTS_OFFSET_UNIT")
	overrideFloat(&cfg.TTS.Rate, "NARRATOR_TTS_RATE")
	overrideFloat(&cfg.TTS.Pitch, "NARRATOR_TTS_PITCH")
	overrideString(&cfg.TTS.Language, "NARRATOR_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.WordsPerMinute, "NARRATOR_TTS_WORDS_PER_MINUTE")
	overrideInt(&cfg.TTS.VoicesDelayMS, "NARRATOR_TTS_VOICES_DELAY_MS")
	overrideString(&cfg.Voices.Language, "NARRATOR_VOICES_LANGUAGE")
	overrideStringSlice(&cfg.Voices.PreferredFemale, "NARRATOR_VOICES_PREFERRED_FEMALE")
	overrideStringSlice(&cfg.Voices.PreferredMale, "NARRATOR_VOICES_PREFERRED_MALE")
	overrideBool(&cfg.Narrator.Enabled, "NARRATOR_ENABLED")
	overrideString(&cfg.Narrator.Text, "NARRATOR_TEXT")
	overrideInt(&cfg.Narrator.StreamPingMS, "NARRATOR_STREAM_PING_MS")
	overrideBool(&cfg.Narrator.PublishState, "NARRATOR_PUBLISH_STATE")
	overrideBool(&cfg.Narrator.FollowAnalysis, "NARRATOR_FOLLOW_ANALYSIS")
	overrideString(&cfg.Analysis.BaseURL, "NARRATOR_ANALYSIS_BASE_URL")
	overrideString(&cfg.Analysis.UserUUID, "NARRATOR_ANALYSIS_USER_UUID")
	overrideInt(&cfg.Analysis.TimeoutMS, "NARRATOR_ANALYSIS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	switch strings.ToLower(cfg.TTS.Unit) {
	case "", "bytes", "runes", "utf16", "utf-16":
	default:
		return errors.New("tts.offset_unit must be one of bytes|runes|utf16")
	}
	if cfg.TTS.Rate <= 0 || cfg.TTS.Rate > 10 {
		return errors.New("tts.rate must be in (0, 10]")
	}
	if cfg.TTS.Pitch < 0 || cfg.TTS.Pitch > 2 {
		return errors.New("tts.pitch must be in [0, 2]")
	}
	if cfg.TTS.WordsPerMinute < 0 {
		return errors.New("tts.words_per_minute must be >= 0")
	}
	if cfg.Narrator.StreamPingMS <= 0 {
		return errors.New("narrator.stream_ping_ms must be positive")
	}
	if cfg.Analysis.BaseURL == "" {
		return errors.New("analysis.base_url must not be empty")
	}
	if _, err := uuid.Parse(cfg.Analysis.UserUUID); err != nil {
		return errors.New("analysis.user_uuid must be a valid uuid")
	}
	if cfg.Analysis.TimeoutMS <= 0 {
		return errors.New("analysis.timeout_ms must be positive")
	}
	return nil
}
