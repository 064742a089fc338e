package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Avatar      AvatarConfig     `yaml:"avatar"`
	Cache       CacheConfig      `yaml:"cache"`
	Stage       StageConfig      `yaml:"stage"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	ReconnectWait  int      `yaml:"reconnect_wait_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig describes the VOICEVOX-compatible synthesis backend.
type SpeechConfig struct {
	Mode              string  `yaml:"mode"` // mock, http
	BaseURL           string  `yaml:"base_url"`
	SpeakerID         int     `yaml:"speaker_id"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryDelayMS      int     `yaml:"retry_delay_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type PlaybackConfig struct {
	Command       string `yaml:"command"`
	TempDir       string `yaml:"temp_dir"`
	StartOffsetMS int    `yaml:"start_offset_ms"`
}

type AvatarConfig struct {
	Transport string `yaml:"transport"` // bus, http, none
	HTTPURL   string `yaml:"http_url"`
}

type CacheConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Dir              string `yaml:"dir"`
	MaxBytes         int64  `yaml:"max_bytes"`
	CompressionLevel int    `yaml:"compression_level"`
}

type StageConfig struct {
	Manifest   string  `yaml:"manifest"`
	Watch      bool    `yaml:"watch"`
	TickMS     int     `yaml:"tick_ms"`
	LerpFactor float64 `yaml:"lerp_factor"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-mascot",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    3939,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ReconnectWait:  1000,
		},
		Node: NodeConfig{
			ID:                "mascot-node-1",
			Role:              "renderer",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/mascot-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Mode:         "http",
			BaseURL:      "http://127.0.0.1:10101",
			SpeakerID:    888753760,
			TimeoutMS:    30000,
			MaxRetries:   3,
			RetryDelayMS: 1000,
		},
		Playback: PlaybackConfig{
			StartOffsetMS: 150,
		},
		Avatar: AvatarConfig{
			Transport: "bus",
			HTTPURL:   "http://127.0.0.1:3939",
		},
		Cache: CacheConfig{
			Enabled:          false,
			Dir:              "./data/audio-cache",
			MaxBytes:         256 << 20,
			CompressionLevel: 3,
		},
		Stage: StageConfig{
			Manifest:   "./animations/animations.json",
			Watch:      true,
			TickMS:     33,
			LerpFactor: 0.2,
		},
	}
}

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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
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
	overrideString(&cfg.RuntimeName, "MASCOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MASCOT_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "MASCOT_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "MASCOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MASCOT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MASCOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MASCOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MASCOT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MASCOT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MASCOT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MASCOT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MASCOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MASCOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MASCOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MASCOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MASCOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MASCOT_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ReconnectWait, "MASCOT_BUS_RECONNECT_WAIT_MS")
	overrideString(&cfg.Node.ID, "MASCOT_NODE_ID")
	overrideString(&cfg.Node.Role, "MASCOT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "MASCOT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "MASCOT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MASCOT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MASCOT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MASCOT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MASCOT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MASCOT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.Mode, "MASCOT_SPEECH_MODE")
	overrideString(&cfg.Speech.BaseURL, "MASCOT_SPEECH_BASE_URL")
	overrideInt(&cfg.Speech.SpeakerID, "MASCOT_SPEECH_SPEAKER_ID")
	// Names used by existing AivisSpeech setups win over the MASCOT_ ones.
	overrideString(&cfg.Speech.BaseURL, "VOICEVOX_BASE_URL")
	overrideInt(&cfg.Speech.SpeakerID, "VOICEVOX_SPEAKER_ID")
	overrideInt(&cfg.Speech.TimeoutMS, "MASCOT_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Speech.MaxRetries, "MASCOT_SPEECH_MAX_RETRIES")
	overrideInt(&cfg.Speech.RetryDelayMS, "MASCOT_SPEECH_RETRY_DELAY_MS")
	overrideFloat(&cfg.Speech.RequestsPerSecond, "MASCOT_SPEECH_REQUESTS_PER_SECOND")
	overrideString(&cfg.Playback.Command, "MASCOT_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.TempDir, "MASCOT_PLAYBACK_TEMP_DIR")
	overrideInt(&cfg.Playback.StartOffsetMS, "MASCOT_PLAYBACK_START_OFFSET_MS")
	overrideString(&cfg.Avatar.Transport, "MASCOT_AVATAR_TRANSPORT")
	overrideString(&cfg.Avatar.HTTPURL, "MASCOT_AVATAR_HTTP_URL")
	overrideBool(&cfg.Cache.Enabled, "MASCOT_CACHE_ENABLED")
	overrideString(&cfg.Cache.Dir, "MASCOT_CACHE_DIR")
	overrideInt64(&cfg.Cache.MaxBytes, "MASCOT_CACHE_MAX_BYTES")
	overrideInt(&cfg.Cache.CompressionLevel, "MASCOT_CACHE_COMPRESSION_LEVEL")
	overrideString(&cfg.Stage.Manifest, "MASCOT_STAGE_MANIFEST")
	overrideBool(&cfg.Stage.Watch, "MASCOT_STAGE_WATCH")
	overrideInt(&cfg.Stage.TickMS, "MASCOT_STAGE_TICK_MS")
	overrideFloat(&cfg.Stage.LerpFactor, "MASCOT_STAGE_LERP_FACTOR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
	if cfg.Bus.ReconnectWait <= 0 {
		return errors.New("bus.reconnect_wait_ms must be positive")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
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
	switch cfg.Speech.Mode {
	case "mock":
	case "http":
		u, err := url.Parse(cfg.Speech.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("speech.base_url must be an absolute URL when mode=http")
		}
	default:
		return errors.New("speech.mode must be one of mock|http")
	}
	if cfg.Speech.TimeoutMS <= 0 {
		return errors.New("speech.timeout_ms must be positive")
	}
	if cfg.Speech.MaxRetries < 1 {
		return errors.New("speech.max_retries must be >= 1")
	}
	if cfg.Speech.RetryDelayMS < 0 {
		return errors.New("speech.retry_delay_ms must be >= 0")
	}
	if cfg.Speech.RequestsPerSecond < 0 {
		return errors.New("speech.requests_per_second must be >= 0")
	}
	if cfg.Playback.StartOffsetMS < 0 {
		return errors.New("playback.start_offset_ms must be >= 0")
	}
	switch cfg.Avatar.Transport {
	case "bus", "none":
	case "http":
		if cfg.Avatar.HTTPURL == "" {
			return errors.New("avatar.http_url must be set when transport=http")
		}
	default:
		return errors.New("avatar.transport must be one of bus|http|none")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Dir == "" {
			return errors.New("cache.dir must not be empty when the cache is enabled")
		}
		if cfg.Cache.MaxBytes < 0 {
			return errors.New("cache.max_bytes must be >= 0")
		}
	}
	if cfg.Stage.TickMS <= 0 {
		return errors.New("stage.tick_ms must be positive")
	}
	if cfg.Stage.LerpFactor <= 0 || cfg.Stage.LerpFactor > 1 {
		return errors.New("stage.lerp_factor must be in (0, 1]")
	}
	return nil
}
