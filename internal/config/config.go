package config

import (
	"errors"
	"fmt"
	"io/ioutil"
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
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Wakeword    WakewordConfig    `yaml:"wakeword"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Producer    ProducerConfig    `yaml:"producer"`
	Sink        SinkConfig        `yaml:"sink"`
	MediaPlayer MediaPlayerConfig `yaml:"media_player"`
	VAD         VADConfig         `yaml:"vad"`
	Plugin      PluginConfig      `yaml:"plugin"`
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
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig configures C1, the audio input device.
type CaptureConfig struct {
	InputDevice   string `yaml:"input_device"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	TargetChannel int    `yaml:"target_channel"`
	QueueDepth    int    `yaml:"queue_depth"`
}

// WakewordConfig configures C2-C5, the three-stage inference pipeline and debouncer.
type WakewordConfig struct {
	MelspecModelPath   string   `yaml:"melspec_model_path"`
	EmbeddingModelPath string   `yaml:"embedding_model_path"`
	KeywordModelPaths  []string `yaml:"keyword_model_paths"`
	Threshold          float64  `yaml:"threshold"`
	DebounceMS         int      `yaml:"debounce_ms"`
}

// ConsumerConfig configures C6, the audio/wake-event broadcast server.
type ConsumerConfig struct {
	Addr            string `yaml:"addr"`
	ClientQueueSize int    `yaml:"client_queue_size"`
	ClientCacheSize int    `yaml:"client_cache_size"`
}

// ProducerConfig configures C7, the playback ingest server.
type ProducerConfig struct {
	Addr string `yaml:"addr"`
}

// SinkConfig configures C8, the playback audio device and its queues.
type SinkConfig struct {
	OutputDevice     string `yaml:"output_device"`
	SampleRate       int    `yaml:"sample_rate"`
	CommandQueueSize int    `yaml:"command_queue_size"`
	RingCapacityMS   int    `yaml:"ring_capacity_ms"`
}

// MediaPlayerConfig configures C10, external player ducking.
type MediaPlayerConfig struct {
	PlayerPrefix string `yaml:"player_prefix"`
	CommandTmpl  string `yaml:"command_template"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

// VADConfig configures C12, the coarse energy-ratio voice activity gate.
type VADConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Multiplier float64 `yaml:"multiplier"`
}

// PluginConfig configures C14, the optional wazero scoring sandbox.
type PluginConfig struct {
	ModulePath string `yaml:"module_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "wakegate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 9090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9090",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/wakegate-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			InputDevice:   "",
			SampleRate:    16000,
			Channels:      1,
			TargetChannel: 0,
			QueueDepth:    8,
		},
		Wakeword: WakewordConfig{
			Threshold:  0.5,
			DebounceMS: 1000,
		},
		Consumer: ConsumerConfig{
			Addr:            "0.0.0.0:8080",
			ClientQueueSize: 16,
			ClientCacheSize: 256,
		},
		Producer: ProducerConfig{
			Addr: "0.0.0.0:8081",
		},
		Sink: SinkConfig{
			SampleRate:       48000,
			CommandQueueSize: 20,
			RingCapacityMS:   500,
		},
		MediaPlayer: MediaPlayerConfig{
			PlayerPrefix: "",
			CommandTmpl:  "playerctl --player {player} {action}",
			TimeoutMS:    1500,
		},
		VAD: VADConfig{
			Enabled:    true,
			Multiplier: 2.5,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "GATEWAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GATEWAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GATEWAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GATEWAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GATEWAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GATEWAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GATEWAY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GATEWAY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "GATEWAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GATEWAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "GATEWAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GATEWAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GATEWAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GATEWAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GATEWAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GATEWAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "GATEWAY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GATEWAY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GATEWAY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "GATEWAY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GATEWAY_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.InputDevice, "GATEWAY_CAPTURE_INPUT_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "GATEWAY_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "GATEWAY_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.TargetChannel, "GATEWAY_CAPTURE_TARGET_CHANNEL")
	overrideInt(&cfg.Capture.QueueDepth, "GATEWAY_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Wakeword.MelspecModelPath, "GATEWAY_WAKEWORD_MELSPEC_MODEL_PATH")
	overrideString(&cfg.Wakeword.EmbeddingModelPath, "GATEWAY_WAKEWORD_EMBEDDING_MODEL_PATH")
	overrideStringSlice(&cfg.Wakeword.KeywordModelPaths, "GATEWAY_WAKEWORD_KEYWORD_MODEL_PATHS")
	overrideFloat(&cfg.Wakeword.Threshold, "GATEWAY_WAKEWORD_THRESHOLD")
	overrideInt(&cfg.Wakeword.DebounceMS, "GATEWAY_WAKEWORD_DEBOUNCE_MS")
	overrideString(&cfg.Consumer.Addr, "GATEWAY_CONSUMER_ADDR")
	overrideInt(&cfg.Consumer.ClientQueueSize, "GATEWAY_CONSUMER_CLIENT_QUEUE_SIZE")
	overrideInt(&cfg.Consumer.ClientCacheSize, "GATEWAY_CONSUMER_CLIENT_CACHE_SIZE")
	overrideString(&cfg.Producer.Addr, "GATEWAY_PRODUCER_ADDR")
	overrideString(&cfg.Sink.OutputDevice, "GATEWAY_SINK_OUTPUT_DEVICE")
	overrideInt(&cfg.Sink.SampleRate, "GATEWAY_SINK_SAMPLE_RATE")
	overrideInt(&cfg.Sink.CommandQueueSize, "GATEWAY_SINK_COMMAND_QUEUE_SIZE")
	overrideInt(&cfg.Sink.RingCapacityMS, "GATEWAY_SINK_RING_CAPACITY_MS")
	overrideString(&cfg.MediaPlayer.PlayerPrefix, "GATEWAY_MEDIA_PLAYER_PREFIX")
	overrideString(&cfg.MediaPlayer.CommandTmpl, "GATEWAY_MEDIA_PLAYER_COMMAND_TEMPLATE")
	overrideInt(&cfg.MediaPlayer.TimeoutMS, "GATEWAY_MEDIA_PLAYER_TIMEOUT_MS")
	overrideBool(&cfg.VAD.Enabled, "GATEWAY_VAD_ENABLED")
	overrideFloat(&cfg.VAD.Multiplier, "GATEWAY_VAD_MULTIPLIER")
	overrideString(&cfg.Plugin.ModulePath, "GATEWAY_PLUGIN_MODULE_PATH")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty unless retention_mode is ephemeral")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.TargetChannel < 0 || cfg.Capture.TargetChannel >= cfg.Capture.Channels {
		return errors.New("capture.target_channel must be within [0, channels)")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	if cfg.Wakeword.Threshold < 0 || cfg.Wakeword.Threshold > 1 {
		return errors.New("wakeword.threshold must be in [0, 1]")
	}
	if cfg.Wakeword.DebounceMS < 0 {
		return errors.New("wakeword.debounce_ms must be >= 0")
	}
	if cfg.Consumer.Addr == "" {
		return errors.New("consumer.addr must not be empty")
	}
	if cfg.Consumer.ClientQueueSize <= 0 {
		return errors.New("consumer.client_queue_size must be positive")
	}
	if cfg.Producer.Addr == "" {
		return errors.New("producer.addr must not be empty")
	}
	if cfg.Sink.SampleRate <= 0 {
		return errors.New("sink.sample_rate must be positive")
	}
	if cfg.Sink.CommandQueueSize <= 0 {
		return errors.New("sink.command_queue_size must be positive")
	}
	if cfg.VAD.Enabled && cfg.VAD.Multiplier <= 0 {
		return errors.New("vad.multiplier must be positive when vad is enabled")
	}
	return nil
}
