package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string  `yaml:"log_level"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	Traces       bool    `yaml:"traces"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Voices      VoicesConfig     `yaml:"voices"`
	Synth       SynthConfig      `yaml:"synth"`
	Audio       AudioConfig      `yaml:"audio"`
	Lipsync     LipsyncConfig    `yaml:"lipsync"`
	Output      OutputConfig     `yaml:"output"`
	Assets      AssetsConfig     `yaml:"assets"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	LLM         LLMConfig        `yaml:"llm"`
	STT         STTConfig        `yaml:"stt"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	EventStream    string   `yaml:"event_stream"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VoicesConfig points at the language/speaker catalog file.
type VoicesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
}

type SynthConfig struct {
	Mode              string `yaml:"mode"` // gtts, exec, mock
	Command           string `yaml:"command"`
	Slow              bool   `yaml:"slow"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type AudioConfig struct {
	ConverterCommand string `yaml:"converter_command"`
	SampleRate       int    `yaml:"sample_rate"`
	TimeoutMS        int    `yaml:"timeout_ms"`
}

type LipsyncConfig struct {
	ToolPath  string   `yaml:"tool_path"`
	ExtraArgs []string `yaml:"extra_args"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

// OutputConfig controls where artifacts land and how clients address them.
// PublicBase defaults to Dir when empty.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	PublicBase string `yaml:"public_base"`
}

type AssetsConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	LabelPrefix string `yaml:"label_prefix"`
	Animation   string `yaml:"animation"`
}

type PipelineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	QueueDepth     int `yaml:"queue_depth"`
	RunTimeoutMS   int `yaml:"run_timeout_ms"`
}

type LLMConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Mode         string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	Persona      string  `yaml:"persona"`
	HistoryLimit int     `yaml:"history_limit"`
	Fallback     string  `yaml:"fallback_reply"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

type STTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Mode         string `yaml:"mode"` // mock, exec
	Command      string `yaml:"command"`
	Language     string `yaml:"language"`
	UploadDir    string `yaml:"upload_dir"`
	DefaultModel string `yaml:"default_model"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

// RouterConfig controls the bus relay that speaks chat replies.
type RouterConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DefaultLang    string `yaml:"default_lang"`
	DefaultSpeaker string `yaml:"default_speaker"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           5000,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			SampleRatio:  1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			EventStream:    "AVATAR_EVENTS",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/avatar-runs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Voices: VoicesConfig{
			CatalogPath: "./lipsync_config.yaml",
		},
		Synth: SynthConfig{
			Mode:              "gtts",
			Command:           "gtts-cli",
			TimeoutMS:         30000,
			RequestsPerMinute: 50,
		},
		Audio: AudioConfig{
			ConverterCommand: "ffmpeg -hide_banner -loglevel error",
			SampleRate:       44100,
			TimeoutMS:        15000,
		},
		Lipsync: LipsyncConfig{
			ToolPath:  "./rhubarb",
			TimeoutMS: 60000,
		},
		Output: OutputConfig{
			Dir: "/audios",
		},
		Assets: AssetsConfig{
			CatalogPath: "../front-end/public/audios-config.json",
			LabelPrefix: "Réponse",
			Animation:   "Idle",
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: 4,
			QueueDepth:     64,
			RunTimeoutMS:   120000,
		},
		LLM: LLMConfig{
			Enabled:      false,
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			MaxTokens:    200,
			Temperature:  0.5,
			Persona:      "Tu es un avatar IA conversationnelle, tu t'appelles HOLOKIA. Réponds aux questions de l'utilisateur avec précision et sois bref.",
			HistoryLimit: 5,
			Fallback:     "Je n'ai pas compris, pouvez-vous reformuler ?",
			TimeoutMS:    60000,
		},
		STT: STTConfig{
			Enabled:      false,
			Mode:         "mock",
			UploadDir:    "./uploads",
			DefaultModel: "base",
			TimeoutMS:    120000,
		},
		Router: RouterConfig{
			Enabled:     false,
			DefaultLang: "fr",
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
	if cfg.Output.PublicBase == "" {
		cfg.Output.PublicBase = cfg.Output.Dir
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AVATAR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AVATAR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AVATAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AVATAR_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "AVATAR_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "AVATAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AVATAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AVATAR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "AVATAR_TELEMETRY_TRACES")
	overrideFloat(&cfg.Telemetry.SampleRatio, "AVATAR_TELEMETRY_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "AVATAR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AVATAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AVATAR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "AVATAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AVATAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AVATAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AVATAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AVATAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AVATAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.EventStream, "AVATAR_BUS_EVENT_STREAM")
	overrideString(&cfg.EventStore.Path, "AVATAR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AVATAR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AVATAR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "AVATAR_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AVATAR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Voices.CatalogPath, "AVATAR_VOICES_CATALOG_PATH")
	overrideString(&cfg.Synth.Mode, "AVATAR_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "AVATAR_SYNTH_COMMAND")
	overrideBool(&cfg.Synth.Slow, "AVATAR_SYNTH_SLOW")
	overrideInt(&cfg.Synth.TimeoutMS, "AVATAR_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.RequestsPerMinute, "AVATAR_SYNTH_REQUESTS_PER_MINUTE")
	overrideString(&cfg.Audio.ConverterCommand, "AVATAR_AUDIO_CONVERTER_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "AVATAR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.TimeoutMS, "AVATAR_AUDIO_TIMEOUT_MS")
	overrideString(&cfg.Lipsync.ToolPath, "AVATAR_LIPSYNC_TOOL_PATH")
	overrideStringSlice(&cfg.Lipsync.ExtraArgs, "AVATAR_LIPSYNC_EXTRA_ARGS")
	overrideInt(&cfg.Lipsync.TimeoutMS, "AVATAR_LIPSYNC_TIMEOUT_MS")
	overrideString(&cfg.Output.Dir, "AVATAR_OUTPUT_DIR")
	overrideString(&cfg.Output.PublicBase, "AVATAR_OUTPUT_PUBLIC_BASE")
	overrideString(&cfg.Assets.CatalogPath, "AVATAR_ASSETS_CATALOG_PATH")
	overrideString(&cfg.Assets.LabelPrefix, "AVATAR_ASSETS_LABEL_PREFIX")
	overrideString(&cfg.Assets.Animation, "AVATAR_ASSETS_ANIMATION")
	overrideInt(&cfg.Pipeline.MaxConcurrency, "AVATAR_PIPELINE_MAX_CONCURRENCY")
	overrideInt(&cfg.Pipeline.QueueDepth, "AVATAR_PIPELINE_QUEUE_DEPTH")
	overrideInt(&cfg.Pipeline.RunTimeoutMS, "AVATAR_PIPELINE_RUN_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Enabled, "AVATAR_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "AVATAR_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "AVATAR_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "AVATAR_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "AVATAR_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "AVATAR_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "AVATAR_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "AVATAR_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.Persona, "AVATAR_LLM_PERSONA")
	overrideInt(&cfg.LLM.HistoryLimit, "AVATAR_LLM_HISTORY_LIMIT")
	overrideBool(&cfg.STT.Enabled, "AVATAR_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "AVATAR_STT_MODE")
	overrideString(&cfg.STT.Command, "AVATAR_STT_COMMAND")
	overrideString(&cfg.STT.Language, "AVATAR_STT_LANGUAGE")
	overrideString(&cfg.STT.UploadDir, "AVATAR_STT_UPLOAD_DIR")
	overrideString(&cfg.STT.DefaultModel, "AVATAR_STT_DEFAULT_MODEL")
	overrideBool(&cfg.Router.Enabled, "AVATAR_ROUTER_ENABLED")
	overrideString(&cfg.Router.DefaultLang, "AVATAR_ROUTER_DEFAULT_LANG")
	overrideString(&cfg.Router.DefaultSpeaker, "AVATAR_ROUTER_DEFAULT_SPEAKER")
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
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
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
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode == "persistent" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when retention_mode=persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Synth.Mode {
	case "gtts", "exec", "mock":
	default:
		return errors.New("synth.mode must be one of gtts|exec|mock")
	}
	if cfg.Synth.Mode != "mock" && strings.TrimSpace(cfg.Synth.Command) == "" {
		return fmt.Errorf("synth.command must be set when mode=%s", cfg.Synth.Mode)
	}
	if cfg.Synth.TimeoutMS <= 0 {
		return errors.New("synth.timeout_ms must be positive")
	}
	if cfg.Synth.RequestsPerMinute < 0 {
		return errors.New("synth.requests_per_minute must be >= 0")
	}
	if strings.TrimSpace(cfg.Audio.ConverterCommand) == "" {
		return errors.New("audio.converter_command must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Lipsync.ToolPath == "" {
		return errors.New("lipsync.tool_path must not be empty")
	}
	if cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty")
	}
	if cfg.Assets.CatalogPath == "" {
		return errors.New("assets.catalog_path must not be empty")
	}
	if cfg.Pipeline.MaxConcurrency <= 0 {
		return errors.New("pipeline.max_concurrency must be >= 1")
	}
	if cfg.Pipeline.QueueDepth < 0 {
		return errors.New("pipeline.queue_depth must be >= 0")
	}
	if cfg.Pipeline.RunTimeoutMS <= 0 {
		return errors.New("pipeline.run_timeout_ms must be positive")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.UploadDir == "" {
			return errors.New("stt.upload_dir must not be empty")
		}
	}
	if cfg.Router.Enabled && (!cfg.Bus.Enabled || !cfg.LLM.Enabled) {
		return errors.New("router.enabled requires bus.enabled and llm.enabled")
	}
	return nil
}
