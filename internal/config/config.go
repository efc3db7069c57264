package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/folia/internal/records"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Remote     RemoteConfig
	Extraction ExtractionConfig
	Sync       SyncConfig
	Events     EventsConfig
	Hub        HubConfig
	Pipeline   PipelineConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RemoteConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

type ExtractionConfig struct {
	Capability             string
	LowConfidenceThreshold float64
	GazetteerPath          string
	DocAIProject           string
	DocAILocation          string
	DocAIProcessor         string
	OllamaURL              string
	OllamaModel            string
}

// LLMEnabled reports whether an Ollama model is configured.
func (e ExtractionConfig) LLMEnabled() bool {
	return e.OllamaModel != ""
}

// OCREnabled reports whether a Document AI processor is configured.
func (e ExtractionConfig) OCREnabled() bool {
	return e.DocAIProject != "" && e.DocAIProcessor != ""
}

type SyncConfig struct {
	Interval    time.Duration
	Schedule    string
	BackoffBase time.Duration
	BackoffCap  time.Duration
	BatchSize   int
}

type EventsConfig struct {
	RedisAddr    string
	RedisChannel string
}

type HubConfig struct {
	Port  int
	DSN   string
	Token string
}

type PipelineConfig struct {
	Concurrency int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Extraction: ExtractionConfig{
			Capability:             "rules",
			LowConfidenceThreshold: records.DefaultLowConfidenceThreshold,
			DocAILocation:          "us",
			OllamaURL:              "http://localhost:11434",
		},
		Sync: SyncConfig{
			Interval:    5 * time.Minute,
			BackoffBase: 2 * time.Second,
			BackoffCap:  5 * time.Minute,
			BatchSize:   100,
		},
		Events: EventsConfig{
			RedisChannel: "folia:status",
		},
		Hub: HubConfig{
			Port: 4200,
		},
		Pipeline: PipelineConfig{
			Concurrency: 4,
		},
	}
}

// Load reads configuration from the config file, environment variables,
// and the secrets file.
//
// The config file is YAML at $XDG_CONFIG_HOME/folia/config.yaml.
// Environment variables (FOLIA_*) override backend values. Secrets
// (remote.token, hub.token) are never read from the backend; when the
// environment leaves them empty they fall back to the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.Token == "" {
		if v, err := secrets.Get("remote_token"); err == nil {
			cfg.Remote.Token = v
		}
	}
	if cfg.Hub.Token == "" {
		if v, err := secrets.Get("hub_token"); err == nil {
			cfg.Hub.Token = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that the rest of the program relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Extraction.Capability {
	case "":
		errs = append(errs, errors.New("extraction.capability must not be empty"))
	case "docai":
		if !c.Extraction.OCREnabled() {
			errs = append(errs, errors.New("extraction.capability docai needs extraction.docai_project and extraction.docai_processor"))
		}
	case "llm":
		if !c.Extraction.LLMEnabled() {
			errs = append(errs, errors.New("extraction.capability llm needs extraction.ollama_model"))
		}
	}
	if t := c.Extraction.LowConfidenceThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("extraction.low_confidence_threshold %v must be in (0, 1]", t))
	}
	if c.Sync.Interval <= 0 && c.Sync.Schedule == "" {
		errs = append(errs, errors.New("one of sync.interval or sync.schedule is required"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("sync.backoff_base %s and sync.backoff_cap %s are inconsistent",
			c.Sync.BackoffBase, c.Sync.BackoffCap))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size %d must be positive", c.Sync.BatchSize))
	}
	if c.Pipeline.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency %d must be positive", c.Pipeline.Concurrency))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// AppConfiguration is the snapshot handed to the pipeline and the UI.
func (c Config) AppConfiguration() records.AppConfiguration {
	return records.AppConfiguration{
		RemoteEndpoint:         c.Remote.Endpoint,
		Capability:             c.Extraction.Capability,
		SyncInterval:           c.Sync.Interval,
		LowConfidenceThreshold: c.Extraction.LowConfidenceThreshold,
	}
}
