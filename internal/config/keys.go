package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FOLIA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FOLIA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "FOLIA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "remote.endpoint", typ: kString, env: "FOLIA_REMOTE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Endpoint },
	},
	{
		key: "remote.token", typ: kString, env: "FOLIA_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "FOLIA_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "extraction.capability", typ: kString, env: "FOLIA_EXTRACTION_CAPABILITY",
		apply:   func(cfg *Config, v any) { cfg.Extraction.Capability = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.Capability },
	},
	{
		key: "extraction.low_confidence_threshold", typ: kFloat, env: "FOLIA_EXTRACTION_LOW_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Extraction.LowConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extraction.LowConfidenceThreshold },
	},
	{
		key: "extraction.gazetteer_path", typ: kString, env: "FOLIA_EXTRACTION_GAZETTEER_PATH",
		apply:   func(cfg *Config, v any) { cfg.Extraction.GazetteerPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.GazetteerPath },
	},
	{
		key: "extraction.docai_project", typ: kString, env: "FOLIA_EXTRACTION_DOCAI_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Extraction.DocAIProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.DocAIProject },
	},
	{
		key: "extraction.docai_location", typ: kString, env: "FOLIA_EXTRACTION_DOCAI_LOCATION",
		apply:   func(cfg *Config, v any) { cfg.Extraction.DocAILocation = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.DocAILocation },
	},
	{
		key: "extraction.docai_processor", typ: kString, env: "FOLIA_EXTRACTION_DOCAI_PROCESSOR",
		apply:   func(cfg *Config, v any) { cfg.Extraction.DocAIProcessor = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.DocAIProcessor },
	},
	{
		key: "extraction.ollama_url", typ: kString, env: "FOLIA_EXTRACTION_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.OllamaURL },
	},
	{
		key: "extraction.ollama_model", typ: kString, env: "FOLIA_EXTRACTION_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Extraction.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.OllamaModel },
	},
	{
		key: "sync.interval", typ: kDuration, env: "FOLIA_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.schedule", typ: kString, env: "FOLIA_SYNC_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Schedule },
	},
	{
		key: "sync.backoff_base", typ: kDuration, env: "FOLIA_SYNC_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffBase },
	},
	{
		key: "sync.backoff_cap", typ: kDuration, env: "FOLIA_SYNC_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.Sync.BackoffCap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.BackoffCap },
	},
	{
		key: "sync.batch_size", typ: kInt, env: "FOLIA_SYNC_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Sync.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.BatchSize },
	},
	{
		key: "events.redis_addr", typ: kString, env: "FOLIA_EVENTS_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Events.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.RedisAddr },
	},
	{
		key: "events.redis_channel", typ: kString, env: "FOLIA_EVENTS_REDIS_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Events.RedisChannel = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.RedisChannel },
	},
	{
		key: "hub.port", typ: kInt, env: "FOLIA_HUB_PORT",
		apply:   func(cfg *Config, v any) { cfg.Hub.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Hub.Port },
	},
	{
		key: "hub.dsn", typ: kString, env: "FOLIA_HUB_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Hub.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Hub.DSN },
	},
	{
		key: "hub.token", typ: kString, env: "FOLIA_HUB_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Hub.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Hub.Token },
	},
	{
		key: "pipeline.concurrency", typ: kInt, env: "FOLIA_PIPELINE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Concurrency },
	},
}

// parseValue converts raw into the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
