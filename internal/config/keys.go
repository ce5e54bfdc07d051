package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "CASELINE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "CASELINE_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CASELINE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CASELINE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "intel.base_url", typ: kString, env: "CASELINE_INTEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Intel.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Intel.BaseURL },
	},
	{
		key: "intel.api_key", typ: kString, env: "CASELINE_INTEL_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Intel.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Intel.APIKey },
	},
	{
		key: "coordinator.max_concurrent", typ: kInt, env: "CASELINE_COORDINATOR_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Coordinator.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Coordinator.MaxConcurrent },
	},
	{
		key: "coordinator.analyzer_timeout", typ: kString, env: "CASELINE_COORDINATOR_ANALYZER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Coordinator.AnalyzerTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Coordinator.AnalyzerTimeout },
	},
	{
		key: "coordinator.analyzers", typ: kString, env: "CASELINE_COORDINATOR_ANALYZERS",
		apply:   func(cfg *Config, v any) { cfg.Coordinator.Analyzers = v.(string) },
		extract: func(cfg Config) any { return cfg.Coordinator.Analyzers },
	},
	{
		key: "coordinator.analyzer_api_key", typ: kString, env: "CASELINE_COORDINATOR_ANALYZER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Coordinator.AnalyzerAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Coordinator.AnalyzerAPIKey },
	},
	{
		key: "polling.cache_ttl", typ: kString, env: "CASELINE_POLLING_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Polling.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Polling.CacheTTL },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
