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
		key: "server.port", typ: kInt, env: "AVISOD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "AVISOD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "portal.base_url", typ: kString, env: "AVISOD_PORTAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Portal.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.BaseURL },
	},
	{
		key: "portal.user", typ: kString, env: "AVISOD_PORTAL_USER",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Portal.User = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.User },
	},
	{
		key: "portal.pass", typ: kString, env: "AVISOD_PORTAL_PASS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Portal.Pass = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.Pass },
	},
	{
		key: "portal.provider", typ: kString, env: "AVISOD_PORTAL_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Portal.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.Provider },
	},
	{
		key: "portal.timeout_seconds", typ: kInt, env: "AVISOD_PORTAL_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Portal.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Portal.TimeoutSeconds },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AVISOD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "downstream.db_path", typ: kString, env: "AVISOD_DOWNSTREAM_DB_PATH",
		apply:   func(cfg *Config, v any) { cfg.Downstream.DBPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Downstream.DBPath },
	},
	{
		key: "downstream.batch_size", typ: kInt, env: "AVISOD_DOWNSTREAM_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Downstream.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Downstream.BatchSize },
	},
	{
		key: "reconcile.interval_minutes", typ: kInt, env: "AVISOD_RECONCILE_INTERVAL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Reconcile.IntervalMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Reconcile.IntervalMinutes },
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
