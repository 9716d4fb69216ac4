package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "PCOACH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PCOACH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "PCOACH_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "PCOACH_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "log.level", typ: kString, env: "PCOACH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "coach.max_turn_chars", typ: kInt, env: "PCOACH_COACH_MAX_TURN_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Coach.MaxTurnChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Coach.MaxTurnChars },
	},
	{
		key: "coach.stream_idle_timeout", typ: kDuration, env: "PCOACH_COACH_STREAM_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Coach.StreamIdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Coach.StreamIdleTimeout },
	},
	{
		key: "coach.footprint_tokens", typ: kInt, env: "PCOACH_COACH_FOOTPRINT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Coach.FootprintTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Coach.FootprintTokens },
	},
	{
		key: "coach.history_turns", typ: kInt, env: "PCOACH_COACH_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Coach.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Coach.HistoryTurns },
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					slog.Warn("could not parse duration from config key, using default", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

// applyEnvOverrides applies every key whose env variable lookup returns a
// non-empty value.
func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
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
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("could not parse duration from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
