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
		key: "server.port", typ: kInt, env: "LECTERN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "LECTERN_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "canvas.base_url", typ: kString, env: "LECTERN_CANVAS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Canvas.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Canvas.BaseURL },
	},
	{
		key: "canvas.token", typ: kString, env: "LECTERN_CANVAS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Canvas.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Canvas.Token },
	},
	{
		key: "llm.base_url", typ: kString, env: "LECTERN_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "LECTERN_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "LECTERN_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.fast_model", typ: kString, env: "LECTERN_LLM_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.FastModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.FastModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "LECTERN_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.transcribe_model", typ: kString, env: "LECTERN_LLM_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.TranscribeModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.TranscribeModel },
	},
	{
		key: "dashboard.max_concurrent", typ: kInt, env: "LECTERN_DASHBOARD_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Dashboard.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Dashboard.MaxConcurrent },
	},
	{
		key: "dashboard.max_courses", typ: kInt, env: "LECTERN_DASHBOARD_MAX_COURSES",
		apply:   func(cfg *Config, v any) { cfg.Dashboard.MaxCourses = v.(int) },
		extract: func(cfg Config) any { return cfg.Dashboard.MaxCourses },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LECTERN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LECTERN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
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
