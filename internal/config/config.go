package config

import "fmt"

type Config struct {
	Server    ServerConfig
	Canvas    CanvasConfig
	LLM       LLMConfig
	Dashboard DashboardConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type CanvasConfig struct {
	BaseURL string
	Token   string
}

type LLMConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	FastModel       string
	EmbedModel      string
	TranscribeModel string
}

type DashboardConfig struct {
	MaxConcurrent int
	MaxCourses    int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			Model:           "anthropic/claude-sonnet-4",
			FastModel:       "openai/gpt-4o-mini",
			EmbedModel:      "openai/text-embedding-3-small",
			TranscribeModel: "openai/whisper-1",
		},
		Dashboard: DashboardConfig{
			MaxConcurrent: 6,
			MaxCourses:    15,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.lectern.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/lectern/config.json
// and secrets fall back to $XDG_DATA_HOME/lectern/secrets.json.
//
// Environment variables (LECTERN_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets fall back to the platform keychain.
	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get(keychainService, AccountLLMAPIKey); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}
	if cfg.Canvas.Token == "" {
		if tok, err := kc.Get(keychainService, AccountCanvasToken); err == nil && tok != "" {
			cfg.Canvas.Token = tok
		}
	}

	if cfg.LLM.APIKey == "" {
		msg := "missing required config: LLM API key. " +
			"Set it via environment variable LECTERN_LLM_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	return keychainGet(service, account)
}
