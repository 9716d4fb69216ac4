package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	Log     LogConfig
	Coach   CoachConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
}

type LogConfig struct {
	Level string
}

// CoachConfig bounds each chat turn and the context sent with it.
type CoachConfig struct {
	MaxTurnChars      int
	StreamIdleTimeout time.Duration
	FootprintTokens   int
	HistoryTurns      int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-sonnet-4",
		},
		Log: LogConfig{
			Level: "info",
		},
		Coach: CoachConfig{
			MaxTurnChars:      64 << 10,
			StreamIdleTimeout: 60 * time.Second,
			FootprintTokens:   4000,
			HistoryTurns:      20,
		},
	}
}

// envFileName is read from the working directory unless PCOACH_ENV_FILE
// points elsewhere.
const envFileName = ".env"

// Load builds the configuration from, in increasing precedence: defaults,
// the JSON config file at $XDG_CONFIG_HOME/profilecoach/config.json, a .env
// file and PCOACH_* environment variables. The OpenRouter key may also come
// from the secrets file.
//
// Load does not require the OpenRouter key; call Validate before serving.
func Load() (Config, error) {
	envFile := os.Getenv("PCOACH_ENV_FILE")
	if envFile == "" {
		envFile = envFileName
	}
	return loadWith(newPlatformBackend(), NewSecretStore(), envFile)
}

func loadWith(b ConfigBackend, secrets SecretStore, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	if cfg.Proxy.OpenRouterAPIKey == "" && secrets != nil {
		if key, err := secrets.Get(secretService, accountOpenRouter); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}
	return cfg, nil
}

// readEnvFile parses a dotenv file without touching the process environment.
// A missing file is not an error.
func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vals, nil
}

// Validate reports settings the server cannot run without.
func (c Config) Validate() error {
	if c.Proxy.OpenRouterAPIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. "+
			"Set PCOACH_OPENROUTER_API_KEY in the environment or a .env file, "+
			"or store it in %s", secretsFilePath())
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
