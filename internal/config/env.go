package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvToken       = "LOVEBOT_TELEGRAM_TOKEN"
	envTokenLegacy = "TELOXIDE_TOKEN"
)

// LoadDotEnv loads KEY=VALUE pairs from path (default ".env") into the
// process environment. Variables that are already set are kept; a missing
// file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &Error{Path: path, Err: err}
	}
	return nil
}

// applyEnv overlays secrets from the environment onto cfg.
func applyEnv(cfg *Config) {
	for _, k := range []string{EnvToken, envTokenLegacy} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			cfg.Telegram.Token = v
			return
		}
	}
}
