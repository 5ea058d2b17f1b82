package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "env:"

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// resolveSecrets replaces "env:NAME" references in secret fields.
func resolveSecrets(cfg *Config) error {
	fields := []struct {
		path string
		v    *string
	}{
		{"telegram.token", &cfg.Telegram.Token},
		{"storage.dsn", &cfg.Storage.DSN},
		{"ops.token", &cfg.Ops.Token},
	}
	for _, f := range fields {
		v, err := resolveEnvRef(f.path, *f.v)
		if err != nil {
			return err
		}
		*f.v = v
	}
	return nil
}

func resolveEnvRef(path, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, envPrefix) {
		return raw, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(s, envPrefix))
	if name == "" {
		return "", fmt.Errorf("%s: empty env reference", path)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%s: env %s is not set", path, name)
	}
	return v, nil
}
