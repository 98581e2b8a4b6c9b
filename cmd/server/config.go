package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port       string `yaml:"port"`
	BackendURL string `yaml:"backendURL"`
	DBPath     string `yaml:"dbPath"`
	LogLevel   string `yaml:"logLevel"`
}

const (
	defaultPort       = "8080"
	defaultBackendURL = "http://127.0.0.1:8000/chat/stream"
)

// loadConfig reads the YAML file at path, then applies the environment overrides read through
// getenv. A missing file leaves the defaults in place.
func loadConfig(path string, getenv func(string) string) (config, error) {
	cfg := config{
		Port:       defaultPort,
		BackendURL: defaultBackendURL,
		LogLevel:   "info",
	}

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := getenv("JAYCHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("JAYCHAT_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := getenv("JAYCHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if cfg.Port == "" {
		return config{}, fmt.Errorf("port is required")
	}
	u, err := url.Parse(cfg.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return config{}, fmt.Errorf("invalid backend url %q", cfg.BackendURL)
	}

	return cfg, nil
}

func (c config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
