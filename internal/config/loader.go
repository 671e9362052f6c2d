package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAvailableLanguages is the visitor-language catalogue used when the
// config file does not provide one.
var DefaultAvailableLanguages = []string{
	"arabic", "english", "french", "german", "polish",
	"spanish", "turkish", "ukrainian",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills omitted fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Languages.Available) == 0 {
		cfg.Languages.Available = slices.Clone(DefaultAvailableLanguages)
	}
	if cfg.Languages.Visitor == "" {
		cfg.Languages.Visitor = cfg.Languages.Available[0]
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Store
	if cfg.Store.PersistTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("store.persist_timeout_seconds %d is negative", cfg.Store.PersistTimeoutSeconds))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversations will not be persisted")
	}

	// Languages
	if cfg.Languages.Staff == "" {
		errs = append(errs, errors.New("languages.staff is required"))
	}
	seen := make(map[string]int, len(cfg.Languages.Available))
	for i, lang := range cfg.Languages.Available {
		prefix := fmt.Sprintf("languages.available[%d]", i)
		if strings.TrimSpace(lang) == "" {
			errs = append(errs, fmt.Errorf("%s is empty", prefix))
			continue
		}
		if prev, dup := seen[lang]; dup {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of languages.available[%d]", prefix, lang, prev))
		}
		seen[lang] = i
	}
	if cfg.Languages.Visitor != "" && !slices.Contains(cfg.Languages.Available, cfg.Languages.Visitor) {
		errs = append(errs, fmt.Errorf("languages.visitor %q is not in languages.available", cfg.Languages.Visitor))
	}
	if cfg.Languages.Staff != "" && slices.Contains(cfg.Languages.Available, cfg.Languages.Staff) {
		slog.Warn("staff language also appears in the visitor catalogue",
			"language", cfg.Languages.Staff,
		)
	}

	return errors.Join(errs...)
}
