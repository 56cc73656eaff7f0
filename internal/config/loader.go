package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix stripped from environment variables consumed by
// Load, e.g. RAKETH_QUEUE__MAX_SIZE -> queue.max_size.
const EnvPrefix = "RAKETH_"

// Load builds a Config by layering, in increasing precedence:
//  1. Default()
//  2. the YAML file at path, if path is non-empty and exists
//  3. environment variables prefixed with EnvPrefix
//
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", normalizeEnvKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UnmarshalKoanfInto binds an already-loaded koanf key space onto cfg, the
// same unmarshal step Load performs after merging its layers.
func UnmarshalKoanfInto(k *koanf.Koanf, cfg *Config) error {
	return k.Unmarshal("", cfg)
}

// normalizeEnvKey converts RAKETH_QUEUE__MAX_SIZE into queue.max_size.
func normalizeEnvKey(s string) string {
	s = trimPrefix(s, EnvPrefix)
	return toLowerDotted(s)
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// toLowerDotted lowercases an env-style key. Section separators use a double
// underscore (RAKETH_QUEUE__MAX_SIZE -> queue.max_size) so single-underscore
// multi-word field names (chunk_size, max_size, ...) survive intact.
func toLowerDotted(s string) string {
	lower := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			lower[i] = c - 'A' + 'a'
		} else {
			lower[i] = c
		}
	}
	replaced := ""
	for i := 0; i < len(lower); i++ {
		if i+1 < len(lower) && lower[i] == '_' && lower[i+1] == '_' {
			replaced += "."
			i++
			continue
		}
		replaced += string(lower[i])
	}
	return replaced
}
