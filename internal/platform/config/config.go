// Package config loads YAML configuration documents with environment
// overrides, the same koanf stack the teacher uses in pkg/config.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads the YAML file at path (if it exists) and overlays any
// environment variables prefixed with envPrefix (e.g. "NODE_SERVER__ADDR"
// maps to "server.addr" using "__" as a nesting delimiter), then
// unmarshals into dst. dst must be a pointer to a struct with `yaml` tags.
//
// A missing file is not an error — the env layer and the zero-value
// defaults already present on dst still apply, matching how operators
// commonly run both binaries purely from environment variables in
// containers.
func Load(path string, envPrefix string, dst any) error {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if envPrefix != "" {
		err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
			s = strings.TrimPrefix(s, envPrefix)
			return strings.ToLower(strings.ReplaceAll(s, "__", "."))
		}), nil)
		if err != nil {
			return fmt.Errorf("config: load env: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", dst, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	return nil
}

// MustEnv returns the env var if set, else def — identical contract to
// the teacher's pkg/config.MustEnv.
func MustEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
