// Package config loads registration specs from defaults, a YAML or JSON
// file, environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/descentreg/internal/registration"
)

// EnvPrefix prefixes environment overrides, e.g.
// DESCENTREG_OPTIMIZER_ITERATIONS=500.
const EnvPrefix = "DESCENTREG"

// New returns a viper instance seeded with registration.DefaultSpec and
// bound to the environment.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := toMap(registration.DefaultSpec())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v, nil
}

// Load reads path, if given, into v and decodes the merged settings.
func Load(v *viper.Viper, path string) (registration.Spec, error) {
	var spec registration.Spec

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return spec, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&spec); err != nil {
		return spec, fmt.Errorf("decode config: %w", err)
	}

	// Explicit points replace the default synthetic circle unless the file
	// asks for both.
	if len(spec.Fixed) > 0 && !v.InConfig("synthetic") {
		spec.Synthetic = nil
	}

	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("invalid config: %w", err)
	}
	return spec, nil
}

// LoadFile is Load with a fresh instance.
func LoadFile(path string) (registration.Spec, error) {
	v, err := New()
	if err != nil {
		return registration.Spec{}, err
	}
	return Load(v, path)
}

// Dump writes spec as YAML.
func Dump(w io.Writer, spec registration.Spec) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return err
	}
	return enc.Close()
}

func toMap(spec registration.Spec) (map[string]any, error) {
	b, err := yaml.Marshal(spec)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
