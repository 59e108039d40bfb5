package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	envPrefix         = "APPLAUDECTL_"
	defaultConfigFile = "applaudectl.yaml"

	outputJSON = "json"
	outputYAML = "yaml"
)

type cliConfig struct {
	Server  string        `koanf:"server"`
	Token   string        `koanf:"token"`
	Account string        `koanf:"account"`
	Output  string        `koanf:"output"`
	Timeout time.Duration `koanf:"timeout"`
	Retry   time.Duration `koanf:"retry"`
}

// loadConfig layers defaults, the YAML config file, APPLAUDECTL_* env and explicitly set flags,
// in increasing precedence.
func loadConfig(cfgFile string, flags *pflag.FlagSet) (cliConfig, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]any{
		"server":  "http://localhost:8080",
		"output":  outputJSON,
		"timeout": "30s",
		"retry":   "15s",
	}, "."), nil); err != nil {
		return cliConfig{}, fmt.Errorf("load defaults: %w", err)
	}

	explicit := strings.TrimSpace(cfgFile) != ""
	if !explicit {
		cfgFile = defaultConfigFile
	}
	if _, err := os.Stat(cfgFile); err == nil {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return cliConfig{}, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	} else if explicit {
		return cliConfig{}, fmt.Errorf("config file %s: %w", cfgFile, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return cliConfig{}, fmt.Errorf("load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return cliConfig{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg cliConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Output = strings.ToLower(strings.TrimSpace(cfg.Output))
	if err := cfg.validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func (c cliConfig) validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("server is required")
	}
	switch c.Output {
	case outputJSON, outputYAML:
	default:
		return fmt.Errorf("output must be json or yaml (got %q)", c.Output)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if c.Retry < 0 {
		return errors.New("retry must be >= 0")
	}
	return nil
}
