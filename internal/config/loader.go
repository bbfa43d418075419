package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/afero"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REDGREEN_"

const maxConfigFileSize = 1 << 20

// legacyEnv maps the older unprefixed variables to their keys. Prefixed
// variables take precedence.
var legacyEnv = map[string]string{
	"MAX_REVIEW_ITERATIONS":  "loops.review",
	"MAX_GREEN_FIX_ATTEMPTS": "loops.green_fix",
	"PIPELINE_MODEL":         "models.pipeline",
	"REPORT_MODEL":           "models.report",
	"SUMMARIZE_MODEL":        "models.summarize",
}

// Load builds the configuration from defaults, a YAML file and the
// environment, in that order. An explicit path must exist; otherwise
// ./redgreen.yaml and then ~/.redgreen/config.yaml are tried.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	k := koanf.New(".")

	file, err := findConfig(fs, path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		data, err := readConfig(fs, file)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", file, err)
		}
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("applying %s: %w", name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Project.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Project.Root = wd
		}
	}
	if abs, err := filepath.Abs(cfg.Project.Root); err == nil {
		cfg.Project.Root = abs
	}
	return cfg, nil
}

// envKey maps REDGREEN_LOOPS_GREEN_FIX to loops.green_fix: the first
// segment is the section, the rest is the field name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

func findConfig(fs afero.Fs, path string) (string, error) {
	if path != "" {
		if ok, _ := afero.Exists(fs, path); !ok {
			return "", fmt.Errorf("config file %s not found", path)
		}
		return path, nil
	}
	candidates := []string{"redgreen.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".redgreen", "config.yaml"))
	}
	for _, c := range candidates {
		if ok, _ := afero.Exists(fs, c); ok {
			return c, nil
		}
	}
	return "", nil
}

func readConfig(fs afero.Fs, path string) ([]byte, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return data, nil
}

func defaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "redgreen.db"
	}
	return filepath.Join(home, ".redgreen", "redgreen.db")
}

func defaultRunsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "runs"
	}
	return filepath.Join(home, ".redgreen", "runs")
}

// ReadPolicy returns the Rego module named by guard.policy_file, or "" when
// none is configured.
func (c *Config) ReadPolicy(fs afero.Fs) (string, error) {
	if c.Guard.PolicyFile == "" {
		return "", nil
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, c.Guard.PolicyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("policy file %s not found", c.Guard.PolicyFile)
		}
		return "", fmt.Errorf("reading policy file: %w", err)
	}
	return string(data), nil
}
