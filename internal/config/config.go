// Package config loads flydo settings from defaults, an optional flydo.toml in
// the project root, a .env file, FLYDO_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/picklr-io/flydo/internal/container"
	"github.com/picklr-io/flydo/internal/platform"
	"github.com/picklr-io/flydo/internal/state"
)

const (
	// FileName is the optional project config file.
	FileName = "flydo.toml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FLYDO"
)

// Config holds the resolved settings.
type Config struct {
	StateFile          string   `mapstructure:"state_file"`
	StateEncryptionKey string   `mapstructure:"state_encryption_key"`
	Builder            string   `mapstructure:"builder"`
	Platform           string   `mapstructure:"platform"`
	Dockerfile         string   `mapstructure:"dockerfile"`
	Registry           string   `mapstructure:"registry"`
	RegistryUser       string   `mapstructure:"registry_user"`
	TokenTTL           string   `mapstructure:"token_ttl"`
	ImageSuffix        string   `mapstructure:"image_suffix"`
	Runner             string   `mapstructure:"runner"`
	Fly                string   `mapstructure:"fly"`
	FlyConfig          string   `mapstructure:"fly_config"`
	Exclude            []string `mapstructure:"exclude"`
	LogLevel           string   `mapstructure:"log_level"`
	LogFormat          string   `mapstructure:"log_format"`
	NoColor            bool     `mapstructure:"no_color"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		StateFile:    state.DefaultFileName,
		Builder:      container.Podman,
		Platform:     container.DefaultPlatform,
		Dockerfile:   container.DefaultDockerfile,
		Registry:     platform.DefaultRegistry,
		RegistryUser: "x",
		TokenTTL:     "24h",
		ImageSuffix:  platform.DefaultImageSuffix,
		Runner:       "bun run",
		Fly:          platform.DefaultBinary,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"state-file": "state_file",
	"builder":    "builder",
	"fly-config": "fly_config",
	"log-level":  "log_level",
	"log-format": "log_format",
	"no-color":   "no_color",
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Root is the project root holding flydo.toml and .env.
	Root string
	// Flags, when set, override every other source for the keys in flagKeys
	// that were explicitly changed.
	Flags *pflag.FlagSet
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadDotEnv(filepath.Join(opts.Root, ".env")); err != nil {
		return nil, err
	}

	v := viper.New()

	defaults := Default()
	v.SetDefault("state_file", defaults.StateFile)
	v.SetDefault("state_encryption_key", "")
	v.SetDefault("builder", defaults.Builder)
	v.SetDefault("platform", defaults.Platform)
	v.SetDefault("dockerfile", defaults.Dockerfile)
	v.SetDefault("registry", defaults.Registry)
	v.SetDefault("registry_user", defaults.RegistryUser)
	v.SetDefault("token_ttl", defaults.TokenTTL)
	v.SetDefault("image_suffix", defaults.ImageSuffix)
	v.SetDefault("runner", defaults.Runner)
	v.SetDefault("fly", defaults.Fly)
	v.SetDefault("fly_config", "")
	v.SetDefault("exclude", []string{})
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("no_color", false)

	file := filepath.Join(opts.Root, FileName)
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv exports the variables in path without overriding the real
// environment. A missing file is fine.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

var builders = []string{container.Podman, container.Docker, container.DockerAPI}

// Validate checks values that would otherwise fail deep inside a task.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(builders, c.Builder) {
		errs = append(errs, fmt.Errorf("builder %q: want one of %s", c.Builder, strings.Join(builders, ", ")))
	}
	if _, err := container.ParsePlatform(c.Platform); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.ParseDuration(c.TokenTTL); err != nil {
		errs = append(errs, fmt.Errorf("token_ttl %q: %w", c.TokenTTL, err))
	}
	if len(c.RunnerArgs()) == 0 {
		errs = append(errs, errors.New("runner must not be empty"))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file must not be empty"))
	}
	if c.Fly == "" {
		errs = append(errs, errors.New("fly must not be empty"))
	}
	for _, p := range c.Exclude {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("exclude pattern %q: %w", p, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RunnerArgs splits the runner command into argv.
func (c *Config) RunnerArgs() []string {
	return strings.Fields(c.Runner)
}
