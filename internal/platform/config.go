package platform

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigFile is the platform config file name flyctl looks for.
const DefaultConfigFile = "fly.toml"

// AppConfig is the subset of fly.toml flydo reads.
type AppConfig struct {
	App           string `toml:"app"`
	PrimaryRegion string `toml:"primary_region"`
	Build         struct {
		Image      string `toml:"image"`
		Dockerfile string `toml:"dockerfile"`
	} `toml:"build"`
}

// LoadAppConfig decodes the platform config file at path.
func LoadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg AppConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("failed to parse %s at line %d column %d: %w", path, row, col, err)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if cfg.App == "" {
		return nil, fmt.Errorf("%s does not set app", path)
	}
	return &cfg, nil
}
