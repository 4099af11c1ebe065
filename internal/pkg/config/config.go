// Package config loads protocol defaults from an optional YAML file and
// ARBITER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/vreid/arbiter/internal/pkg/bits"
)

const EnvPrefix = "ARBITER_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Protocol ProtocolConfig `koanf:"protocol"`
	Log      LogConfig      `koanf:"log"`
	Keeper   KeeperConfig   `koanf:"keeper"`
}

type ProtocolConfig struct {
	CommitDuration time.Duration `koanf:"commit_duration"`
	RevealDuration time.Duration `koanf:"reveal_duration"`
	MatchDuration  time.Duration `koanf:"match_duration"`
	EngineAttempts int           `koanf:"engine_attempts"`
	ScoreField     bits.Field    `koanf:"score_field"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type KeeperConfig struct {
	Interval time.Duration `koanf:"interval"`
}

func defaults() map[string]any {
	return map[string]any{
		"protocol.commit_duration":    "5m",
		"protocol.reveal_duration":    "5m",
		"protocol.match_duration":     "30m",
		"protocol.engine_attempts":    3,
		"protocol.score_field.offset": 0,
		"protocol.score_field.width":  64,
		"log.level":                   "info",
		"log.format":                  "json",
		"keeper.interval":             "5s",
	}
}

func (cfg *Config) Validate() error {
	if cfg.Protocol.CommitDuration <= 0 {
		return fmt.Errorf("%w: protocol.commit_duration must be positive", ErrInvalidConfig)
	}

	if cfg.Protocol.RevealDuration <= 0 {
		return fmt.Errorf("%w: protocol.reveal_duration must be positive", ErrInvalidConfig)
	}

	if cfg.Protocol.MatchDuration <= 0 {
		return fmt.Errorf("%w: protocol.match_duration must be positive", ErrInvalidConfig)
	}

	if cfg.Protocol.EngineAttempts < 1 {
		return fmt.Errorf("%w: protocol.engine_attempts must be at least 1", ErrInvalidConfig)
	}

	err := cfg.Protocol.ScoreField.Validate()
	if err != nil {
		return fmt.Errorf("%w: protocol.score_field: %w", ErrInvalidConfig, err)
	}

	if cfg.Keeper.Interval <= 0 {
		return fmt.Errorf("%w: keeper.interval must be positive", ErrInvalidConfig)
	}

	return nil
}

// Load layers defaults, the YAML file at path (skipped when empty) and the
// environment. `__` in a variable name is the hierarchy delimiter, so
// ARBITER_PROTOCOL__ENGINE_ATTEMPTS sets protocol.engine_attempts.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	err := k.Load(confmap.Provider(defaults(), "."), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		err = k.Load(file.Provider(path), yaml.Parser())
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config

	err = k.Unmarshal("", &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
