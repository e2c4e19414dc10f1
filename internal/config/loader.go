package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// EnvPrefix marks environment overrides. A double underscore separates
// levels: RESCACHE_CACHE__CAPACITY sets cache.capacity.
const EnvPrefix = "RESCACHE_"

var (
	current  atomic.Pointer[Config]
	validate = validator.New()
)

// Load builds a Config from three layers, highest precedence last:
// Default(), the YAML file at path (skipped when path is empty) and
// RESCACHE_ environment variables. The result is validated and stored for Get.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		zap.S().Debugw("config yaml loaded", "file", path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env overlay: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	current.Store(&cfg)
	zap.S().Infow("config loaded",
		"capacity", cfg.Cache.Capacity,
		"listen_addr", cfg.HTTP.ListenAddr,
		"workers", cfg.Sim.Workers,
	)
	return &cfg, nil
}

// envKey maps RESCACHE_CACHE__MAX_DEAD_CAPACITY to cache.max_dead_capacity.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(s, "__", "."))
}

// Get returns the last loaded Config, or nil before the first Load.
func Get() *Config { return current.Load() }
