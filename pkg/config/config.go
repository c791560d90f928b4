// Package config loads the tubechat configuration: a YAML file overlaid by TUBECHAT_*
// environment variables. Command line flags are applied last by the commands themselves.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/kv"
	"github.com/go-go-golems/tubechat/pkg/lifecycle"
)

const (
	BusLocal     = "local"
	BusWatermill = "watermill"

	EnvPrefix = "TUBECHAT_"
)

type Backend struct {
	URL      string           `yaml:"url"`
	Timeouts backend.Timeouts `yaml:"timeouts"`
}

type Bus struct {
	Driver     string            `yaml:"driver"`
	AckTimeout time.Duration     `yaml:"ack_timeout"`
	Redis      bus.RedisSettings `yaml:"redis"`
}

type Server struct {
	Addr        string        `yaml:"addr"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	Backend        Backend               `yaml:"backend"`
	Storage        kv.Config             `yaml:"storage"`
	Bus            Bus                   `yaml:"bus"`
	Server         Server                `yaml:"server"`
	HealthInterval time.Duration         `yaml:"health_interval"`
	Retry          lifecycle.RetryPolicy `yaml:"retry"`
}

func Default() Config {
	return Config{
		Backend: Backend{URL: backend.DefaultBaseURL, Timeouts: backend.DefaultTimeouts()},
		Storage: kv.DefaultConfig(),
		Bus: Bus{
			Driver:     BusLocal,
			AckTimeout: 500 * time.Millisecond,
			Redis:      bus.DefaultRedisSettings(),
		},
		Server:         Server{Addr: ":8765", IdleTimeout: 5 * time.Minute},
		HealthInterval: 30 * time.Second,
		Retry:          lifecycle.DefaultRetryPolicy(),
	}
}

// DefaultPath is $XDG_CONFIG_HOME/tubechat/config.yaml, falling back to the OS config dir.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		d, err := os.UserConfigDir()
		if err != nil {
			return ""
		}
		dir = d
	}
	return filepath.Join(dir, "tubechat", "config.yaml")
}

// Load reads path over the defaults and applies the environment. A missing file is not an
// error; an empty path means DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parse config %s", path)
			}
		case !os.IsNotExist(err):
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays TUBECHAT_* variables looked up through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*dst = d
		return nil
	}

	str("BACKEND_URL", &c.Backend.URL)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("BUS_DRIVER", &c.Bus.Driver)
	str("SERVER_ADDR", &c.Server.Addr)
	if v, ok := lookup(EnvPrefix + "REDIS_ADDR"); ok {
		c.Bus.Redis.Addr = v
	}
	if v, ok := lookup(EnvPrefix + "BUS_REDIS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sBUS_REDIS", EnvPrefix)
		}
		c.Bus.Redis.Enabled = b
	}
	for name, dst := range map[string]*time.Duration{
		"HEALTH_INTERVAL":  &c.HealthInterval,
		"BUS_ACK_TIMEOUT":  &c.Bus.AckTimeout,
		"STREAM_TIMEOUT":   &c.Backend.Timeouts.Stream,
		"PROCESS_TIMEOUT":  &c.Backend.Timeouts.Process,
		"QUESTION_TIMEOUT": &c.Backend.Timeouts.Question,
		"HEALTH_TIMEOUT":   &c.Backend.Timeouts.Health,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Bus.Driver) {
	case BusLocal, BusWatermill:
	default:
		return errors.Errorf("bus driver %q is not one of %s, %s", c.Bus.Driver, BusLocal, BusWatermill)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case kv.DriverMemory, kv.DriverSQLite, kv.DriverRedis:
	default:
		return errors.Errorf("storage driver %q is not one of memory, sqlite, redis", c.Storage.Driver)
	}
	if c.HealthInterval <= 0 {
		return errors.New("health_interval must be positive")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("retry.attempts must not be negative")
	}
	return nil
}

// Save writes c as YAML, creating the directory.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write config")
}
