package run

import (
	"time"

	"github.com/influxdata/influxdb/toml"
	"github.com/pkg/errors"

	"github.com/telemetria/backflux/services/logging"
)

// DefaultConfigDir is where job documents are searched when neither the
// -dir flag, $CONFIG_DIR nor the daemon config name a directory.
const DefaultConfigDir = "/config"

// Config is the daemon configuration of the orchestrator.
type Config struct {
	// ConfigDir holds the job YAML documents, one per worker.
	ConfigDir string `toml:"config-dir"`

	// ShutdownTimeout bounds how long workers may keep running after a
	// shutdown signal before they are killed.
	ShutdownTimeout toml.Duration `toml:"shutdown-timeout"`

	Logging logging.Config `toml:"logging"`
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	return &Config{
		ConfigDir:       DefaultConfigDir,
		ShutdownTimeout: toml.Duration(30 * time.Second),
		Logging:         logging.NewConfig(),
	}
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return errors.New("must configure config-dir")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown-timeout must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}
