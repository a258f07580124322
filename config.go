package fsm

import (
	"errors"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/samuel-1-avson/fsm/pkg/logging"
)

// ErrInvalidConfig is returned when the environment configuration cannot be
// parsed
var ErrInvalidConfig = errors.New("invalid state machine configuration")

// Config is the environment configuration of a graph
type Config struct {
	MaxInternalSteps  int    `env:"FSM_MAX_INTERNAL_STEPS" envDefault:"100"`
	RunInitialEntry   bool   `env:"FSM_RUN_INITIAL_ENTRY" envDefault:"true"`
	HaltOnActionError bool   `env:"FSM_HALT_ON_ACTION_ERROR" envDefault:"false"`
	LogLevel          string `env:"FSM_LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"FSM_LOG_FORMAT" envDefault:"text"`
}

// LoadConfig parses the configuration from the environment
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Join(ErrInvalidConfig, err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, errors.Join(ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Options turns the configuration into graph options. The logger writes to
// stderr.
func (c Config) Options() []Option {
	level, _ := logging.ParseLevel(c.LogLevel)
	opts := []Option{
		WithMaxInternalSteps(c.MaxInternalSteps),
		WithInitialEntry(c.RunInitialEntry),
		WithLogger(logging.New(&logging.Config{
			Level:     level,
			Format:    c.LogFormat,
			Output:    os.Stderr,
			Component: "fsm",
		})),
	}
	if c.HaltOnActionError {
		opts = append(opts, WithHaltOnActionError())
	}
	return opts
}
