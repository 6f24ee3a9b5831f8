// Package config holds the TOML configuration of the scheduler daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"example.com/npu-sched/core/device"
)

const (
	DefaultNumCores       = 3
	DefaultJobTimeoutMS   = 500
	DefaultResultsCap     = device.DefaultResultsCap
	DefaultMetricsAddress = "127.0.0.1:8080"
	DefaultExecTimeUS     = 200

	// MaxCores bounds num_cores; S_POINTER encodes the core index in its top
	// nibble.
	MaxCores = 16
)

var ErrInvalid = errors.New("invalid configuration")

type SimConfig struct {
	ExecTimeUS int `toml:"exec_time_us,omitempty"`
}

type Config struct {
	NumCores       int       `toml:"num_cores,omitempty"`
	JobTimeoutMS   int       `toml:"job_timeout_ms,omitempty"`
	HangLimit      int       `toml:"hang_limit,omitempty"`
	ResultsCap     int       `toml:"results_cap,omitempty"`
	JournalPath    string    `toml:"journal_path,omitempty"`
	MetricsAddress string    `toml:"metrics_address,omitempty"`
	Sim            SimConfig `toml:"sim,omitempty"`
}

func Default() Config {
	return Config{
		NumCores:       DefaultNumCores,
		JobTimeoutMS:   DefaultJobTimeoutMS,
		ResultsCap:     DefaultResultsCap,
		MetricsAddress: DefaultMetricsAddress,
		Sim: SimConfig{
			ExecTimeUS: DefaultExecTimeUS,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return Decode(raw)
}

func Decode(raw []byte) (Config, error) {
	cfg := Default()
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.NumCores < 1 || c.NumCores > MaxCores {
		err = multierr.Append(err, fmt.Errorf("%w: num_cores %d not in [1, %d]", ErrInvalid, c.NumCores, MaxCores))
	}
	if c.JobTimeoutMS <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: job_timeout_ms %d must be positive", ErrInvalid, c.JobTimeoutMS))
	}
	if c.HangLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: hang_limit %d must not be negative", ErrInvalid, c.HangLimit))
	}
	if c.ResultsCap < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: results_cap %d must not be negative", ErrInvalid, c.ResultsCap))
	}
	if c.Sim.ExecTimeUS < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: sim.exec_time_us %d must not be negative", ErrInvalid, c.Sim.ExecTimeUS))
	}
	return err
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMS) * time.Millisecond
}

func (c Config) ExecTime() time.Duration {
	return time.Duration(c.Sim.ExecTimeUS) * time.Microsecond
}
