package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/suspend/compiler"
)

// Config is the content of the configuration file. Command line flags
// override the values it holds.
type Config struct {
	// Concurrency is the number of methods lowered in parallel. Zero
	// selects the number of CPUs.
	Concurrency int `yaml:"concurrency"`

	// MarkerOwner is the class whose static calls mark suspension points.
	MarkerOwner string `yaml:"markerOwner"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		MarkerOwner: compiler.DefaultMarkerOwner,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads a configuration file. Fields missing from the file keep
// their default value; unknown fields are an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := config.Decode(b); err != nil {
		return config, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Decode merges the YAML document b into c.
func (c *Config) Decode(b []byte) error {
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative: %d", c.Concurrency)
	}
	if c.MarkerOwner == "" {
		return fmt.Errorf("markerOwner must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (expected console or json)", c.Log.Format)
	}
	return nil
}

// Logger builds the logger described by the configuration. Console logs go
// through the development encoder, json logs through the production one.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	var zapConfig zap.Config
	if c.Log.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.DisableStacktrace = true
	}
	zapConfig.Level = level
	zapConfig.OutputPaths = []string{"stderr"}
	return zapConfig.Build()
}

// CompilerOptions returns the compiler options matching the configuration.
func (c *Config) CompilerOptions(logger *zap.Logger) []compiler.Option {
	return []compiler.Option{
		compiler.WithLogger(logger),
		compiler.WithConcurrency(c.Concurrency),
		compiler.WithMarkerOwner(c.MarkerOwner),
	}
}
