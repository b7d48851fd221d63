// Package config holds the receiver configuration: built-in defaults, an
// optional YAML file, and command-line overrides applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/azrp/internal/filetype"
)

// Defaults.
const (
	DefaultOutputDir      = "received"
	DefaultLogFile        = "log.txt"
	DefaultTimeout        = 5 * time.Second
	DefaultMaxMessageSize = 1 << 30 // 1 GiB
	DefaultQuitToken      = "quit"
	DefaultStatsInterval  = 10 * time.Second
)

// Config stores every receiver parameter.
type Config struct {
	Port             int               `yaml:"port"`
	OutputDir        string            `yaml:"outputDir"`
	LogFile          string            `yaml:"logFile"`        // statistics log, one line per session
	Timeout          time.Duration     `yaml:"timeout"`        // read timeout while a session is active
	MaxMessageSize   uint32            `yaml:"maxMessageSize"` // largest SYN length accepted
	QuitToken        string            `yaml:"quitToken"`      // text payload that stops the receiver
	Monitor          string            `yaml:"monitor"`        // WebSocket event feed address; empty disables it
	StatsInterval    time.Duration     `yaml:"statsInterval"`
	Debug            bool              `yaml:"debug"`
	FileTypes        map[string]string `yaml:"fileTypes"` // token → extension, layered over the built-in table
	DefaultExtension string            `yaml:"defaultExtension"`
}

// Default returns the built-in configuration. Port is left unset.
func Default() Config {
	return Config{
		OutputDir:      DefaultOutputDir,
		LogFile:        DefaultLogFile,
		Timeout:        DefaultTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		QuitToken:      DefaultQuitToken,
		StatsInterval:  DefaultStatsInterval,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a receiver cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d: must be 1~65535", c.Port))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid timeout %v: must be positive", c.Timeout))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid stats interval %v: must be positive", c.StatsInterval))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory must not be empty"))
	}
	if c.LogFile == "" {
		errs = append(errs, errors.New("log file must not be empty"))
	}
	return errors.Join(errs...)
}

// FileTypeTable builds the immutable token table once, at startup.
func (c Config) FileTypeTable() *filetype.Table {
	return filetype.Default().With(c.FileTypes, c.DefaultExtension)
}

// Addr is the UDP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
