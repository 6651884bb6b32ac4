// Package config defines the typed configuration of the attache binary.
package config

import (
	"fmt"

	"github.com/harun/attache/internal/logger"
	"github.com/harun/attache/pkg/kernel"
)

// Config is the full configuration tree.
type Config struct {
	Kernel KernelConfig  `json:"kernel" mapstructure:"kernel"`
	Log    logger.Config `json:"log" mapstructure:"log"`
}

// KernelConfig configures the embedded kernel host.
type KernelConfig struct {
	ConnectionFile        string               `json:"connection_file" mapstructure:"connection_file"`
	ConnectionFileWithPID bool                 `json:"connection_file_with_pid" mapstructure:"connection_file_with_pid"`
	IP                    string               `json:"ip" mapstructure:"ip"`
	Banner                string               `json:"banner" mapstructure:"banner"`
	History               kernel.HistoryConfig `json:"history" mapstructure:"history"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Kernel: KernelConfig{
			ConnectionFile:        "kernel.json",
			ConnectionFileWithPID: true,
			Banner:                "Hello from attache.",
			History:               kernel.DefaultHistoryConfig(),
		},
		Log: logger.DefaultConfig(),
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Kernel.ConnectionFile == "" {
		return fmt.Errorf("kernel.connection_file cannot be empty")
	}
	if c.Kernel.History.Enabled && c.Kernel.History.Path == "" {
		return fmt.Errorf("kernel.history.path cannot be empty when history is enabled")
	}
	return nil
}
