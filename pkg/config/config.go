// Copyright 2024 The mqtt-multi-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the static proxy configuration from a TOML file
// plus environment overrides. The file covers process-level options only
// (listen addresses, data directory, main broker bootstrap); the dynamic
// broker set lives in the storage package.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "MQTT_PROXY_CONFIG"

	// EnvLogLevel sets Config.LogLevel (debug, info, warn, error). The
	// value is validated and stored; log output is not filtered by it.
	EnvLogLevel = "LOG_LEVEL"

	defaultConfigPath = "./config/proxy.toml"
)

// MainBrokerConfig bootstraps the upstream broker connection. It seeds
// the settings store on first start; afterwards the stored settings win.
type MainBrokerConfig struct {
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Port    int  `toml:"port"`
	Enabled bool `toml:"enabled"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen  string `toml:"listen"`
	Enabled bool   `toml:"enabled"`
}

// StorageConfig locates the persistent broker store.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// Config holds the complete static configuration.
type Config struct {
	MainBroker MainBrokerConfig `toml:"main_broker"`
	Admin      AdminConfig      `toml:"admin"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Storage    StorageConfig    `toml:"storage"`
	LogLevel   string           `toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MainBroker: MainBrokerConfig{
			Address:  "localhost",
			Port:     1883,
			ClientID: "mqtt-proxy",
		},
		Admin: AdminConfig{
			Port:    3000,
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Listen:  ":9100",
			Enabled: true,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		LogLevel: "info",
	}
}

// Load reads the configuration file at path, falling back to the
// MQTT_PROXY_CONFIG environment variable and then the default location.
// A missing file yields the defaults; a file that exists but cannot be
// parsed or validated is an error the caller treats as fatal.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = defaultConfigPath
	}

	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[INFO] No config file at %s, using default configuration", path)
			applyEnv(config)
			return config, validate(config)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnv(config)
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	log.Printf("[INFO] Configuration loaded from %s", path)
	return config, nil
}

// StorePath returns the broker store file inside the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.Storage.DataDir, "brokers.json")
}

// AdminAddr returns the admin listen address.
func (c *Config) AdminAddr() string {
	return fmt.Sprintf(":%d", c.Admin.Port)
}

func applyEnv(config *Config) {
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.LogLevel = strings.ToLower(level)
	}
}

func validate(config *Config) error {
	if config.Admin.Port < 1 || config.Admin.Port > 65535 {
		return fmt.Errorf("admin port out of range: %d", config.Admin.Port)
	}
	if config.MainBroker.Address == "" {
		return fmt.Errorf("main broker address cannot be empty")
	}
	if config.MainBroker.Port < 1 || config.MainBroker.Port > 65535 {
		return fmt.Errorf("main broker port out of range: %d", config.MainBroker.Port)
	}
	if config.MainBroker.ClientID == "" {
		return fmt.Errorf("main broker client_id cannot be empty")
	}
	if config.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir cannot be empty")
	}
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s (supported: debug, info, warn, error)", config.LogLevel)
	}
	return nil
}
