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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 3000, config.Admin.Port)
	assert.Equal(t, "localhost", config.MainBroker.Address)
	assert.Equal(t, 1883, config.MainBroker.Port)
	assert.Equal(t, "mqtt-proxy", config.MainBroker.ClientID)
	assert.Equal(t, filepath.Join("data", "brokers.json"), config.StorePath())
	assert.Equal(t, ":3000", config.AdminAddr())
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[main_broker]
address = "mqtt.example.com"
port = 8883
client_id = "edge-proxy"
username = "device"

[admin]
port = 8080
enabled = true

[storage]
data_dir = "/var/lib/mqtt-proxy"

[metrics]
listen = ":9200"
enabled = false
`), 0o600))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt.example.com", config.MainBroker.Address)
	assert.Equal(t, 8883, config.MainBroker.Port)
	assert.Equal(t, "edge-proxy", config.MainBroker.ClientID)
	assert.Equal(t, "device", config.MainBroker.Username)
	assert.Equal(t, 8080, config.Admin.Port)
	assert.Equal(t, "/var/lib/mqtt-proxy/brokers.json", config.StorePath())
	assert.Equal(t, ":9200", config.Metrics.Listen)
	assert.False(t, config.Metrics.Enabled)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[admin]
port = 4000
enabled = true
`), 0o600))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, config.Admin.Port)
	assert.Equal(t, "localhost", config.MainBroker.Address)
	assert.Equal(t, "./data", config.Storage.DataDir)
}

func TestParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[admin]
port = 99999
enabled = true
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "DEBUG")

	config, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "debug", config.LogLevel)

	t.Setenv(EnvLogLevel, "nonsense")
	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
