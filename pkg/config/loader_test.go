package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "netdoc.yaml", `
server:
  listen: ":9000"
ssh:
  connect_timeout: 3s
retry:
  max_attempts: 2
execution:
  command_timeout: 90
devices:
  - id: core1
    name: Core Router
    address: 10.0.0.1
    family: cisco_ios
    username: admin
    password: secret
    enable_password: enable
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, 3*time.Second, cfg.SSH.ConnectTimeout.Duration)
	assert.Equal(t, 90*time.Second, cfg.Execution.CommandTimeout.Duration)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	// untouched settings come from Default
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 64, cfg.Broadcast.Buffer)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "enable", cfg.Devices[0].EnablePassword)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "netdoc.json", `{
  "terminal": {"grace_period": "750ms"},
  "devices": [{"id": "leaf1", "address": "10.0.1.1", "username": "ops", "family": "arista_eos"}]
}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Terminal.GracePeriod.Duration)
	assert.Equal(t, "arista_eos", cfg.Devices[0].Family)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := LoadFile(writeFile(t, "netdoc.toml", "x = 1"))
	assert.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := LoadFile(writeFile(t, "netdoc.yaml", "ssh:\n  connect_timeout: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Devices = []DeviceConfig{
		{ID: "a", Address: "10.0.0.1", Username: "u"},
		{ID: "a", Address: "10.0.0.2", Username: "u"},
		{Address: "", Username: ""},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "a"`)
	assert.Contains(t, err.Error(), "devices[2]: id is required")
	assert.Contains(t, err.Error(), "devices[2]: address is required")

	assert.NoError(t, Default().Validate())
}

func TestDurationJSONRoundTrip(t *testing.T) {
	d := D(1500 * time.Millisecond)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, d, back)
}
