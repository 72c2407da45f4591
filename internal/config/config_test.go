package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := NewLoader().WithEnv(env(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, "dynamic", cfg.Supervisor.Group)
	assert.Equal(t, 60*time.Second, cfg.Agent.Heartbeat)
	assert.Equal(t, BackendZooKeeper, cfg.Coordination.Backend)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "odin.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
cell: /odin/file
coordination:
  backend: local
agent:
  heartbeat: 30s
machine:
  name: from-file
  labels:
    rack: r1
supervisor:
  group: workers
`), 0o600))

	cfg, err := NewLoader().
		WithConfigPath(file).
		WithEnv(env(map[string]string{
			"ODIN_CELL":            "/odin/env",
			"ODIN_MACHINE_NAME":    "from-env",
			"ODIN_AGENT_HEARTBEAT": "15s",
		})).
		WithCmdArgs(map[string]string{"cell": "/odin/flag"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, "/odin/flag", cfg.Cell, "flags beat env")
	assert.Equal(t, "from-env", cfg.Machine.Name, "env beats file")
	assert.Equal(t, 15*time.Second, cfg.Agent.Heartbeat)
	assert.Equal(t, BackendLocal, cfg.Coordination.Backend, "file beats defaults")
	assert.Equal(t, "workers", cfg.Supervisor.Group)
	assert.Equal(t, map[string]string{"rack": "r1"}, cfg.Machine.Labels)
}

func TestEnvCollections(t *testing.T) {
	cfg, err := NewLoader().WithEnv(env(map[string]string{
		"ODIN_COORDINATION_SERVERS": "zk1:2181, zk2:2181",
		"ODIN_MACHINE_LABELS":       "zone=a, arch=arm64",
		"ODIN_MACHINE_CAPABILITIES": "gpu",
		"ODIN_TRACING_ENABLED":      "true",
	})).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Coordination.Servers)
	assert.Equal(t, map[string]string{"zone": "a", "arch": "arm64"}, cfg.Machine.Labels)
	assert.Equal(t, []string{"gpu"}, cfg.Machine.Capabilities)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestCmdOverridePaths(t *testing.T) {
	cfg, err := NewLoader().WithEnv(env(nil)).WithCmdArgs(map[string]string{
		"coordination.session_timeout": "3s",
		"logging.level":                "debug",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Coordination.SessionTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = NewLoader().WithEnv(env(nil)).WithCmdArgs(map[string]string{"nope.x": "1"}).Load()
	assert.Error(t, err)
	_, err = NewLoader().WithEnv(env(nil)).WithCmdArgs(map[string]string{"cell.x": "1"}).Load()
	assert.Error(t, err)
}

func TestBadValues(t *testing.T) {
	_, err := NewLoader().WithEnv(env(map[string]string{"ODIN_AGENT_HEARTBEAT": "soon"})).Load()
	assert.Error(t, err)
	_, err = NewLoader().WithEnv(env(map[string]string{"ODIN_MACHINE_LABELS": "novalue"})).Load()
	assert.Error(t, err)
	_, err = NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative cell", func(c *Config) { c.Cell = "odin" }},
		{"root cell", func(c *Config) { c.Cell = "/" }},
		{"unclean cell", func(c *Config) { c.Cell = "/odin/" }},
		{"unknown backend", func(c *Config) { c.Coordination.Backend = "etcd" }},
		{"no servers", func(c *Config) { c.Coordination.Servers = nil }},
		{"empty group", func(c *Config) { c.Supervisor.Group = "" }},
		{"zero heartbeat", func(c *Config) { c.Agent.Heartbeat = 0 }},
		{"foreign machine path", func(c *Config) { c.Machine.Path = "/elsewhere/m-1" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"file output without path", func(c *Config) { c.Logging.Output = "file" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := DefaultConfig()
	cfg.Coordination.Backend = BackendLocal
	cfg.Coordination.Servers = nil
	cfg.Machine.Path = cfg.Cell + "/machines/host-a"
	assert.NoError(t, cfg.Validate())
}

func TestSerializeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Machine.Labels["zone"] = "b"
	cfg.Machine.Capabilities = []string{"gpu"}
	b, err := cfg.Serialize()
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "odin.yaml")
	require.NoError(t, os.WriteFile(file, b, 0o600))
	got, err := NewLoader().WithConfigPath(file).WithEnv(env(nil)).Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
