package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "converge.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
store:
  data_dir: /var/lib/converge
controller:
  name: controller_1
  mode: distributed
  grand_cluster: GRAND_cluster
  resync: 5s
participants:
  - cluster: TestCluster
    instance: localhost:12918
    delay: 10ms
log:
  level: debug
  format: json
retry:
  initial: 10ms
  max: 2s
  attempts: 4
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/converge", cfg.Store.DataDir)
	assert.Equal(t, ModeDistributed, cfg.Controller.Mode)
	assert.Equal(t, "GRAND_cluster", cfg.Controller.GrandCluster)
	assert.Equal(t, 5*time.Second, cfg.Controller.Resync)
	assert.Equal(t, "balanced", cfg.Controller.Strategy)
	require.Len(t, cfg.Participants, 1)
	assert.Equal(t, 10*time.Millisecond, cfg.Participants[0].Delay)
	assert.Equal(t, 4, cfg.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Max)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.False(t, IsValidation(err))
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CONVERGE_CLUSTER":        "Other",
		"CONVERGE_API_LISTEN":     ":9090",
		"CONVERGE_RESYNC":         "1m",
		"CONVERGE_RETRY_ATTEMPTS": "9",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "Other", cfg.Controller.Cluster)
	assert.Equal(t, ":9090", cfg.API.Listen)
	assert.Equal(t, time.Minute, cfg.Controller.Resync)
	assert.Equal(t, 9, cfg.Retry.Attempts)
	assert.Equal(t, "controller_0", cfg.Controller.Name)

	bad := Default()
	err := bad.applyEnv(func(k string) string {
		if k == "CONVERGE_RESYNC" {
			return "soon"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestLoadUsesEnvironment(t *testing.T) {
	t.Setenv("CONVERGE_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{"valid", func(*Config) {}, 0},
		{"unknown mode", func(c *Config) { c.Controller.Mode = "hybrid" }, 1},
		{"distributed without grand", func(c *Config) { c.Controller.Mode = ModeDistributed }, 1},
		{"standalone without cluster", func(c *Config) { c.Controller.Cluster = "" }, 1},
		{"bad strategy", func(c *Config) { c.Controller.Strategy = "random" }, 1},
		{"participant incomplete", func(c *Config) {
			c.Participants = []ParticipantConfig{{Cluster: "TestCluster"}}
		}, 1},
		{"several problems", func(c *Config) {
			c.Controller.Name = ""
			c.Log.Format = "xml"
			c.Retry.Attempts = 0
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errs == 0 {
				assert.NoError(t, err)
				return
			}
			require.True(t, IsValidation(err))
			var v *ValidationError
			require.ErrorAs(t, err, &v)
			assert.Len(t, v.Errors, tt.errs)
		})
	}
}
