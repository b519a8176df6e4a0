package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/errs"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8632", cfg.Server.Addr)
	assert.Equal(t, "free", cfg.Quota.DefaultPlan)
	assert.True(t, cfg.Browser.Headless)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "konform.yaml")
	content := `
server:
  addr: ":9000"
scan:
  max_per_user: 4
legal:
  source: yaml
  path: legal.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Scan.MaxPerUser)
	assert.Equal(t, "yaml", cfg.Legal.Source)
	// Untouched sections keep their defaults.
	assert.Equal(t, "20s", cfg.Scan.CheckTimeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "konform.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serverr:\n  addr: \":1\"\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad duration", "fetch:\n  timeout: soon\n"},
		{"bad legal source", "legal:\n  source: carrier-pigeon\n"},
		{"bad plan", "quota:\n  default_plan: platinum\n"},
		{"zero per-user", "scan:\n  max_per_user: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "konform.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KONFORM_ADDR", ":7777")
	t.Setenv("KONFORM_LLM_PROVIDER", "genai")
	t.Setenv("KONFORM_QUOTA_DB", "/tmp/q.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "genai", cfg.LLM.Provider)
	assert.Equal(t, "/tmp/q.db", cfg.Quota.DBPath)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	d, err := cfg.Scan.TotalTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", d.String())

	cfg.Scan.TotalTimeout = ""
	d, err = cfg.Scan.TotalTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", d.String(), "empty duration should fall back to default")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "konform.yaml")
	cfg := Default()
	cfg.Server.Addr = ":4242"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4242", loaded.Server.Addr)
}
