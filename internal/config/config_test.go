package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8080/resources", cfg.Store.Namespace)
	assert.Equal(t, 4, cfg.Store.Retries)
	assert.Equal(t, "25ms", cfg.Store.Backoff)
	assert.Equal(t, "harvest", cfg.Queue.Default)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  namespace: http://data.example.org/ldp
queue:
  workers: 8
`))
	require.NoError(t, err)
	assert.Equal(t, "http://data.example.org/ldp", cfg.Store.Namespace)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"relative namespace": "store:\n  namespace: /relative\n",
		"unknown driver":     "database:\n  driver: mysql\n",
		"postgres sans dsn":  "database:\n  driver: postgres\n",
		"sparql sans url":    "lineage:\n  backend: sparql\n",
		"bad duration":       "queue:\n  poll_interval: soon\n",
		"no workers":         "queue:\n  workers: 0\n",
		"unknown exporter":   "metrics:\n  export: prometheus\n",
		"bad interval":       "metrics:\n  interval: hourly\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Database.Workspace)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "harvestline.yml"), []byte("queue:\n  default: nightly\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.Queue.Default)
	assert.Equal(t, dir, cfg.Database.Workspace)
}
