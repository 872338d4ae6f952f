package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/persistence"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, persistence.PersistenceBolt, cfg.Persistence.Type)
	assert.Equal(t, blobstore.StoreLocal, cfg.Blobstore.Type)
	assert.Equal(t, "support@jiggy.ai", cfg.Builds.SupportContact)
	assert.Equal(t, 10*time.Second, cfg.Optimizer.Budget)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jiggy.yml")
	data := `
server:
  port: 9090
  submit_rate: 5
persistence:
  type: badger
  path: /tmp/jiggy-badger
blobstore:
  type: minio
  endpoint: localhost:9000
  bucket: indexes
optimizer:
  budget: 2s
  max_samples: 20
tester:
  test_elements: 500
builds:
  workers: 4
  compression: lz4
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Server.SubmitRate)
	assert.Equal(t, persistence.PersistenceBadger, cfg.Persistence.Type)
	assert.Equal(t, blobstore.StoreMinio, cfg.Blobstore.Type)
	assert.Equal(t, "indexes", cfg.Blobstore.Bucket)
	assert.Equal(t, 2*time.Second, cfg.Optimizer.Budget)
	assert.Equal(t, 20, cfg.Optimizer.MaxSamples)
	assert.Equal(t, 500, cfg.Tester.TestElements)
	assert.Equal(t, 10, cfg.Tester.TopK, "unset keys keep their defaults")
	assert.Equal(t, 4, cfg.Builds.Workers)
	assert.Equal(t, "lz4", cfg.Builds.Compression)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"JIGGY_PORT":                "7070",
		"JIGGY_PERSISTENCE_BACKEND": "memory",
		"JIGGY_BLOBSTORE_TYPE":      "s3",
		"JIGGY_BLOBSTORE_BUCKET":    "artifacts",
		"JIGGY_BLOBSTORE_USE_SSL":   "true",
		"JIGGY_OPTIMIZER_BUDGET":    "500ms",
		"JIGGY_BUILD_WORKERS":       "3",
		"JIGGY_SUPPORT_CONTACT":     "ops@example.com",
		"JIGGY_LOG_LEVEL":           "warn",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, loadConfigFromEnv(cfg, lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, persistence.PersistenceMemory, cfg.Persistence.Type)
	assert.Equal(t, blobstore.StoreS3, cfg.Blobstore.Type)
	assert.True(t, cfg.Blobstore.UseSSL)
	assert.Equal(t, 500*time.Millisecond, cfg.Optimizer.Budget)
	assert.Equal(t, 3, cfg.Builds.Workers)
	assert.Equal(t, "ops@example.com", cfg.Builds.SupportContact)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverridesRejectMalformedValues(t *testing.T) {
	for key, value := range map[string]string{
		"JIGGY_PORT":              "eighty",
		"JIGGY_OPTIMIZER_BUDGET":  "soon",
		"JIGGY_BLOBSTORE_USE_SSL": "maybe",
	} {
		lookup := func(k string) (string, bool) {
			if k == key {
				return value, true
			}
			return "", false
		}
		assert.Error(t, loadConfigFromEnv(DefaultConfig(), lookup), key)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":        func(c *Config) { c.Server.Port = 0 },
		"persistence": func(c *Config) { c.Persistence.Path = "" },
		"blobstore":   func(c *Config) { c.Blobstore.Type = "gcs" },
		"logging":     func(c *Config) { c.Logging.Format = "xml" },
		"workers":     func(c *Config) { c.Builds.Workers = 0 },
		"recall":      func(c *Config) { c.Tester.RecallTarget = 1.5 },
		"budget":      func(c *Config) { c.Optimizer.Budget = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadSurrogates(t *testing.T) {
	models, err := OptimizerConfig{}.LoadSurrogates()
	require.NoError(t, err)
	assert.NotNil(t, models)

	models, err = OptimizerConfig{Disabled: true}.LoadSurrogates()
	require.NoError(t, err)
	assert.Nil(t, models)

	_, err = OptimizerConfig{ModelPath: filepath.Join(t.TempDir(), "missing.json")}.LoadSurrogates()
	assert.Error(t, err)
}
