package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jiggy-ai/jiggy-ann-api/api"
	"github.com/jiggy-ai/jiggy-ann-api/blobstore"
	"github.com/jiggy-ai/jiggy-ann-api/logging"
	"github.com/jiggy-ai/jiggy-ann-api/optimizer"
	"github.com/jiggy-ai/jiggy-ann-api/orchestrator"
	"github.com/jiggy-ai/jiggy-ann-api/persistence"
	"github.com/jiggy-ai/jiggy-ann-api/tester"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "JIGGY_"

// Config represents the complete service configuration
type Config struct {
	Server      api.ServerConfig    `yaml:"server" json:"server"`
	Persistence persistence.Config  `yaml:"persistence" json:"persistence"`
	Blobstore   blobstore.Config    `yaml:"blobstore" json:"blobstore"`
	Optimizer   OptimizerConfig     `yaml:"optimizer" json:"optimizer"`
	Tester      tester.Config       `yaml:"tester" json:"tester"`
	Builds      orchestrator.Config `yaml:"builds" json:"builds"`
	Logging     logging.Config      `yaml:"logging" json:"logging"`
}

// OptimizerConfig selects the surrogate models and the search limits
type OptimizerConfig struct {
	// ModelPath is a JSON surrogate file. Empty uses the built-in models.
	ModelPath string `yaml:"model_path" json:"model_path"`
	// Disabled rejects target_recall requests
	Disabled bool `yaml:"disabled" json:"disabled"`

	optimizer.Config `yaml:",inline"`
}

// LoadConfig loads configuration with the following precedence:
// 1. Environment variables
// 2. Configuration file (~/.jiggy.yml or the given path)
// 3. Default values
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	explicit := configPath != ""
	if !explicit {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(homeDir, ".jiggy.yml")
		}
	}

	if configPath != "" {
		if err := loadConfigFromFile(configPath, config); err != nil {
			// a missing default file is fine, a missing named file is not
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		}
	}

	if err := loadConfigFromEnv(config, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a YAML file
func loadConfigFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, config)
}

type lookupFunc func(key string) (string, bool)

// loadConfigFromEnv applies JIGGY_* overrides. Malformed numbers and
// durations are errors rather than silently ignored.
func loadConfigFromEnv(config *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	// Server
	str("HOST", &config.Server.Host)
	if err := num("PORT", &config.Server.Port); err != nil {
		return err
	}

	// Persistence
	var backend string
	str("PERSISTENCE_BACKEND", &backend)
	if backend != "" {
		config.Persistence.Type = persistence.PersistenceType(backend)
	}
	str("PERSISTENCE_PATH", &config.Persistence.Path)

	// Blobstore
	var store string
	str("BLOBSTORE_TYPE", &store)
	if store != "" {
		config.Blobstore.Type = blobstore.StoreType(store)
	}
	str("BLOBSTORE_PATH", &config.Blobstore.Path)
	str("BLOBSTORE_BUCKET", &config.Blobstore.Bucket)
	str("BLOBSTORE_PREFIX", &config.Blobstore.Prefix)
	str("BLOBSTORE_ENDPOINT", &config.Blobstore.Endpoint)
	str("BLOBSTORE_REGION", &config.Blobstore.Region)
	str("BLOBSTORE_ACCESS_KEY", &config.Blobstore.AccessKey)
	str("BLOBSTORE_SECRET_KEY", &config.Blobstore.SecretKey)
	if err := flag("BLOBSTORE_USE_SSL", &config.Blobstore.UseSSL); err != nil {
		return err
	}

	// Optimizer
	str("OPTIMIZER_MODEL_PATH", &config.Optimizer.ModelPath)
	if err := dur("OPTIMIZER_BUDGET", &config.Optimizer.Budget); err != nil {
		return err
	}

	// Builds
	if err := num("BUILD_WORKERS", &config.Builds.Workers); err != nil {
		return err
	}
	if err := num("BUILD_QUEUE_SIZE", &config.Builds.QueueSize); err != nil {
		return err
	}
	str("SUPPORT_CONTACT", &config.Builds.SupportContact)

	// Logging
	str("LOG_LEVEL", &config.Logging.Level)
	str("LOG_FORMAT", &config.Logging.Format)
	str("LOG_OUTPUT", &config.Logging.Output)
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server:      api.DefaultServerConfig(),
		Persistence: persistence.DefaultConfig(persistence.PersistenceBolt, "data/jiggy.db"),
		Blobstore:   blobstore.DefaultConfig(),
		Optimizer:   OptimizerConfig{Config: optimizer.DefaultConfig()},
		Tester:      tester.DefaultConfig(),
		Builds:      orchestrator.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := c.Blobstore.Validate(); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Builds.Workers < 1 {
		return fmt.Errorf("builds: workers must be at least 1, got %d", c.Builds.Workers)
	}
	if c.Builds.QueueSize < 0 {
		return fmt.Errorf("builds: queue_size must not be negative")
	}
	if c.Tester.TopK < 1 || c.Tester.TestElements < 1 {
		return fmt.Errorf("tester: top_k and test_elements must be positive")
	}
	if c.Tester.RecallTarget <= 0 || c.Tester.RecallTarget > 1 {
		return fmt.Errorf("tester: recall_target must be in (0, 1]")
	}
	if c.Optimizer.Budget <= 0 || c.Optimizer.MaxSamples < 1 {
		return fmt.Errorf("optimizer: budget and max_samples must be positive")
	}
	return nil
}

// LoadSurrogates returns the configured surrogate models, or nil when the
// optimizer is disabled
func (o OptimizerConfig) LoadSurrogates() (*optimizer.Surrogates, error) {
	if o.Disabled {
		return nil, nil
	}
	if o.ModelPath == "" {
		return optimizer.DefaultSurrogates()
	}
	return optimizer.LoadSurrogatesFile(o.ModelPath)
}
