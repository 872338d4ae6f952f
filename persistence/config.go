package persistence

import (
	"time"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// PersistenceType represents the type of persistence backend
type PersistenceType string

const (
	PersistenceMemory PersistenceType = "memory"
	PersistenceBolt   PersistenceType = "bolt"
	PersistenceBadger PersistenceType = "badger"
)

// Config holds configuration for the store backends
type Config struct {
	// Type of persistence backend
	Type PersistenceType `json:"type" yaml:"type"`

	// Path to database directory/file
	Path string `json:"path" yaml:"path"`

	Bolt   BoltOptions   `json:"bolt" yaml:"bolt"`
	Badger BadgerOptions `json:"badger" yaml:"badger"`
}

// BoltOptions holds BoltDB-specific configuration
type BoltOptions struct {
	// Timeout for acquiring the file lock
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// NoSync skips fsync after each commit
	NoSync bool `json:"no_sync" yaml:"no_sync"`
}

// BadgerOptions holds BadgerDB-specific configuration
type BadgerOptions struct {
	// SyncWrites enables synchronous writes
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// InMemory creates a purely in-memory database
	InMemory bool `json:"in_memory" yaml:"in_memory"`

	// GCInterval is how often value log GC runs while serving. Zero disables it.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
}

// DefaultConfig returns a default configuration for the specified type
func DefaultConfig(persistenceType PersistenceType, path string) Config {
	return Config{
		Type:   persistenceType,
		Path:   path,
		Bolt:   BoltOptions{Timeout: time.Second},
		Badger: BadgerOptions{GCInterval: 10 * time.Minute},
	}
}

// Validate validates a persistence configuration
func (c Config) Validate() error {
	switch c.Type {
	case PersistenceMemory:
		// Memory persistence doesn't need a path
		return nil
	case PersistenceBadger:
		if c.Path == "" && !c.Badger.InMemory {
			return core.Validationf("path is required for %s persistence", c.Type)
		}
		return nil
	case PersistenceBolt:
		if c.Path == "" {
			return core.Validationf("path is required for %s persistence", c.Type)
		}
		return nil
	default:
		return core.Validationf("unsupported persistence type: %q", c.Type)
	}
}
