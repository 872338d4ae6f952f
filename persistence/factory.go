package persistence

import (
	"fmt"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// Open creates a store based on configuration
func Open(cfg Config) (core.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid persistence configuration: %w", err)
	}

	switch cfg.Type {
	case PersistenceMemory:
		return NewMemoryStore(), nil
	case PersistenceBolt:
		return NewBoltStore(cfg.Path, cfg.Bolt)
	case PersistenceBadger:
		return NewBadgerStore(cfg.Path, cfg.Badger)
	default:
		return nil, core.Validationf("unsupported persistence type: %q", cfg.Type)
	}
}

// GarbageCollector is implemented by stores that need periodic compaction
type GarbageCollector interface {
	RunGC() error
}
