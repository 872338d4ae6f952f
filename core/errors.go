package core

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidParameter = fmt.Errorf("%w: invalid index parameter", ErrValidation)
	ErrBuild            = errors.New("index build failed")
	ErrPersistence      = errors.New("persistence failure")
	ErrNotFound         = errors.New("not found")
	ErrSuperseded       = errors.New("build superseded by a newer request")
	ErrQueueFull        = errors.New("build queue is full")
	ErrPoolClosed       = errors.New("build pool is closed")
)

// Validationf returns an error wrapping ErrValidation
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistencef wraps err as a persistence failure unless it already
// reports a missing record.
func Persistencef(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, fmt.Sprintf(format, args...), err)
}
