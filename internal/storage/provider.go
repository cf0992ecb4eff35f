// Package storage holds the durable key/value slots the client keeps between runs.
package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// Drivers.
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// Provider is the interface for durable slot operations.
type Provider interface {
	// Get returns the value stored under key, or an error matching
	// apperr.ErrNotFound when the slot is empty.
	Get(key string) ([]byte, error)
	// Put atomically replaces the value under key.
	Put(key string, value []byte) error
	// Delete empties the slot. Deleting an empty slot is not an error.
	Delete(key string) error
	// Keys lists every occupied slot.
	Keys() ([]string, error)
	// Close releases any underlying handle.
	Close() error
}

// ChangeFunc is called with the slot key after another writer touched it.
type ChangeFunc func(key string)

// Watcher is implemented by providers that can report outside changes.
type Watcher interface {
	Watch(ctx context.Context, logger *slog.Logger, cb ChangeFunc) error
}

// Open returns the provider for driver rooted at path.
func Open(driver, path string) (Provider, error) {
	switch driver {
	case DriverFS, "":
		return NewFS(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
