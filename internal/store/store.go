// ABOUTME: Substrate interface for the engine's local key/value persistence
// ABOUTME: Defines the narrow localStorage-like contract every cache layer writes through

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("not found")

// ErrQuotaExceeded is returned when a write would exceed the configured value size limit
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrUnavailable is returned when the substrate cannot serve requests (closed or failing)
var ErrUnavailable = errors.New("storage unavailable")

// Substrate is a string key/value store shared by every engine instance that
// opens the same backing file. Values are opaque strings (JSON by convention).
// There is no compare-and-swap: concurrent writers race and the last write wins.
type Substrate interface {
	// GetItem returns the stored value or ErrNotFound.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItem inserts or replaces the value stored under key.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Keys lists stored keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the substrate
	Close() error
}
