// Package storage provides the blob store abstraction for crate
// archives. Backends are polymorphic over put/get/exists/delete;
// archives are immutable once written and addressed by a key derived
// from the crate name and version, so readers can locate a blob
// without consulting the index.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// ErrConflict is returned when a put collides with an existing blob
// whose content differs. Identical content is an idempotent no-op.
var ErrConflict = errors.New("blob exists with different checksum")

// Backend is the storage abstraction for crate archive bytes.
// All methods must be safe for concurrent use.
type Backend interface {
	// Put stores data under key. Re-putting identical bytes succeeds as
	// a no-op; differing bytes under an existing key fail with
	// ErrConflict. A failed Put leaves no partial blob visible.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob under key. Deleting a missing blob is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// CrateKey derives the storage key for a crate version. The derivation
// is deterministic so download paths never need an index lookup.
func CrateKey(name, version string) string {
	return fmt.Sprintf("crates/%s/%s-%s.crate", name, name, version)
}
