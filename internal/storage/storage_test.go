package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrateKey(t *testing.T) {
	require.Equal(t, "crates/left-pad/left-pad-1.0.0.crate", CrateKey("left-pad", "1.0.0"))
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	return map[string]Backend{
		"local":  NewLocalBackend(t.TempDir()),
		"memory": NewMemoryBackend(),
	}
}

func TestPutGetExists(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := CrateKey("serde", "1.0.0")
			data := []byte("archive bytes")

			ok, err := b.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)

			_, err = b.Get(ctx, key)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Put(ctx, key, data))

			ok, err = b.Exists(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := b.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := CrateKey("serde", "1.0.0")
			data := []byte("archive bytes")

			require.NoError(t, b.Put(ctx, key, data))
			// Same key, same bytes: no-op success.
			require.NoError(t, b.Put(ctx, key, data))
		})
	}
}

func TestPutConflict(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := CrateKey("serde", "1.0.0")

			require.NoError(t, b.Put(ctx, key, []byte("original")))
			err := b.Put(ctx, key, []byte("tampered"))
			require.ErrorIs(t, err, ErrConflict)

			// Stored content is untouched.
			got, err := b.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, []byte("original"), got)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := CrateKey("serde", "1.0.0")
			require.NoError(t, b.Put(ctx, key, []byte("bytes")))
			require.NoError(t, b.Delete(ctx, key))

			ok, err := b.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)

			// Deleting a missing blob is not an error.
			require.NoError(t, b.Delete(ctx, key))
		})
	}
}

func TestLocalPutLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBackend(root)
	ctx := context.Background()

	key := CrateKey("serde", "1.0.0")
	require.NoError(t, b.Put(ctx, key, []byte("bytes")))

	dir := filepath.Dir(filepath.Join(root, filepath.FromSlash(key)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "serde-1.0.0.crate", entries[0].Name())
}

func TestLocalPutCancelledContext(t *testing.T) {
	b := NewLocalBackend(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := CrateKey("serde", "1.0.0")
	require.Error(t, b.Put(ctx, key, []byte("bytes")))

	ok, err := b.Exists(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)
}
