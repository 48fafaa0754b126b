package git

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenInitializesRepository(t *testing.T) {
	path := t.TempDir()
	r := NewRepo(path, "", "athenaeum", "registry@localhost", zap.NewNop())

	require.NoError(t, r.Open())

	_, err := gogit.PlainOpen(path)
	require.NoError(t, err)

	// Opening again reuses the existing repository.
	require.NoError(t, r.Open())
}

func TestCommitPaths(t *testing.T) {
	path := t.TempDir()
	r := NewRepo(path, "", "athenaeum", "registry@localhost", zap.NewNop())
	require.NoError(t, r.Open())

	require.NoError(t, os.MkdirAll(filepath.Join(path, "le", "ft"), 0755))
	shard := filepath.Join("le", "ft", "left-pad")
	require.NoError(t, os.WriteFile(filepath.Join(path, shard), []byte(`{"vers":"1.0.0"}`+"\n"), 0644))

	require.NoError(t, r.CommitPaths([]string{shard}, "Update crate left-pad#1.0.0"))

	repo, err := gogit.PlainOpen(path)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "Update crate left-pad#1.0.0", commit.Message)
	require.Equal(t, "athenaeum", commit.Author.Name)
}

func TestCommitCleanTreeIsNoop(t *testing.T) {
	path := t.TempDir()
	r := NewRepo(path, "", "athenaeum", "registry@localhost", zap.NewNop())
	require.NoError(t, r.Open())

	shard := "1/a"
	require.NoError(t, os.MkdirAll(filepath.Join(path, "1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, shard), []byte("{}\n"), 0644))
	require.NoError(t, r.CommitPaths([]string{shard}, "first"))

	// Committing the same content again records nothing new.
	require.NoError(t, r.CommitPaths([]string{shard}, "second"))

	repo, err := gogit.PlainOpen(path)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "first", commit.Message)
}

func TestPushWithoutRemoteIsNoop(t *testing.T) {
	path := t.TempDir()
	r := NewRepo(path, "", "athenaeum", "registry@localhost", zap.NewNop())
	require.NoError(t, r.Open())
	require.NoError(t, r.Push())
}
