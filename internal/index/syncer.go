package index

import (
	"context"
	"sync"

	gitrepo "github.com/athenaeum-dev/athenaeum/pkg/git"
)

// Syncer propagates committed index changes to a durable backing store.
// Once Sync returns nil the given shards are considered durably
// replicated; the manager retries failed shards on the next flush.
type Syncer interface {
	Sync(ctx context.Context, paths []string, message string) error
}

// GitSyncer synchronizes index shards by committing them to a git
// repository and pushing to its remote. Commits for different shards
// target the same repository, so syncs are serialized.
type GitSyncer struct {
	mu   sync.Mutex
	repo *gitrepo.Repo
}

// NewGitSyncer creates a syncer over the given index repository.
func NewGitSyncer(repo *gitrepo.Repo) *GitSyncer {
	return &GitSyncer{repo: repo}
}

// Sync commits the given shard paths and pushes to the remote.
func (s *GitSyncer) Sync(ctx context.Context, paths []string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.repo.CommitPaths(paths, message); err != nil {
		return err
	}
	return s.repo.Push()
}

// NopSyncer is a Syncer that accepts every sync without propagating
// anywhere. Used when the index is local-only and in tests.
type NopSyncer struct{}

// Sync accepts the shards unconditionally.
func (NopSyncer) Sync(ctx context.Context, paths []string, message string) error {
	return nil
}
