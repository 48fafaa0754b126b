package git

import (
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// Repo represents the Git repository backing the registry index.
type Repo struct {
	Path        string
	Remote      string
	AuthorName  string
	AuthorEmail string
	Logger      *zap.Logger
}

// NewRepo creates a new Repo instance rooted at the index working tree.
func NewRepo(path, remote, authorName, authorEmail string, logger *zap.Logger) *Repo {
	return &Repo{
		Path:        path,
		Remote:      remote,
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		Logger:      logger,
	}
}

// Open opens the repository, cloning from the configured remote or
// initializing a fresh one when none exists yet.
func (r *Repo) Open() error {
	_, err := r.openOrCreate()
	return err
}

// CommitPaths stages the given paths (relative to the working tree) and
// records a commit with the configured author signature. Committing an
// unchanged tree is a no-op.
func (r *Repo) CommitPaths(paths []string, message string) error {
	repo, err := r.openOrCreate()
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	for _, p := range paths {
		if _, err := worktree.Add(p); err != nil {
			return fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.AuthorName,
			Email: r.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Push propagates local commits to the configured remote. Without a
// remote this is a no-op, leaving the local repository as the durable
// copy.
func (r *Repo) Push() error {
	if r.Remote == "" {
		return nil
	}

	repo, err := r.openOrCreate()
	if err != nil {
		return err
	}

	err = repo.Push(&git.PushOptions{RemoteName: "origin"})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// openOrCreate opens an existing repository, clones it from the remote,
// or initializes a fresh one.
func (r *Repo) openOrCreate() (*git.Repository, error) {
	repo, err := git.PlainOpen(r.Path)
	if err == nil {
		return repo, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, fmt.Errorf("failed to open repo: %w", err)
	}

	if err := os.MkdirAll(r.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if r.Remote != "" {
		r.Logger.Info("cloning index repository", zap.String("url", r.Remote))
		repo, err = git.PlainClone(r.Path, false, &git.CloneOptions{
			URL: r.Remote,
		})
		if err == nil {
			return repo, nil
		}
		r.Logger.Warn("clone failed, initializing empty index", zap.Error(err))
	}

	repo, err = git.PlainInit(r.Path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repo: %w", err)
	}

	if r.Remote != "" {
		_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: "origin",
			URLs: []string{r.Remote},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add remote: %w", err)
		}
	}
	return repo, nil
}
