// Package index owns the registry's append-only ledger: one JSON-lines
// shard per crate, ordered by publish time, synchronized to a durable
// backing store after each append. The shard is the publication commit
// point; a version is publicly resolvable once its record lands here.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/athenaeum-dev/athenaeum/internal/model"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a crate or version has no index record.
var ErrNotFound = errors.New("version not found in index")

// Manager maintains the per-crate index shards. Appends to the same
// crate are serialized through a per-name lock; appends to different
// crates proceed concurrently. After each local append the changed
// shard is propagated through the Syncer; on propagation failure the
// shard stays in the pending set and is retried by Flush.
type Manager struct {
	root   string
	syncer Syncer
	logger *zap.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]struct{}
}

// NewManager creates a manager over the index working tree at root.
func NewManager(root string, syncer Syncer, logger *zap.Logger) *Manager {
	return &Manager{
		root:    root,
		syncer:  syncer,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[string]struct{}),
	}
}

// shardLock returns the mutex serializing appends for one crate name.
func (m *Manager) shardLock(name string) *sync.Mutex {
	canon := model.CanonicalName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[canon]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[canon] = lock
	}
	return lock
}

// Append appends one record to the crate's shard and propagates the
// change. The local append is the commit point: propagation failure is
// logged and retried later, never surfaced as an append failure.
func (m *Manager) Append(ctx context.Context, name string, record model.IndexRecord) error {
	lock := m.shardLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.appendLocked(name, record); err != nil {
		return err
	}

	rel := ShardPath(name)
	m.markPending(rel)
	m.propagate(ctx, []string{rel}, fmt.Sprintf("Update crate %s#%s", model.CanonicalName(name), record.Vers))
	return nil
}

// appendLocked writes one record as the shard's last line. The line is
// written with a single write call so a crashed writer can leave at
// most one partial trailing line, which readers ignore.
func (m *Manager) appendLocked(name string, record model.IndexRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal index record: %w", err)
	}
	line = append(line, '\n')

	path := filepath.Join(m.root, filepath.FromSlash(ShardPath(name)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync shard: %w", err)
	}
	return nil
}

// Read returns the crate's records in append order. A missing shard
// yields an empty slice. An unterminated final line (interrupted
// writer) is ignored.
func (m *Manager) Read(name string) ([]model.IndexRecord, error) {
	lock := m.shardLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.readLocked(name)
}

func (m *Manager) readLocked(name string) ([]model.IndexRecord, error) {
	path := filepath.Join(m.root, filepath.FromSlash(ShardPath(name)))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read shard: %w", err)
	}

	// Drop everything after the last newline: an unterminated final
	// line belongs to an interrupted writer.
	if i := strings.LastIndexByte(string(data), '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, nil
	}

	var records []model.IndexRecord
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var rec model.IndexRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse index record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Yank appends a correction record marking the version yanked. The
// original publish record stays in place.
func (m *Manager) Yank(ctx context.Context, name, version string) error {
	return m.setYanked(ctx, name, version, true)
}

// Unyank appends a correction record clearing the version's yanked flag.
func (m *Manager) Unyank(ctx context.Context, name, version string) error {
	return m.setYanked(ctx, name, version, false)
}

func (m *Manager) setYanked(ctx context.Context, name, version string, yanked bool) error {
	lock := m.shardLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	records, err := m.readLocked(name)
	if err != nil {
		return err
	}

	// The latest record for the version carries its current state.
	var latest *model.IndexRecord
	for i := range records {
		if records[i].Vers == version {
			latest = &records[i]
		}
	}
	if latest == nil {
		return ErrNotFound
	}
	if latest.Yanked == yanked {
		return nil
	}

	update := *latest
	update.Yanked = yanked
	if err := m.appendLocked(name, update); err != nil {
		return err
	}

	rel := ShardPath(name)
	m.markPending(rel)
	action := "Yank"
	if !yanked {
		action = "Unyank"
	}
	m.propagate(ctx, []string{rel}, fmt.Sprintf("%s crate %s#%s", action, model.CanonicalName(name), version))
	return nil
}

// WriteConfig writes the index config.json consumed by clients, with
// the registry's download and API URLs, and propagates it.
func (m *Manager) WriteConfig(ctx context.Context, downloadURL, apiURL string) error {
	body, err := json.Marshal(map[string]string{
		"dl":  downloadURL,
		"api": apiURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal index config: %w", err)
	}
	body = append(body, '\n')

	path := filepath.Join(m.root, "config.json")
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(body) {
		return nil
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("failed to write index config: %w", err)
	}

	m.markPending("config.json")
	m.propagate(ctx, []string{"config.json"}, "Update registry config")
	return nil
}

func (m *Manager) markPending(rel string) {
	m.mu.Lock()
	m.pending[rel] = struct{}{}
	m.mu.Unlock()
}

// propagate attempts to sync the given shards, clearing them from the
// pending set on success. Failures leave them pending for Flush.
func (m *Manager) propagate(ctx context.Context, paths []string, message string) {
	if err := m.syncer.Sync(ctx, paths, message); err != nil {
		m.logger.Warn("index propagation failed, will retry",
			zap.Strings("paths", paths),
			zap.Error(err),
		)
		return
	}
	m.mu.Lock()
	for _, p := range paths {
		delete(m.pending, p)
	}
	m.mu.Unlock()
}

// Flush retries propagation of all shards whose earlier sync failed.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.pending))
	for p := range m.pending {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}

	if err := m.syncer.Sync(ctx, paths, "Sync pending index changes"); err != nil {
		return fmt.Errorf("failed to sync pending shards: %w", err)
	}

	m.mu.Lock()
	for _, p := range paths {
		delete(m.pending, p)
	}
	m.mu.Unlock()

	m.logger.Info("flushed pending index shards", zap.Int("count", len(paths)))
	return nil
}

// PendingCount reports how many shards await propagation.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
