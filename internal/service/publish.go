// Package service implements the publish pipeline: validate the
// uploaded archive, persist it to the storage backend, append the
// version record to the index, and record searchable metadata. The
// stage order is load-bearing: a resolvable index entry must never
// reference a missing blob, and the metadata store only ever lags the
// index, never the other way around.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/athenaeum-dev/athenaeum/internal/model"
	"github.com/athenaeum-dev/athenaeum/internal/storage"
	"go.uber.org/zap"
)

// ErrInvalidVersion is returned when a version string is not valid
// semver or a dependency requirement does not parse.
var ErrInvalidVersion = errors.New("invalid semantic version")

// ErrConflict is returned when a publish targets an existing version
// with different archive bytes.
var ErrConflict = errors.New("version already published with different checksum")

// IndexManager is the ledger surface the pipeline depends on.
type IndexManager interface {
	Append(ctx context.Context, name string, record model.IndexRecord) error
	Read(name string) ([]model.IndexRecord, error)
	Yank(ctx context.Context, name, version string) error
	Unyank(ctx context.Context, name, version string) error
}

// MetadataStore is the derived search/display store. It is best-effort:
// the pipeline tolerates its failures and reports them for asynchronous
// reconciliation.
type MetadataStore interface {
	UpsertCrate(crate *model.DBCrate) error
	AddVersion(version *model.DBVersion) error
	SetVersionYanked(canonName, vers string, yanked bool) error
}

// RenderFunc turns README markdown into HTML. Pure; failures only cost
// the rendered copy.
type RenderFunc func(markdown string) (string, error)

// Publisher orchestrates publish, yank and unyank requests.
type Publisher struct {
	storage     storage.Backend
	index       IndexManager
	store       MetadataStore
	render      RenderFunc
	logger      *zap.Logger
	maxSize     int64
	maxAttempts int
	backoff     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPublisher creates a publisher over the given collaborators.
// maxSize bounds uploaded archives in bytes.
func NewPublisher(backend storage.Backend, idx IndexManager, store MetadataStore, render RenderFunc, maxSize int64, logger *zap.Logger) *Publisher {
	return &Publisher{
		storage:     backend,
		index:       idx,
		store:       store,
		render:      render,
		logger:      logger,
		maxSize:     maxSize,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
		locks:       make(map[string]*sync.Mutex),
	}
}

// PublishRequest is one decoded publish upload.
type PublishRequest struct {
	Meta    model.PublishMetadata
	Archive []byte
}

// crateLock returns the mutex serializing publishes of one crate name.
// Different crates publish fully concurrently.
func (p *Publisher) crateLock(name string) *sync.Mutex {
	canon := model.CanonicalName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[canon]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[canon] = lock
	}
	return lock
}

// Publish runs the pipeline for one upload: validate, store, index,
// record. Re-publishing identical bytes for an existing version is an
// idempotent success; different bytes fail with ErrConflict.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*model.PublishResponse, error) {
	if err := p.validateMetadata(req.Meta); err != nil {
		return nil, err
	}

	processed, err := ProcessArchive(req.Archive, req.Meta.Name, req.Meta.Vers, p.maxSize)
	if err != nil {
		return nil, err
	}

	lock := p.crateLock(req.Meta.Name)
	lock.Lock()
	defer lock.Unlock()

	records, err := p.index.Read(req.Meta.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	for i := range records {
		if records[i].Vers != req.Meta.Vers {
			continue
		}
		if records[i].Cksum == processed.Cksum {
			p.logger.Info("duplicate publish, identical archive",
				zap.String("crate", req.Meta.Name),
				zap.String("version", req.Meta.Vers),
			)
			return &model.PublishResponse{Cksum: processed.Cksum}, nil
		}
		return nil, fmt.Errorf("%w: %s %s", ErrConflict, req.Meta.Name, req.Meta.Vers)
	}

	key := storage.CrateKey(model.CanonicalName(req.Meta.Name), req.Meta.Vers)
	if err := p.retry(ctx, "store archive", func() error {
		return p.storage.Put(ctx, key, req.Archive)
	}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %s %s", ErrConflict, req.Meta.Name, req.Meta.Vers)
		}
		return nil, fmt.Errorf("failed to store archive: %w", err)
	}

	record := indexRecord(req.Meta, processed.Cksum)
	if err := p.retry(ctx, "append index record", func() error {
		return p.index.Append(ctx, req.Meta.Name, record)
	}); err != nil {
		// The blob stays in place: puts are idempotent and a retried
		// publish of the same content is safe.
		return nil, fmt.Errorf("failed to append index record: %w", err)
	}

	// The version is publicly resolvable from here on. Metadata is a
	// derived copy; its failures are logged and reconciled later.
	if err := p.recordMetadata(req.Meta, processed); err != nil {
		p.logger.Warn("metadata recording failed, search index lags the ledger",
			zap.String("crate", req.Meta.Name),
			zap.String("version", req.Meta.Vers),
			zap.Error(err),
		)
	}

	p.logger.Info("crate published",
		zap.String("crate", req.Meta.Name),
		zap.String("version", req.Meta.Vers),
		zap.String("cksum", processed.Cksum),
		zap.Int64("size", processed.Size),
	)
	return &model.PublishResponse{Cksum: processed.Cksum}, nil
}

// validateMetadata checks the declared name, version and dependencies
// before any store is touched.
func (p *Publisher) validateMetadata(meta model.PublishMetadata) error {
	if err := model.ValidateName(meta.Name); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(meta.Vers); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, meta.Vers)
	}

	seen := make(map[string]struct{}, len(meta.Deps))
	for _, dep := range meta.Deps {
		if err := model.ValidateName(dep.Name); err != nil {
			return fmt.Errorf("dependency %q: %w", dep.Name, err)
		}
		if _, err := semver.NewConstraint(dep.VersionReq); err != nil {
			return fmt.Errorf("%w: dependency %q requirement %q", ErrInvalidVersion, dep.Name, dep.VersionReq)
		}
		key := model.CanonicalName(dep.Name) + "\x00" + dep.Target
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate dependency on %q for target %q", dep.Name, dep.Target)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// indexRecord builds the ledger record for a publish.
func indexRecord(meta model.PublishMetadata, cksum string) model.IndexRecord {
	deps := make([]model.IndexDependency, 0, len(meta.Deps))
	for _, dep := range meta.Deps {
		deps = append(deps, dep.IndexDependency())
	}
	features := meta.Features
	if features == nil {
		features = map[string][]string{}
	}
	return model.IndexRecord{
		Name:     meta.Name,
		Vers:     meta.Vers,
		Deps:     deps,
		Cksum:    cksum,
		Features: features,
		Yanked:   false,
		Links:    meta.Links,
	}
}

// recordMetadata upserts the derived crate and version rows.
func (p *Publisher) recordMetadata(meta model.PublishMetadata, processed *ProcessedArchive) error {
	readmeHTML := ""
	if processed.Readme != "" && p.render != nil {
		html, err := p.render(processed.Readme)
		if err != nil {
			p.logger.Warn("readme rendering failed, omitted",
				zap.String("crate", meta.Name),
				zap.Error(err),
			)
		} else {
			readmeHTML = html
		}
	}

	crate := &model.DBCrate{
		Name:          meta.Name,
		CanonName:     model.CanonicalName(meta.Name),
		Description:   meta.Description,
		Documentation: meta.Documentation,
		Repository:    meta.Repository,
		ReadmeHTML:    readmeHTML,
	}
	if err := p.store.UpsertCrate(crate); err != nil {
		return fmt.Errorf("failed to upsert crate: %w", err)
	}

	version := &model.DBVersion{
		CrateID:   crate.ID,
		Vers:      meta.Vers,
		Cksum:     processed.Cksum,
		CreatedAt: time.Now(),
	}
	if err := p.store.AddVersion(version); err != nil {
		return fmt.Errorf("failed to add version: %w", err)
	}
	return nil
}

// Yank marks a published version unfit for new resolution. The ledger
// append is authoritative; the metadata flag is best-effort.
func (p *Publisher) Yank(ctx context.Context, name, version string) error {
	return p.setYanked(ctx, name, version, true)
}

// Unyank clears a version's yanked flag.
func (p *Publisher) Unyank(ctx context.Context, name, version string) error {
	return p.setYanked(ctx, name, version, false)
}

func (p *Publisher) setYanked(ctx context.Context, name, version string, yanked bool) error {
	lock := p.crateLock(name)
	lock.Lock()
	defer lock.Unlock()

	var err error
	if yanked {
		err = p.index.Yank(ctx, name, version)
	} else {
		err = p.index.Unyank(ctx, name, version)
	}
	if err != nil {
		return err
	}

	if err := p.store.SetVersionYanked(model.CanonicalName(name), version, yanked); err != nil {
		p.logger.Warn("metadata yank flag update failed, search index lags the ledger",
			zap.String("crate", name),
			zap.String("version", version),
			zap.Error(err),
		)
	}
	return nil
}

// retry runs fn with bounded attempts and exponential backoff. Sentinel
// failures (conflicts, cancellation) are not retried.
func (p *Publisher) retry(ctx context.Context, op string, fn func() error) error {
	backoff := p.backoff
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == p.maxAttempts {
			break
		}
		p.logger.Warn("transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
