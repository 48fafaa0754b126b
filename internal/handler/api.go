package handler

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Masterminds/semver/v3"
	"github.com/athenaeum-dev/athenaeum/internal/config"
	"github.com/athenaeum-dev/athenaeum/internal/index"
	"github.com/athenaeum-dev/athenaeum/internal/model"
	"github.com/athenaeum-dev/athenaeum/internal/service"
	"github.com/athenaeum-dev/athenaeum/internal/storage"
	"github.com/athenaeum-dev/athenaeum/internal/store"
	"go.uber.org/zap"
)

// metadataSizeLimit bounds the publish metadata block independently of
// the archive size limit.
const metadataSizeLimit = 1 << 20

// API handles HTTP requests
type API struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *store.SQLiteStore
	publisher   *service.Publisher
	index       *index.Manager
	storage     storage.Backend
	auth        *TokenAuth
	rateLimiter *RateLimiter
}

// NewAPI creates a new API instance
func NewAPI(cfg *config.Config, logger *zap.Logger, st *store.SQLiteStore, publisher *service.Publisher, idx *index.Manager, backend storage.Backend) *API {
	return &API{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		publisher:   publisher,
		index:       idx,
		storage:     backend,
		auth:        NewTokenAuth(st, cfg.Auth.Enabled, logger),
		rateLimiter: NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	}
}

// Close releases the API's resources.
func (a *API) Close() error {
	a.rateLimiter.Close()
	return nil
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Registry API with rate limiting
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.rateLimiter.RateLimit)
		r.Get("/crates", a.search)
		r.Get("/crates/{name}", a.crateInfo)
		r.Get("/crates/{name}/owners", a.owners)
		r.Get("/crates/{name}/{version}/download", a.download)

		r.Group(func(r chi.Router) {
			r.Use(a.auth.Require)
			r.Put("/crates/new", a.publish)
			r.Delete("/crates/{name}/{version}/yank", a.yank)
			r.Put("/crates/{name}/{version}/unyank", a.unyank)
		})
	})

	// Admin routes (localhost only)
	r.Route("/admin", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Post("/tokens", a.createToken)
	})

	// Read-only index shard server for clients that fetch over HTTP
	// instead of cloning the git remote.
	indexServer := http.FileServer(http.Dir(a.cfg.Index.Path))
	r.Handle("/index/*", a.rateLimiter.RateLimit(SecureIndexServer(http.StripPrefix("/index/", indexServer))))
}

// publish accepts a crate upload: a length-prefixed JSON metadata block
// followed by a length-prefixed archive blob.
func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	meta, archive, err := decodePublishBody(r.Body, a.cfg.Registry.MaxCrateSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.publisher.Publish(r.Context(), service.PublishRequest{
		Meta:    meta,
		Archive: archive,
	})
	if err != nil {
		a.writePublishError(w, meta, err)
		return
	}

	if owner := TokenName(r); owner != "" {
		if err := a.store.SetCrateOwnerIfEmpty(model.CanonicalName(meta.Name), owner); err != nil {
			a.logger.Warn("failed to record crate owner",
				zap.String("crate", meta.Name),
				zap.Error(err),
			)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writePublishError maps pipeline errors onto client-visible statuses.
func (a *API) writePublishError(w http.ResponseWriter, meta model.PublishMetadata, err error) {
	switch {
	case errors.Is(err, service.ErrTooLarge),
		errors.Is(err, service.ErrMalformed),
		errors.Is(err, service.ErrInvalidVersion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error("publish failed",
			zap.String("crate", meta.Name),
			zap.String("version", meta.Vers),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodePublishBody parses the upload framing: u32-le metadata length,
// metadata JSON, u32-le archive length, archive bytes.
func decodePublishBody(body io.Reader, maxCrateSize int64) (model.PublishMetadata, []byte, error) {
	var meta model.PublishMetadata

	metaBytes, err := readLengthPrefixed(body, metadataSizeLimit)
	if err != nil {
		return meta, nil, fmt.Errorf("invalid metadata block: %w", err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return meta, nil, fmt.Errorf("invalid metadata block: %w", err)
	}

	archive, err := readLengthPrefixed(body, maxCrateSize)
	if err != nil {
		return meta, nil, fmt.Errorf("invalid archive block: %w", err)
	}
	return meta, archive, nil
}

// readLengthPrefixed reads one u32-le length-prefixed block.
func readLengthPrefixed(r io.Reader, limit int64) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}
	if limit > 0 && int64(length) > limit {
		return nil, fmt.Errorf("block of %d bytes exceeds limit %d", length, limit)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	return data, nil
}

// download serves the raw archive bytes for a crate version. The blob
// key is derived from the request path; the index is consulted only to
// confirm the version was published.
func (a *API) download(w http.ResponseWriter, r *http.Request) {
	name, version, ok := a.crateVersionParams(w, r)
	if !ok {
		return
	}
	canon := model.CanonicalName(name)

	records, err := a.index.Read(canon)
	if err != nil {
		a.logger.Error("failed to read index", zap.String("crate", canon), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	published := false
	for i := range records {
		if records[i].Vers == version {
			published = true
			break
		}
	}
	if !published {
		writeError(w, http.StatusNotFound, fmt.Sprintf("crate not found: %s %s", canon, version))
		return
	}

	data, err := a.storage.Get(r.Context(), storage.CrateKey(canon, version))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("crate not found: %s %s", canon, version))
			return
		}
		a.logger.Error("failed to read archive",
			zap.String("crate", canon),
			zap.String("version", version),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := a.store.IncrementDownloads(canon); err != nil {
		a.logger.Warn("failed to increment downloads", zap.String("crate", canon), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// yank marks a version unfit for new dependency resolution.
func (a *API) yank(w http.ResponseWriter, r *http.Request) {
	a.setYanked(w, r, true)
}

// unyank restores a yanked version.
func (a *API) unyank(w http.ResponseWriter, r *http.Request) {
	a.setYanked(w, r, false)
}

func (a *API) setYanked(w http.ResponseWriter, r *http.Request, yanked bool) {
	name, version, ok := a.crateVersionParams(w, r)
	if !ok {
		return
	}

	var err error
	if yanked {
		err = a.publisher.Yank(r.Context(), name, version)
	} else {
		err = a.publisher.Unyank(r.Context(), name, version)
	}
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("crate not found: %s %s", name, version))
			return
		}
		a.logger.Error("yank state update failed",
			zap.String("crate", name),
			zap.String("version", version),
			zap.Bool("yanked", yanked),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, model.OKResponse{OK: true})
}

// search returns crates matching the q parameter from the metadata
// store. Results may lag the index.
func (a *API) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	results, total, err := a.store.Search(q, perPage)
	if err != nil {
		a.logger.Error("search failed", zap.String("q", q), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, model.SearchResponse{
		Crates: results,
		Meta:   model.SearchMeta{Total: total},
	})
}

// crateInfo returns crate metadata with the authoritative version list
// from the index.
func (a *API) crateInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := model.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	canon := model.CanonicalName(name)

	records, err := a.index.Read(canon)
	if err != nil {
		a.logger.Error("failed to read index", zap.String("crate", canon), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("crate not found: %s", canon))
		return
	}

	// Latest record per version carries its current yank state.
	latest := make(map[string]model.IndexRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := latest[rec.Vers]; !seen {
			order = append(order, rec.Vers)
		}
		latest[rec.Vers] = rec
	}

	info := model.CrateInfo{
		Name:     canon,
		Versions: make([]model.VersionInfo, 0, len(order)),
	}
	for _, vers := range order {
		rec := latest[vers]
		info.Versions = append(info.Versions, model.VersionInfo{
			Vers:   rec.Vers,
			Cksum:  rec.Cksum,
			Yanked: rec.Yanked,
		})
	}

	if crate, err := a.store.GetCrateByName(canon); err == nil {
		info.Description = crate.Description
		info.Documentation = crate.Documentation
		info.Repository = crate.Repository
		info.Downloads = crate.Downloads
		info.ReadmeHTML = crate.ReadmeHTML
	}

	writeJSON(w, http.StatusOK, info)
}

// owners lists the crate's owning identity.
func (a *API) owners(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := model.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	crate, err := a.store.GetCrateByName(model.CanonicalName(name))
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("crate not found: %s", name))
		return
	}

	resp := model.OwnersResponse{Users: []model.OwnerInfo{}}
	if crate.Owner != "" {
		resp.Users = append(resp.Users, model.OwnerInfo{ID: crate.ID, Login: crate.Owner})
	}
	writeJSON(w, http.StatusOK, resp)
}

// createToken mints a new API token. Localhost only.
func (a *API) createToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "token name is required")
		return
	}

	token, err := a.store.CreateToken(req.Name)
	if err != nil {
		a.logger.Error("failed to create token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	a.logger.Info("api token created", zap.String("name", token.Name))
	writeJSON(w, http.StatusCreated, token)
}

// crateVersionParams extracts and validates the {name}/{version} pair.
func (a *API) crateVersionParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	if err := model.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid version %q", version))
		return "", "", false
	}
	return name, version, true
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes the error body format expected by registry clients.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Errors: []model.ErrorDetail{{Detail: detail}},
	})
}
