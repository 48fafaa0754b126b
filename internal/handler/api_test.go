package handler

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/athenaeum-dev/athenaeum/internal/config"
	"github.com/athenaeum-dev/athenaeum/internal/index"
	"github.com/athenaeum-dev/athenaeum/internal/model"
	"github.com/athenaeum-dev/athenaeum/internal/service"
	"github.com/athenaeum-dev/athenaeum/internal/storage"
	"github.com/athenaeum-dev/athenaeum/internal/store"
	"github.com/athenaeum-dev/athenaeum/pkg/render"
)

type testServer struct {
	router chi.Router
	store  *store.SQLiteStore
	cfg    *config.Config
}

func newTestServer(t *testing.T, authEnabled bool) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Storage.Path = t.TempDir()
	cfg.Index.Path = t.TempDir()
	cfg.Registry.MaxCrateSize = 1 << 20
	cfg.Auth.Enabled = authEnabled
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000

	log := zap.NewNop()
	backend := storage.NewLocalBackend(cfg.Storage.Path)
	idx := index.NewManager(cfg.Index.Path, index.NopSyncer{}, log)
	st, err := store.NewSQLiteStore(cfg.Storage.Path, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	publisher := service.NewPublisher(backend, idx, st, render.Markdown, cfg.Registry.MaxCrateSize, log)
	api := NewAPI(cfg, log, st, publisher, idx, backend)
	t.Cleanup(func() { api.Close() })

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return &testServer{router: r, store: st, cfg: cfg}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func makeCrate(t *testing.T, name, version string, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	root := name + "-" + version
	for path, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: root + "/" + path,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// publishBody frames a publish upload: u32-le metadata length, metadata
// JSON, u32-le archive length, archive bytes.
func publishBody(t *testing.T, meta model.PublishMetadata, archive []byte) *bytes.Buffer {
	t.Helper()

	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(metaBytes))))
	buf.Write(metaBytes)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(archive))))
	buf.Write(archive)
	return &buf
}

func publishCrate(t *testing.T, s *testServer, name, vers string) []byte {
	t.Helper()

	archive := makeCrate(t, name, vers, map[string]string{
		"src/lib.rs": "pub fn it() {}\n",
		"README.md":  "# " + name + "\n",
	})
	meta := model.PublishMetadata{Name: name, Vers: vers, Description: "a test crate"}
	req := httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, archive))
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return archive
}

func TestPublishDownloadRoundtrip(t *testing.T) {
	s := newTestServer(t, false)

	archive := makeCrate(t, "left-pad", "1.0.0", map[string]string{
		"src/lib.rs": "pub fn pad() {}\n",
		"README.md":  "# left-pad\n",
	})
	meta := model.PublishMetadata{Name: "left-pad", Vers: "1.0.0", Description: "pads strings"}

	rec := s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, archive)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.PublishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sum := sha256.Sum256(archive)
	require.Equal(t, hex.EncodeToString(sum[:]), resp.Cksum)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad/1.0.0/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, archive, rec.Body.Bytes())

	// Download bumped the counter.
	crate, err := s.store.GetCrateByName("left-pad")
	require.NoError(t, err)
	require.EqualValues(t, 1, crate.Downloads)
}

func TestDownloadUnknownCrate(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/no-such/1.0.0/download", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Errors)
}

func TestPublishMalformedBody(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", bytes.NewBufferString("garbage")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishOversizedArchiveRejected(t *testing.T) {
	s := newTestServer(t, false)
	s.cfg.Registry.MaxCrateSize = 1 << 20

	meta := model.PublishMetadata{Name: "left-pad", Vers: "1.0.0"}
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(metaBytes))))
	buf.Write(metaBytes)
	// Declared archive length beyond the limit; no need to send bytes.
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(2<<20)))

	rec := s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", &buf))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishConflict(t *testing.T) {
	s := newTestServer(t, false)

	publishCrate(t, s, "left-pad", "1.0.0")

	other := makeCrate(t, "left-pad", "1.0.0", map[string]string{
		"src/lib.rs": "pub fn tampered() {}\n",
	})
	meta := model.PublishMetadata{Name: "left-pad", Vers: "1.0.0"}
	rec := s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, other)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestYankFlow(t *testing.T) {
	s := newTestServer(t, false)

	publishCrate(t, s, "left-pad", "1.0.0")

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/crates/left-pad/1.0.0/yank", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info model.CrateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Len(t, info.Versions, 1)
	require.True(t, info.Versions[0].Yanked)

	// Yanked versions stay downloadable for existing lockfiles.
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad/1.0.0/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/left-pad/1.0.0/unyank", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.False(t, info.Versions[0].Yanked)
}

func TestYankUnknownVersion(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/crates/left-pad/1.0.0/yank", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearch(t *testing.T) {
	s := newTestServer(t, false)

	publishCrate(t, s, "left-pad", "1.0.0")
	publishCrate(t, s, "right-pad", "0.1.0")
	publishCrate(t, s, "serde", "1.0.0")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates?q=pad", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 2, resp.Meta.Total)
	require.Len(t, resp.Crates, 2)
}

func TestCrateInfoIncludesReadme(t *testing.T) {
	s := newTestServer(t, false)

	publishCrate(t, s, "left-pad", "1.0.0")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var info model.CrateInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Contains(t, info.ReadmeHTML, "<h1")
	require.Equal(t, "a test crate", info.Description)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, true)

	archive := makeCrate(t, "left-pad", "1.0.0", map[string]string{"src/lib.rs": "pub fn pad() {}\n"})
	meta := model.PublishMetadata{Name: "left-pad", Vers: "1.0.0"}

	rec := s.do(httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, archive)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, archive))
	req.Header.Set("Authorization", "bogus")
	rec = s.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	token, err := s.store.CreateToken("alice")
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/crates/new", publishBody(t, meta, archive))
	req.Header.Set("Authorization", token.Token)
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The publishing identity becomes the crate owner.
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad/owners", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var owners model.OwnersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &owners))
	require.Len(t, owners.Users, 1)
	require.Equal(t, "alice", owners.Users[0].Login)

	// Reads stay open.
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/crates/left-pad/1.0.0/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexFileServer(t *testing.T) {
	s := newTestServer(t, false)

	publishCrate(t, s, "left-pad", "1.0.0")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/index/le/ft/left-pad", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"vers":"1.0.0"`)

	// Git metadata and directory listings stay hidden.
	rec = s.do(httptest.NewRequest(http.MethodGet, "/index/.git/HEAD", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/index/le/ft/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminTokensLocalOnly(t *testing.T) {
	s := newTestServer(t, true)

	body := bytes.NewBufferString(`{"name":"ci-bot"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/tokens", body)
	req.RemoteAddr = "203.0.113.9:4242"
	rec := s.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	body = bytes.NewBufferString(`{"name":"ci-bot"}`)
	req = httptest.NewRequest(http.MethodPost, "/admin/tokens", body)
	req.RemoteAddr = "127.0.0.1:4242"
	rec = s.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var token model.DBToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	require.NotEmpty(t, token.Token)
}
