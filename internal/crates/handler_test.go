package crates

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCrates(t *testing.T) (*Store, *echo.Echo) {
	t.Helper()
	store := newTestStore(t)
	h := NewHandler(store, "https://crates.example.com/", testLogger())

	e := echo.New()
	h.Register(e.Group("/api/v1/crates"), e.Group("/index"))
	return store, e
}

func doCrates(e *echo.Echo, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func assertCrateNotFound(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body apiErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "crate or version not found", body.Errors[0].Detail)
}

func TestPublishEndpoint(t *testing.T) {
	store, e := newTestCrates(t)

	tarball := []byte("demo tarball")
	frame := publishFrame(t, PublishMetadata{Name: "demo", Vers: "1.0.0", Features: map[string][]string{}}, tarball)

	rec := doCrates(e, http.MethodPut, "/api/v1/crates/new", frame, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Warnings.Other)

	assert.True(t, store.Exists("demo", "1.0.0"))

	// republish conflicts
	rec = doCrates(e, http.MethodPut, "/api/v1/crates/new", frame, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPublishEndpoint_Validation(t *testing.T) {
	_, e := newTestCrates(t)

	rec := doCrates(e, http.MethodPut, "/api/v1/crates/new", []byte{0x01, 0x02}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	frame := publishFrame(t, PublishMetadata{Name: "bad name", Vers: "1.0.0"}, []byte("x"))
	rec = doCrates(e, http.MethodPut, "/api/v1/crates/new", frame, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	frame = publishFrame(t, PublishMetadata{Name: "demo", Vers: "not-semver"}, []byte("x"))
	rec = doCrates(e, http.MethodPut, "/api/v1/crates/new", frame, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDownloadEndpoint(t *testing.T) {
	store, e := newTestCrates(t)

	tarball := []byte("demo tarball bytes")
	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.2.3"}, tarball)
	require.NoError(t, err)

	rec := doCrates(e, http.MethodGet, "/api/v1/crates/demo/1.2.3/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tarball, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, `attachment; filename="demo-1.2.3.crate"`, rec.Header().Get("Content-Disposition"))
}

func TestDownloadEndpoint_NotFound(t *testing.T) {
	_, e := newTestCrates(t)

	assertCrateNotFound(t, doCrates(e, http.MethodGet, "/api/v1/crates/ghost/1.0.0/download", nil, nil))
	assertCrateNotFound(t, doCrates(e, http.MethodGet, "/api/v1/crates/demo/not-semver/download", nil, nil))
}

func TestYankUnyankEndpoints(t *testing.T) {
	store, e := newTestCrates(t)

	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	rec := doCrates(e, http.MethodDelete, "/api/v1/crates/demo/1.0.0/yank", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ok okResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.True(t, ok.OK)

	index, err := store.Index("demo")
	require.NoError(t, err)
	assert.Contains(t, string(index), `"yanked":true`)

	rec = doCrates(e, http.MethodPut, "/api/v1/crates/demo/1.0.0/unyank", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	index, err = store.Index("demo")
	require.NoError(t, err)
	assert.Contains(t, string(index), `"yanked":false`)
}

func TestYankEndpoint_NotFound(t *testing.T) {
	store, e := newTestCrates(t)

	// never published
	assertCrateNotFound(t, doCrates(e, http.MethodDelete, "/api/v1/crates/ghost/1.0.0/yank", nil, nil))

	// published version exists but the requested one doesn't
	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)
	assertCrateNotFound(t, doCrates(e, http.MethodDelete, "/api/v1/crates/demo/2.0.0/yank", nil, nil))
	assertCrateNotFound(t, doCrates(e, http.MethodPut, "/api/v1/crates/demo/2.0.0/unyank", nil, nil))
}

func TestSearchEndpoint(t *testing.T) {
	store, e := newTestCrates(t)

	for _, pub := range []struct{ name, vers string }{
		{"serde", "1.0.0"},
		{"serde", "1.2.0"},
		{"serde_json", "1.0.1"},
		{"tokio", "1.0.0"},
	} {
		_, err := store.Publish(&PublishMetadata{Name: pub.name, Vers: pub.vers}, []byte("x"))
		require.NoError(t, err)
	}

	rec := doCrates(e, http.MethodGet, "/api/v1/crates?q=serde", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Crates, 2)
	assert.Equal(t, 2, resp.Meta.Total)
	assert.Equal(t, "serde", resp.Crates[0].Name)
	assert.Equal(t, "1.2.0", resp.Crates[0].MaxVersion)
	assert.Equal(t, "serde_json", resp.Crates[1].Name)

	// paging: one result per page, second page gets the second match
	rec = doCrates(e, http.MethodGet, "/api/v1/crates?q=serde&per_page=1&page=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Crates, 1)
	assert.Equal(t, "serde_json", resp.Crates[0].Name)
	assert.Equal(t, 2, resp.Meta.Total)

	// no matches keeps the crates array present
	rec = doCrates(e, http.MethodGet, "/api/v1/crates?q=nothing", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"crates":[]`)
}

func TestSearchEndpoint_EmptyQuery(t *testing.T) {
	_, e := newTestCrates(t)

	rec := doCrates(e, http.MethodGet, "/api/v1/crates", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body apiErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "search query must not be empty", body.Errors[0].Detail)
}

func TestOwnersEndpoints(t *testing.T) {
	store, e := newTestCrates(t)

	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	jsonHeaders := map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON}

	rec := doCrates(e, http.MethodGet, "/api/v1/crates/demo/owners", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed ownersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Users)

	rec = doCrates(e, http.MethodPut, "/api/v1/crates/demo/owners",
		[]byte(`{"users":["alice","bob"]}`), jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doCrates(e, http.MethodGet, "/api/v1/crates/demo/owners", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Users, 2)
	assert.Equal(t, "alice", listed.Users[0].Login)
	assert.Equal(t, uint64(1), listed.Users[0].ID)
	assert.Equal(t, "bob", listed.Users[1].Login)

	// re-adding an existing owner is a no-op, matching case-insensitively
	rec = doCrates(e, http.MethodPut, "/api/v1/crates/demo/owners",
		[]byte(`{"users":["Alice"]}`), jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.Owners("demo"), 2)

	rec = doCrates(e, http.MethodDelete, "/api/v1/crates/demo/owners",
		[]byte(`{"users":["alice"]}`), jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	owners := store.Owners("demo")
	require.Len(t, owners, 1)
	assert.Equal(t, "bob", owners[0].Login)
}

func TestOwnersEndpoints_Errors(t *testing.T) {
	store, e := newTestCrates(t)

	_, err := store.Publish(&PublishMetadata{Name: "demo", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	jsonHeaders := map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON}

	rec := doCrates(e, http.MethodPut, "/api/v1/crates/demo/owners", []byte(`{"users":[]}`), jsonHeaders)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body apiErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "users list must not be empty", body.Errors[0].Detail)

	rec = doCrates(e, http.MethodGet, "/api/v1/crates/ghost/owners", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "crate not found", body.Errors[0].Detail)

	rec = doCrates(e, http.MethodPut, "/api/v1/crates/ghost/owners", []byte(`{"users":["alice"]}`), jsonHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexConfigEndpoint(t *testing.T) {
	_, e := newTestCrates(t)

	rec := doCrates(e, http.MethodGet, "/index/config.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg indexConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "https://crates.example.com/api/v1/crates/{crate}/{version}/download", cfg.DL)
	assert.Equal(t, "https://crates.example.com", cfg.API)
}

func TestIndexFileEndpoint(t *testing.T) {
	store, e := newTestCrates(t)

	_, err := store.Publish(&PublishMetadata{Name: "serde", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	rec := doCrates(e, http.MethodGet, "/index/se/rd/serde", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/plain"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var record IndexRecord
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(rec.Body.Bytes()), &record))
	assert.Equal(t, "serde", record.Name)

	// conditional fetch
	rec = doCrates(e, http.MethodGet, "/index/se/rd/serde", nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// short names use the short prefixes
	_, err = store.Publish(&PublishMetadata{Name: "abc", Vers: "0.1.0"}, []byte("y"))
	require.NoError(t, err)
	rec = doCrates(e, http.MethodGet, "/index/3/a/abc", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexFileEndpoint_WrongPrefix(t *testing.T) {
	store, e := newTestCrates(t)

	_, err := store.Publish(&PublishMetadata{Name: "serde", Vers: "1.0.0"}, []byte("x"))
	require.NoError(t, err)

	rec := doCrates(e, http.MethodGet, "/index/xx/yy/serde", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doCrates(e, http.MethodGet, "/index/serde", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexFileEndpoint_UnknownCrate(t *testing.T) {
	_, e := newTestCrates(t)

	rec := doCrates(e, http.MethodGet, "/index/gh/os/ghost", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
}
