package registry

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogPagination(t *testing.T) {
	h, e := newTestRegistry(t)

	dgst := digest.FromString("manifest")
	for _, repo := range []string{"alpha", "bravo", "charlie", "delta"} {
		require.NoError(t, h.tags.Set(repo, "latest", dgst))
	}

	rec := do(e, http.MethodGet, "/v2/_catalog", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var full catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &full))
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, full.Repositories)
	assert.Empty(t, rec.Header().Get("Link"))

	rec = do(e, http.MethodGet, "/v2/_catalog?n=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, []string{"alpha", "bravo"}, page.Repositories)
	assert.Equal(t, `</v2/_catalog?last=bravo&n=2>; rel="next"`, rec.Header().Get("Link"))

	// a full final page still carries a Link; only a short page ends the listing
	rec = do(e, http.MethodGet, "/v2/_catalog?n=2&last=bravo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, []string{"charlie", "delta"}, page.Repositories)
	assert.Equal(t, `</v2/_catalog?last=delta&n=2>; rel="next"`, rec.Header().Get("Link"))

	rec = do(e, http.MethodGet, "/v2/_catalog?n=2&last=delta", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Repositories)
	assert.Empty(t, rec.Header().Get("Link"))
}

func TestCatalogEmpty(t *testing.T) {
	_, e := newTestRegistry(t)

	rec := do(e, http.MethodGet, "/v2/_catalog", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Repositories)
}

func TestCatalogInvalidPageSize(t *testing.T) {
	_, e := newTestRegistry(t)

	for _, query := range []string{"n=0", "n=-1", "n=abc"} {
		rec := do(e, http.MethodGet, "/v2/_catalog?"+query, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestTagsList(t *testing.T) {
	h, e := newTestRegistry(t)

	dgst := digest.FromString("manifest")
	for _, tag := range []string{"v2", "v1", "latest", "edge"} {
		require.NoError(t, h.tags.Set("library/app", tag, dgst))
	}

	rec := do(e, http.MethodGet, "/v2/library/app/tags/list", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tagListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "library/app", resp.Name)
	assert.Equal(t, []string{"edge", "latest", "v1", "v2"}, resp.Tags)

	rec = do(e, http.MethodGet, "/v2/library/app/tags/list?n=2&last=edge", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"latest", "v1"}, resp.Tags)
	assert.Contains(t, rec.Header().Get("Link"), "last=v1")
}

func TestTagsListUnknownRepository(t *testing.T) {
	_, e := newTestRegistry(t)

	rec := do(e, http.MethodGet, "/v2/library/app/tags/list", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNameUnknown, body.Errors[0].Code)
}

func TestPaginate(t *testing.T) {
	sorted := []string{"a", "b", "c", "d"}

	page, full := paginate(sorted, "", 10)
	assert.Equal(t, sorted, page)
	assert.False(t, full)

	page, full = paginate(sorted, "", 2)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.True(t, full)

	// cursor that is not a member still works as a lower bound
	page, full = paginate(sorted, "bb", 2)
	assert.Equal(t, []string{"c", "d"}, page)
	assert.True(t, full)

	page, full = paginate(sorted, "d", 2)
	assert.Empty(t, page)
	assert.False(t, full)
}
