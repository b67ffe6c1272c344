package crates

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
)

// maxPublishBytes bounds the publish payload (metadata plus tarball).
const maxPublishBytes = 64 << 20

type apiError struct {
	Detail string `json:"detail"`
}

type apiErrorBody struct {
	Errors []apiError `json:"errors"`
}

func writeError(c echo.Context, status int, detail string) error {
	return c.JSON(status, apiErrorBody{Errors: []apiError{{Detail: detail}}})
}

// notFound is the uniform body for every missing crate or version. It does
// not distinguish unknown names from unknown versions.
func notFound(c echo.Context) error {
	return writeError(c, http.StatusNotFound, "crate or version not found")
}

type okResponse struct {
	OK bool `json:"ok"`
}

type publishWarnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

type publishResponse struct {
	Warnings publishWarnings `json:"warnings"`
}

type indexConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required,omitempty"`
}

// Handler serves the crate API and the sparse index.
type Handler struct {
	store   *Store
	baseURL string
	log     *log.Logger
}

// NewHandler wires the store into the crate HTTP surface. baseURL is the
// externally visible registry URL advertised in the index config.
func NewHandler(store *Store, baseURL string, logger *log.Logger) *Handler {
	return &Handler{store: store, baseURL: strings.TrimSuffix(baseURL, "/"), log: logger}
}

// Register mounts the crate API on the api group and the sparse index on
// the index group. The mutation middleware guards publish, yank, unyank and
// owner management; search, downloads and the index stay public.
func (h *Handler) Register(api, index *echo.Group, mutation ...echo.MiddlewareFunc) {
	api.GET("", h.search)
	api.PUT("/new", h.publish, mutation...)
	api.GET("/:name/:version/download", h.download)
	api.DELETE("/:name/:version/yank", h.yank, mutation...)
	api.PUT("/:name/:version/unyank", h.unyank, mutation...)
	api.GET("/:name/owners", h.listOwners, mutation...)
	api.PUT("/:name/owners", h.addOwners, mutation...)
	api.DELETE("/:name/owners", h.removeOwners, mutation...)

	index.GET("/config.json", h.indexConfig)
	index.GET("/*", h.indexFile)
}

// download serves the .crate tarball for a published version.
func (h *Handler) download(c echo.Context) error {
	name, version := c.Param("name"), c.Param("version")
	if ValidateName(name) != nil || ValidateVersion(version) != nil {
		return notFound(c)
	}

	data, err := h.store.Read(name, version)
	if err != nil {
		return notFound(c)
	}

	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%s.crate", name, version)))
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// publish handles the cargo publish frame.
func (h *Handler) publish(c echo.Context) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxPublishBytes))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "payload too large or unreadable")
	}

	meta, tarball, err := ParsePublish(body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	if err := ValidateName(meta.Name); err != nil {
		return writeError(c, http.StatusUnprocessableEntity, "invalid crate name")
	}
	if err := ValidateVersion(meta.Vers); err != nil {
		return writeError(c, http.StatusUnprocessableEntity, "invalid version string")
	}

	if _, err := h.store.Publish(meta, tarball); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return writeError(c, http.StatusConflict, "this version has already been published")
		}
		h.log.Error("publish failed", "name", meta.Name, "version", meta.Vers, "error", err)
		return writeError(c, http.StatusInternalServerError, "failed to store crate")
	}

	return c.JSON(http.StatusOK, publishResponse{Warnings: publishWarnings{
		InvalidCategories: []string{},
		InvalidBadges:     []string{},
		Other:             []string{},
	}})
}

type searchMeta struct {
	Total int `json:"total"`
}

type searchResponse struct {
	Crates []SearchResult `json:"crates"`
	Meta   searchMeta     `json:"meta"`
}

// search answers cargo search: substring match on crate names, paged with
// per_page (1-100, default 10) and page (default 1).
func (h *Handler) search(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return writeError(c, http.StatusBadRequest, "search query must not be empty")
	}

	perPage := 10
	if raw := c.QueryParam("per_page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			perPage = min(max(n, 1), 100)
		}
	}
	page := 1
	if raw := c.QueryParam("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 1 {
			page = n
		}
	}

	matches, err := h.store.Search(query)
	if err != nil {
		h.log.Error("search failed", "query", query, "error", err)
		return writeError(c, http.StatusInternalServerError, "search failed")
	}

	start := min((page-1)*perPage, len(matches))
	end := min(start+perPage, len(matches))
	crates := matches[start:end]
	if crates == nil {
		crates = []SearchResult{}
	}

	return c.JSON(http.StatusOK, searchResponse{
		Crates: crates,
		Meta:   searchMeta{Total: len(matches)},
	})
}

type ownersRequest struct {
	Users []string `json:"users"`
}

type ownersResponse struct {
	Users []Owner `json:"users"`
}

func (h *Handler) listOwners(c echo.Context) error {
	name := c.Param("name")
	if ValidateName(name) != nil || !h.store.CrateExists(name) {
		return writeError(c, http.StatusNotFound, "crate not found")
	}

	owners := h.store.Owners(name)
	if owners == nil {
		owners = []Owner{}
	}
	return c.JSON(http.StatusOK, ownersResponse{Users: owners})
}

func (h *Handler) addOwners(c echo.Context) error {
	return h.mutateOwners(c, h.store.AddOwners)
}

func (h *Handler) removeOwners(c echo.Context) error {
	return h.mutateOwners(c, h.store.RemoveOwners)
}

func (h *Handler) mutateOwners(c echo.Context, apply func(string, []string) error) error {
	name := c.Param("name")
	if ValidateName(name) != nil || !h.store.CrateExists(name) {
		return writeError(c, http.StatusNotFound, "crate not found")
	}

	var req ownersRequest
	if err := c.Bind(&req); err != nil || len(req.Users) == 0 {
		return writeError(c, http.StatusBadRequest, "users list must not be empty")
	}

	if err := apply(name, req.Users); err != nil {
		h.log.Error("owners update failed", "name", name, "error", err)
		return writeError(c, http.StatusInternalServerError, "failed to update owners")
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (h *Handler) yank(c echo.Context) error {
	return h.setYanked(c, true)
}

func (h *Handler) unyank(c echo.Context) error {
	return h.setYanked(c, false)
}

// setYanked flips the index record after confirming the tarball exists.
func (h *Handler) setYanked(c echo.Context, yanked bool) error {
	name, version := c.Param("name"), c.Param("version")
	if ValidateName(name) != nil || ValidateVersion(version) != nil {
		return notFound(c)
	}
	if !h.store.Exists(name, version) {
		return notFound(c)
	}

	found, err := h.store.SetYanked(name, version, yanked)
	if err != nil {
		h.log.Error("yank update failed", "name", name, "version", version, "error", err)
		return writeError(c, http.StatusInternalServerError, "failed to update index")
	}
	if !found {
		return notFound(c)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// indexConfig serves the sparse registry configuration cargo fetches first.
func (h *Handler) indexConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, indexConfig{
		DL:  h.baseURL + "/api/v1/crates/{crate}/{version}/download",
		API: h.baseURL,
	})
}

// indexFile serves one crate's newline-delimited index records. The prefix
// segment the client sends must match the one derived from the name.
func (h *Handler) indexFile(c echo.Context) error {
	full := strings.Trim(c.Param("*"), "/")
	slash := strings.LastIndex(full, "/")
	if slash < 0 {
		return c.NoContent(http.StatusNotFound)
	}
	prefix, name := full[:slash], strings.ToLower(full[slash+1:])

	if ValidateName(name) != nil || prefix != IndexPrefix(name) {
		return c.NoContent(http.StatusNotFound)
	}

	data, err := h.store.Index(name)
	if err != nil {
		data = []byte("[]")
	}

	etag := fmt.Sprintf("%q", digest.FromBytes(data).Encoded())
	c.Response().Header().Set("ETag", etag)
	c.Response().Header().Set("Cache-Control", "no-cache")
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}

	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", data)
}
