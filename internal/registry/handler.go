package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"warehouse/internal/storage"
	"warehouse/pkg/validation"
)

const (
	headerAPIVersion    = "Docker-Distribution-API-Version"
	headerContentDigest = "Docker-Content-Digest"
	headerUploadUUID    = "Docker-Upload-UUID"
	apiVersion          = "registry/2.0"

	// maxManifestBytes bounds manifest uploads.
	maxManifestBytes = 4 << 20
)

// Handler serves the /v2 distribution API.
type Handler struct {
	blobs   *storage.CAS
	uploads *storage.UploadManager
	tags    *storage.TagStore
	log     *log.Logger
}

// NewHandler wires the stores into a v2 API handler.
func NewHandler(blobs *storage.CAS, uploads *storage.UploadManager, tags *storage.TagStore, logger *log.Logger) *Handler {
	return &Handler{blobs: blobs, uploads: uploads, tags: tags, log: logger}
}

// Register mounts the v2 API routes on the group. Repository names may span
// several path segments, so everything below the static endpoints goes
// through one dispatcher that parses the path itself.
func (h *Handler) Register(g *echo.Group) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(headerAPIVersion, apiVersion)
			return next(c)
		}
	})
	g.GET("/", h.probe)
	g.HEAD("/", h.probe)
	g.GET("/_catalog", h.catalog)
	g.Any("/*", h.dispatch)
}

// probe answers the capability check clients issue before anything else.
func (h *Handler) probe(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{})
}

func (h *Handler) dispatch(c echo.Context) error {
	path := strings.TrimPrefix(c.Request().URL.Path, "/v2/")

	if name, ok := strings.CutSuffix(path, "/tags/list"); ok {
		return h.withRepo(c, name, func() error { return h.listTags(c, name) })
	}
	if i := strings.Index(path, "/blobs/uploads"); i >= 0 {
		name := path[:i]
		id := strings.TrimPrefix(path[i+len("/blobs/uploads"):], "/")
		return h.withRepo(c, name, func() error { return h.dispatchUpload(c, name, id) })
	}
	if i := strings.Index(path, "/blobs/"); i >= 0 {
		name, dgst := path[:i], path[i+len("/blobs/"):]
		return h.withRepo(c, name, func() error { return h.dispatchBlob(c, name, dgst) })
	}
	if i := strings.Index(path, "/manifests/"); i >= 0 {
		name, ref := path[:i], path[i+len("/manifests/"):]
		return h.withRepo(c, name, func() error { return h.dispatchManifest(c, name, ref) })
	}

	return writeError(c, http.StatusNotFound, CodeNameUnknown, "unknown endpoint")
}

// withRepo validates the repository name before any I/O happens.
func (h *Handler) withRepo(c echo.Context, name string, next func() error) error {
	if err := validation.ValidateRepositoryName(name); err != nil {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "invalid repository name")
	}
	return next()
}

func methodNotAllowed(c echo.Context) error {
	return writeError(c, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed")
}

// --- blobs ---

func (h *Handler) dispatchBlob(c echo.Context, name, rawDigest string) error {
	switch c.Request().Method {
	case http.MethodHead:
		return h.headBlob(c, rawDigest)
	case http.MethodGet:
		return h.getBlob(c, rawDigest)
	case http.MethodDelete:
		return h.deleteBlob(c, name, rawDigest)
	default:
		return methodNotAllowed(c)
	}
}

func (h *Handler) headBlob(c echo.Context, rawDigest string) error {
	dgst, err := storage.ParseDigest(rawDigest)
	if err != nil {
		return translateError(c, err)
	}
	size, err := h.blobs.Size(dgst.String())
	if err != nil {
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(headerContentDigest, dgst.String())
	header.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	header.Set(echo.HeaderContentType, "application/octet-stream")
	return c.NoContent(http.StatusOK)
}

// getBlob serves blob content. Range requests come through http.ServeContent
// which answers them with 206 and the matching Content-Range.
func (h *Handler) getBlob(c echo.Context, rawDigest string) error {
	dgst, err := storage.ParseDigest(rawDigest)
	if err != nil {
		return translateError(c, err)
	}
	file, _, err := h.blobs.Open(dgst.String())
	if err != nil {
		return translateError(c, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(headerContentDigest, dgst.String())
	header.Set(echo.HeaderContentType, "application/octet-stream")
	http.ServeContent(c.Response(), c.Request(), "", info.ModTime(), file)
	return nil
}

func (h *Handler) deleteBlob(c echo.Context, name, rawDigest string) error {
	dgst, err := storage.ParseDigest(rawDigest)
	if err != nil {
		return translateError(c, err)
	}
	if err := h.blobs.Delete(dgst); err != nil {
		return translateError(c, err)
	}
	h.log.Info("blob deleted", "repository", name, "digest", dgst)
	return c.NoContent(http.StatusAccepted)
}

// --- uploads ---

func (h *Handler) dispatchUpload(c echo.Context, name, id string) error {
	if id == "" {
		if c.Request().Method != http.MethodPost {
			return methodNotAllowed(c)
		}
		return h.startUpload(c, name)
	}
	if err := validation.ValidateUUID(id); err != nil {
		return translateError(c, storage.ErrUploadUnknown)
	}

	switch c.Request().Method {
	case http.MethodPatch:
		return h.patchUpload(c, name, id)
	case http.MethodPut:
		return h.completeUpload(c, name, id)
	case http.MethodGet:
		return h.uploadStatus(c, name, id)
	case http.MethodDelete:
		return h.cancelUpload(c, name, id)
	default:
		return methodNotAllowed(c)
	}
}

// startUpload opens a session. When ?mount= names a digest already in the
// store the blob is mounted straight into the repository instead.
func (h *Handler) startUpload(c echo.Context, name string) error {
	if mount := c.QueryParam("mount"); mount != "" {
		if dgst, err := storage.ParseDigest(mount); err == nil && h.blobs.Exists(dgst.String()) {
			h.log.Info("blob mounted", "repository", name, "from", c.QueryParam("from"), "digest", dgst)
			c.Response().Header().Set(echo.HeaderLocation, blobLocation(name, dgst.String()))
			c.Response().Header().Set(headerContentDigest, dgst.String())
			return c.NoContent(http.StatusCreated)
		}
		// Fall through to a regular upload when the source blob is missing.
	}

	id, err := h.uploads.Start(name)
	if err != nil {
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, uploadLocation(name, id))
	header.Set(headerUploadUUID, id)
	header.Set("Range", "0-0")
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) patchUpload(c echo.Context, name, id string) error {
	start := int64(-1)
	if contentRange := c.Request().Header.Get("Content-Range"); contentRange != "" {
		parsed, err := parseContentRangeStart(contentRange)
		if err != nil {
			return translateError(c, storage.ErrRangeInvalid)
		}
		start = parsed
	}

	chunk, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return translateError(c, err)
	}

	offset, err := h.uploads.Append(name, id, start, chunk)
	if err != nil {
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, uploadLocation(name, id))
	header.Set(headerUploadUUID, id)
	header.Set("Range", rangeHeader(offset))
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) completeUpload(c echo.Context, name, id string) error {
	claimed, err := storage.ParseDigest(c.QueryParam("digest"))
	if err != nil {
		return translateError(c, err)
	}

	final, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return translateError(c, err)
	}

	if err := h.uploads.Complete(name, id, claimed, final, h.blobs); err != nil {
		return translateError(c, err)
	}

	h.log.Info("blob committed", "repository", name, "digest", claimed)
	header := c.Response().Header()
	header.Set(echo.HeaderLocation, blobLocation(name, claimed.String()))
	header.Set(headerContentDigest, claimed.String())
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) uploadStatus(c echo.Context, name, id string) error {
	offset, err := h.uploads.Status(name, id)
	if err != nil {
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(headerUploadUUID, id)
	header.Set("Range", rangeHeader(offset))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) cancelUpload(c echo.Context, name, id string) error {
	if err := h.uploads.Cancel(name, id); err != nil {
		return translateError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- manifests ---

func (h *Handler) dispatchManifest(c echo.Context, name, reference string) error {
	if !strings.Contains(reference, ":") {
		if err := validation.ValidateTag(reference); err != nil {
			return writeError(c, http.StatusBadRequest, CodeUnsupported, "invalid tag")
		}
	}

	switch c.Request().Method {
	case http.MethodHead, http.MethodGet:
		return h.getManifest(c, name, reference)
	case http.MethodPut:
		return h.putManifest(c, name, reference)
	case http.MethodDelete:
		return h.deleteManifest(c, name, reference)
	default:
		return methodNotAllowed(c)
	}
}

func (h *Handler) getManifest(c echo.Context, name, reference string) error {
	manifest, err := h.ResolveManifest(name, reference, c.Request().Header.Get("Accept"))
	if err != nil {
		if errors.Is(err, ErrNotAcceptable) {
			return writeError(c, http.StatusNotAcceptable, CodeUnsupported, "no acceptable manifest representation")
		}
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(headerContentDigest, manifest.Digest.String())
	header.Set(echo.HeaderContentLength, strconv.Itoa(len(manifest.Content)))

	if c.Request().Method == http.MethodHead {
		header.Set(echo.HeaderContentType, manifest.MediaType)
		return c.NoContent(http.StatusOK)
	}
	return c.Blob(http.StatusOK, manifest.MediaType, manifest.Content)
}

func (h *Handler) putManifest(c echo.Context, name, reference string) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxManifestBytes)
	content, err := io.ReadAll(body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "manifest too large or unreadable")
	}

	dgst, err := h.PutManifest(name, reference, content)
	switch {
	case err == nil:
	case errors.Is(err, ErrManifestInvalid):
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "manifest invalid")
	case errors.Is(err, ErrUnsupportedManifest):
		return writeError(c, http.StatusUnsupportedMediaType, CodeUnsupported, "unsupported manifest type")
	default:
		return translateError(c, err)
	}

	header := c.Response().Header()
	header.Set(echo.HeaderLocation, fmt.Sprintf("/v2/%s/manifests/%s", name, dgst))
	header.Set(headerContentDigest, dgst.String())
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) deleteManifest(c echo.Context, name, reference string) error {
	if err := h.DeleteManifest(name, reference); err != nil {
		return translateError(c, err)
	}
	h.log.Info("manifest deleted", "repository", name, "reference", reference)
	return c.NoContent(http.StatusAccepted)
}

// --- helpers ---

func uploadLocation(name, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id)
}

func blobLocation(name, dgst string) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, dgst)
}

// rangeHeader renders the inclusive byte range clients resume from.
func rangeHeader(offset int64) string {
	if offset <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", offset-1)
}

// parseContentRangeStart extracts the start offset from "start-end".
func parseContentRangeStart(value string) (int64, error) {
	value = strings.TrimPrefix(value, "bytes ")
	start, _, found := strings.Cut(value, "-")
	if !found {
		return 0, fmt.Errorf("malformed content range %q", value)
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(start), 10, 64)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("malformed content range %q", value)
	}
	return parsed, nil
}
