// Package registry implements the Docker/OCI v2 distribution API over the
// content-addressable stores.
package registry

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"warehouse/internal/storage"
)

// Error codes exposed on the wire.
const (
	CodeBlobUnknown     = "BLOB_UNKNOWN"
	CodeManifestUnknown = "MANIFEST_UNKNOWN"
	CodeNameUnknown     = "NAME_UNKNOWN"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeDenied          = "DENIED"
	CodeUnsupported     = "UNSUPPORTED"
)

// ErrorDetail is one error entry in a v2 API error body.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse is the v2 API error envelope.
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{Errors: []ErrorDetail{{Code: code, Message: message}}})
}

// translateError maps a storage error onto the wire taxonomy. Unknown errors
// become an opaque 500 so internal paths never leak into response bodies.
func translateError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrDigestInvalid):
		return writeError(c, http.StatusBadRequest, CodeUnsupported, "digest invalid")
	case errors.Is(err, storage.ErrDigestMismatch):
		return writeError(c, http.StatusBadRequest, CodeBlobUnknown, "digest invalid")
	case errors.Is(err, storage.ErrBlobUnknown):
		return writeError(c, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry")
	case errors.Is(err, storage.ErrUploadUnknown):
		return writeError(c, http.StatusNotFound, CodeBlobUnknown, "upload session unknown")
	case errors.Is(err, storage.ErrManifestUnknown):
		return writeError(c, http.StatusNotFound, CodeManifestUnknown, "manifest unknown")
	case errors.Is(err, storage.ErrNameUnknown):
		return writeError(c, http.StatusNotFound, CodeNameUnknown, "repository name not known to registry")
	case errors.Is(err, storage.ErrRangeInvalid):
		return writeError(c, http.StatusRequestedRangeNotSatisfiable, CodeUnsupported, "invalid content range")
	default:
		return writeError(c, http.StatusInternalServerError, CodeUnsupported, "internal server error")
	}
}
