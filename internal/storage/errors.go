package storage

import "errors"

// Storage error taxonomy. Handlers translate these into protocol
// responses; raw I/O errors never cross the HTTP boundary.
var (
	// ErrDigestInvalid indicates a digest that does not match the
	// sha256:<64 hex> format. Rejected before any filesystem access.
	ErrDigestInvalid = errors.New("invalid digest")

	// ErrBlobUnknown indicates the requested content is not in the store.
	ErrBlobUnknown = errors.New("blob unknown to registry")

	// ErrManifestUnknown indicates an unresolvable tag or manifest digest.
	ErrManifestUnknown = errors.New("manifest unknown")

	// ErrNameUnknown indicates a repository with no pushed content.
	ErrNameUnknown = errors.New("repository name not known to registry")

	// ErrUploadUnknown indicates a missing upload session.
	ErrUploadUnknown = errors.New("blob upload unknown to registry")

	// ErrRangeInvalid indicates a chunk whose declared start offset does
	// not match the session's current offset.
	ErrRangeInvalid = errors.New("invalid content range")

	// ErrDigestMismatch indicates the computed digest of a completed
	// upload does not equal the claimed digest. The session is preserved.
	ErrDigestMismatch = errors.New("digest mismatch")
)
