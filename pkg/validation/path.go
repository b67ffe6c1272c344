// Package validation provides input validation for values that end up in
// filesystem paths: repository names, tags, and upload session IDs.
// Everything here runs before any storage access.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

// MaxRepositoryNameLength is the maximum allowed length for repository names.
const MaxRepositoryNameLength = 255

// Anchored forms of the distribution grammar. The exported regexps in
// distribution/reference are unanchored building blocks.
var (
	repoNameRegexp = regexp.MustCompile(`^` + reference.NameRegexp.String() + `$`)
	tagRegexp      = regexp.MustCompile(`^` + reference.TagRegexp.String() + `$`)
	uuidRegexp     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// ValidateRepositoryName validates a repository name against the
// distribution name grammar and rejects anything that could enable
// path traversal.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	if len(name) > MaxRepositoryNameLength {
		return fmt.Errorf("repository name too long: %d chars (max %d)", len(name), MaxRepositoryNameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("repository name contains path traversal sequence")
	}
	if !repoNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid repository name %q", name)
	}
	return nil
}

// ValidateTag validates a manifest tag. Digest references are handled
// separately by the storage layer.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag cannot be empty")
	}
	if strings.Contains(tag, "..") {
		return fmt.Errorf("tag contains path traversal sequence")
	}
	if !tagRegexp.MatchString(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return nil
}

// ValidateUUID validates an upload session ID. IDs are server-generated
// but arrive back via the URL and are validated like any other input.
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("upload ID cannot be empty")
	}
	if !uuidRegexp.MatchString(id) {
		return fmt.Errorf("invalid upload ID format")
	}
	return nil
}

// EnsureWithinRoot confirms a constructed path stays inside the root
// directory. Defense-in-depth after filepath.Join.
func EnsureWithinRoot(root, path string) error {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	if cleanPath != cleanRoot && !strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) {
		return fmt.Errorf("path escapes storage root")
	}
	return nil
}
