package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"warehouse/pkg/validation"
)

// tagsDirName marks a repository's tag directory. The leading underscore
// keeps it out of the repository name grammar: name path components must
// start with an alphanumeric, so no valid repository can collide with it.
const tagsDirName = "_tags"

// TagStore maps (repository, tag) pairs to manifest digests. Each tag is
// a file <dir>/<repository>/_tags/<tag> holding a digest string;
// repointing a tag is a temp-file write plus rename so readers never
// observe a half-written mapping. Repositories are implicit: they exist
// once a tag has been written under their name.
type TagStore struct {
	dir string
	log *log.Logger
}

// NewTagStore creates the repositories directory if needed.
func NewTagStore(dir string, logger *log.Logger) (*TagStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repositories directory: %w", err)
	}
	return &TagStore{dir: dir, log: logger}, nil
}

// tagsDir validates the repository name and returns its tag directory.
// Validation happens here, not just at the HTTP layer, so no caller can
// hand the filesystem a traversal string.
func (t *TagStore) tagsDir(repo string) (string, error) {
	if err := validation.ValidateRepositoryName(repo); err != nil {
		return "", ErrNameUnknown
	}
	dir := filepath.Join(t.dir, repo, tagsDirName)
	if err := validation.EnsureWithinRoot(t.dir, dir); err != nil {
		return "", ErrNameUnknown
	}
	return dir, nil
}

func (t *TagStore) tagPath(repo, tag string) (string, error) {
	dir, err := t.tagsDir(repo)
	if err != nil {
		return "", err
	}
	if err := validation.ValidateTag(tag); err != nil {
		return "", ErrManifestUnknown
	}
	return filepath.Join(dir, tag), nil
}

// Resolve returns the digest currently mapped to (repo, tag).
func (t *TagStore) Resolve(repo, tag string) (digest.Digest, error) {
	p, err := t.tagPath(repo, tag)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrManifestUnknown
		}
		return "", fmt.Errorf("read tag: %w", err)
	}
	dgst, err := ParseDigest(strings.TrimSpace(string(data)))
	if err != nil {
		return "", ErrManifestUnknown
	}
	return dgst, nil
}

// Set atomically points (repo, tag) at dgst, creating the repository
// namespace on first push. Last writer wins.
func (t *TagStore) Set(repo, tag string, dgst digest.Digest) error {
	p, err := t.tagPath(repo, tag)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tags directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tag-*")
	if err != nil {
		return fmt.Errorf("create temp tag: %w", err)
	}
	if _, err := tmp.WriteString(dgst.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write tag: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp tag: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("repoint tag: %w", err)
	}

	t.log.Debug("tag set", "repository", repo, "tag", tag, "digest", dgst)
	return nil
}

// Delete removes a tag mapping. The manifest itself stays in the store
// until garbage collection.
func (t *TagStore) Delete(repo, tag string) error {
	p, err := t.tagPath(repo, tag)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrManifestUnknown
		}
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

// Tags returns the repository's tags in lexicographic order, or
// ErrNameUnknown for a repository nothing was pushed to.
func (t *TagStore) Tags(repo string) ([]string, error) {
	dir, err := t.tagsDir(repo)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNameUnknown
		}
		return nil, fmt.Errorf("list tags: %w", err)
	}

	var tags []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		tags = append(tags, e.Name())
	}
	sort.Strings(tags)
	return tags, nil
}

// Repositories enumerates every repository with at least one tag, in
// lexicographic order. A repository is any directory under the root that
// contains a _tags directory; nested names like library/alpine come from
// nested directories. Repository names may legitimately contain a "tags"
// segment, which is why the marker carries the underscore.
func (t *TagStore) Repositories() ([]string, error) {
	var repos []string
	err := filepath.WalkDir(t.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == t.dir || d.Name() != tagsDirName {
			return nil
		}
		rel, err := filepath.Rel(t.dir, filepath.Dir(path))
		if err != nil {
			return err
		}
		repos = append(repos, filepath.ToSlash(rel))
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	sort.Strings(repos)
	return repos, nil
}
