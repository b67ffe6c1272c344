// Package storage implements the on-disk layout of the registry: a
// content-addressed store for blobs and manifests, the upload session
// state machine, and the tag namespace.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"warehouse/pkg/validation"
)

// CAS is a content-addressed store rooted at a single directory.
// Content lives at <dir>/sha256/<hex>; identical content always maps to
// the same path, so puts are idempotent and concurrent puts of the same
// digest converge to one stored copy.
type CAS struct {
	dir string
	log *log.Logger
}

// NewCAS creates the store directory structure if needed.
func NewCAS(dir string, logger *log.Logger) (*CAS, error) {
	if err := os.MkdirAll(filepath.Join(dir, digest.SHA256.String()), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &CAS{dir: dir, log: logger}, nil
}

// ParseDigest validates the digest format before it can reach the
// filesystem. Only canonical sha256 digests are accepted; anything else
// fails fast with ErrDigestInvalid.
func ParseDigest(raw string) (digest.Digest, error) {
	dgst, err := digest.Parse(raw)
	if err != nil || dgst.Algorithm() != digest.SHA256 {
		return "", ErrDigestInvalid
	}
	return dgst, nil
}

func (c *CAS) path(dgst digest.Digest) (string, error) {
	p := filepath.Join(c.dir, dgst.Algorithm().String(), dgst.Encoded())
	if err := validation.EnsureWithinRoot(c.dir, p); err != nil {
		return "", ErrDigestInvalid
	}
	return p, nil
}

// Put stores data under its computed digest. Re-putting identical
// content is a no-op success.
func (c *CAS) Put(data []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(data)
	p, err := c.path(dgst)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return dgst, nil
	}

	tmp, err := os.CreateTemp(c.dir, "put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("promote content: %w", err)
	}

	c.log.Debug("content stored", "digest", dgst, "size", len(data))
	return dgst, nil
}

// Promote moves an already-verified file into the store under dgst.
// Callers must have verified the file's digest; Promote only does the
// atomic rename. If the digest is already present the source is discarded.
func (c *CAS) Promote(src string, dgst digest.Digest) error {
	p, err := c.path(dgst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		os.Remove(src)
		return nil
	}
	if err := os.Rename(src, p); err != nil {
		// Lost a race against a concurrent promotion of the same digest.
		if _, statErr := os.Stat(p); statErr == nil {
			os.Remove(src)
			return nil
		}
		return fmt.Errorf("promote content: %w", err)
	}
	return nil
}

// Get returns the full content for a digest.
func (c *CAS) Get(raw string) ([]byte, error) {
	p, err := c.resolve(raw)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobUnknown
		}
		return nil, fmt.Errorf("read content: %w", err)
	}
	return data, nil
}

// Open returns an open file handle and size for range-capable serving.
func (c *CAS) Open(raw string) (*os.File, int64, error) {
	p, err := c.resolve(raw)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobUnknown
		}
		return nil, 0, fmt.Errorf("open content: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat content: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether the digest is stored. Malformed digests are
// simply absent.
func (c *CAS) Exists(raw string) bool {
	p, err := c.resolve(raw)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size returns the stored content length without reading it.
func (c *CAS) Size(raw string) (int64, error) {
	p, err := c.resolve(raw)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrBlobUnknown
		}
		return 0, fmt.Errorf("stat content: %w", err)
	}
	return info.Size(), nil
}

// Delete removes stored content. Used by the garbage collector only.
func (c *CAS) Delete(dgst digest.Digest) error {
	p, err := c.path(dgst)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobUnknown
		}
		return fmt.Errorf("delete content: %w", err)
	}
	return nil
}

// Digests enumerates every stored digest in lexicographic order.
func (c *CAS) Digests() ([]digest.Digest, error) {
	algoDir := filepath.Join(c.dir, digest.SHA256.String())
	entries, err := os.ReadDir(algoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list store: %w", err)
	}

	var digests []digest.Digest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dgst, err := ParseDigest(digest.SHA256.String() + ":" + e.Name())
		if err != nil {
			continue
		}
		digests = append(digests, dgst)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (c *CAS) resolve(raw string) (string, error) {
	dgst, err := ParseDigest(raw)
	if err != nil {
		return "", err
	}
	return c.path(dgst)
}
