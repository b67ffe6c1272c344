// Package crates implements the crate registry: tarball storage, the
// newline-delimited sparse index, and the cargo publish wire format.
package crates

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"warehouse/pkg/validation"
)

// maxNameLength bounds crate names.
const maxNameLength = 64

var (
	ErrNotFound       = errors.New("crate or version not found")
	ErrAlreadyExists  = errors.New("this version has already been published")
	ErrInvalidName    = errors.New("invalid crate name")
	ErrInvalidVersion = errors.New("invalid version string")
	ErrMalformedBody  = errors.New("malformed publish payload")
)

// ValidateName checks a crate name: non-empty, ≤64 chars, ASCII
// alphanumeric, '-' or '_'.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// ValidateVersion checks that the version parses as strict semver.
func ValidateVersion(version string) error {
	if version == "" || len(version) > maxNameLength {
		return ErrInvalidVersion
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return ErrInvalidVersion
	}
	return nil
}

// IndexPrefix computes the sparse-index directory prefix following the
// crates.io convention: 1, 2, 3/<c> or <cc>/<cc>.
func IndexPrefix(name string) string {
	lower := strings.ToLower(name)
	switch len(lower) {
	case 0:
		return ""
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3/" + lower[:1]
	default:
		return lower[:2] + "/" + lower[2:4]
	}
}

// PublishDep is a dependency entry as cargo sends it.
type PublishDep struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry,omitempty"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml,omitempty"`
}

// PublishMetadata is the JSON document inside the publish payload. Fields
// cargo sends but the index does not store are ignored.
type PublishMetadata struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []PublishDep        `json:"deps"`
	Features    map[string][]string `json:"features"`
	Features2   map[string][]string `json:"features2,omitempty"`
	Links       *string             `json:"links,omitempty"`
	RustVersion *string             `json:"rust_version,omitempty"`
}

// IndexDep is a dependency entry as stored in the sparse index.
type IndexDep struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry,omitempty"`
	Package         *string  `json:"package,omitempty"`
}

// IndexRecord is one line of a sparse index file.
type IndexRecord struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []IndexDep          `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Features2   map[string][]string `json:"features2,omitempty"`
	Yanked      bool                `json:"yanked"`
	Links       *string             `json:"links,omitempty"`
	RustVersion *string             `json:"rust_version,omitempty"`
	V           int                 `json:"v"`
}

// ParsePublish splits the cargo publish frame:
// u32LE metadata length, metadata JSON, u32LE tarball length, tarball bytes.
func ParsePublish(body []byte) (*PublishMetadata, []byte, error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("%w: payload too short", ErrMalformedBody)
	}
	jsonLen := int(binary.LittleEndian.Uint32(body[:4]))
	if len(body) < 4+jsonLen+4 {
		return nil, nil, fmt.Errorf("%w: payload truncated (metadata)", ErrMalformedBody)
	}

	var meta PublishMetadata
	if err := json.Unmarshal(body[4:4+jsonLen], &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid metadata JSON", ErrMalformedBody)
	}

	offset := 4 + jsonLen
	tarballLen := int(binary.LittleEndian.Uint32(body[offset : offset+4]))
	start := offset + 4
	if len(body) < start+tarballLen {
		return nil, nil, fmt.Errorf("%w: payload truncated (crate tarball)", ErrMalformedBody)
	}

	return &meta, body[start : start+tarballLen], nil
}

// Store keeps crate tarballs and the sparse index under one root.
// Tarballs live at <root>/<name>/<version>/<name>-<version>.crate and index
// files at <root>/index/<prefix>/<name>.
type Store struct {
	root string
	log  *log.Logger
	mu   sync.Mutex // serializes index file rewrites
}

// NewStore creates the crate store rooted at dir.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "index"), 0o755); err != nil {
		return nil, fmt.Errorf("create crate store: %w", err)
	}
	return &Store{root: dir, log: logger}, nil
}

func (s *Store) cratePath(name, version string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := ValidateVersion(version); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, name, version, fmt.Sprintf("%s-%s.crate", name, version))
	if err := validation.EnsureWithinRoot(s.root, path); err != nil {
		return "", ErrInvalidName
	}
	return path, nil
}

func (s *Store) indexPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, "index", filepath.FromSlash(IndexPrefix(name)), strings.ToLower(name))
	if err := validation.EnsureWithinRoot(s.root, path); err != nil {
		return "", ErrInvalidName
	}
	return path, nil
}

// Exists reports whether the tarball for the version is stored.
func (s *Store) Exists(name, version string) bool {
	path, err := s.cratePath(name, version)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read returns the tarball bytes for a published version.
func (s *Store) Read(name, version string) ([]byte, error) {
	path, err := s.cratePath(name, version)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// Index returns the raw newline-delimited index file for a crate.
func (s *Store) Index(name string) ([]byte, error) {
	path, err := s.indexPath(name)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// Publish stores the tarball and appends the version's index record.
// Republishing an existing version fails with ErrAlreadyExists.
func (s *Store) Publish(meta *PublishMetadata, tarball []byte) (*IndexRecord, error) {
	path, err := s.cratePath(meta.Name, meta.Vers)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create crate directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".crate-*")
	if err != nil {
		return nil, fmt.Errorf("create temp crate file: %w", err)
	}
	if _, err := tmp.Write(tarball); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write crate file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close crate file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("commit crate file: %w", err)
	}

	record := s.buildRecord(meta, tarball)
	if err := s.appendRecord(meta.Name, record); err != nil {
		return nil, err
	}

	s.log.Info("crate published", "name", meta.Name, "version", meta.Vers, "size", len(tarball))
	return record, nil
}

func (s *Store) buildRecord(meta *PublishMetadata, tarball []byte) *IndexRecord {
	deps := make([]IndexDep, 0, len(meta.Deps))
	for _, d := range meta.Deps {
		var pkg *string
		if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != d.Name {
			pkg = d.ExplicitNameInToml
		}
		deps = append(deps, IndexDep{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
			Package:         pkg,
		})
	}

	features := meta.Features
	if features == nil {
		features = map[string][]string{}
	}

	return &IndexRecord{
		Name:        meta.Name,
		Vers:        meta.Vers,
		Deps:        deps,
		Cksum:       digest.FromBytes(tarball).Encoded(),
		Features:    features,
		Features2:   meta.Features2,
		Yanked:      false,
		Links:       meta.Links,
		RustVersion: meta.RustVersion,
		V:           1,
	}
}

func (s *Store) appendRecord(name string, record *IndexRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize index record: %w", err)
	}

	path, err := s.indexPath(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	return nil
}

// SearchResult is one row of a search response.
type SearchResult struct {
	Name        string  `json:"name"`
	MaxVersion  string  `json:"max_version"`
	Description *string `json:"description"`
}

// Search returns every published crate whose name contains the query,
// sorted by name. Matching is case-insensitive against the crate name.
func (s *Store) Search(query string) ([]SearchResult, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan crate store: %w", err)
	}

	var results []SearchResult
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "index" {
			continue
		}
		name := strings.ToLower(e.Name())
		if ValidateName(name) != nil || !strings.Contains(name, query) {
			continue
		}
		max, ok := s.maxVersion(filepath.Join(s.root, e.Name()))
		if !ok {
			continue
		}
		results = append(results, SearchResult{Name: name, MaxVersion: max})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, nil
}

// maxVersion picks the highest published version of a crate from its
// version sub-directories: semver order when both sides parse,
// lexicographic as the fallback.
func (s *Store) maxVersion(crateDir string) (string, bool) {
	entries, err := os.ReadDir(crateDir)
	if err != nil {
		return "", false
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return "", false
	}

	sort.Slice(versions, func(i, j int) bool { return versionLess(versions[i], versions[j]) })
	return versions[len(versions)-1], true
}

func versionLess(a, b string) bool {
	av, errA := semver.StrictNewVersion(a)
	bv, errB := semver.StrictNewVersion(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return av.LessThan(bv)
}

// SetYanked rewrites the index so the version's record carries the given
// yanked flag. It reports whether the version was found.
func (s *Store) SetYanked(name, version string, yanked bool) (bool, error) {
	path, err := s.indexPath(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return false, nil // no index file means the version was never published
	}

	found := false
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// malformed lines are preserved as-is
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		if vers, _ := record["vers"].(string); vers == version {
			found = true
			record["yanked"] = yanked
		}
		updated, err := json.Marshal(record)
		if err != nil {
			return false, fmt.Errorf("serialize index record: %w", err)
		}
		out.Write(updated)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read index file: %w", err)
	}
	if !found {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return false, fmt.Errorf("create temp index file: %w", err)
	}
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("write index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("commit index file: %w", err)
	}

	s.log.Info("index record updated", "name", name, "version", version, "yanked", yanked)
	return true, nil
}
