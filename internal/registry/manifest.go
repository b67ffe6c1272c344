package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"warehouse/internal/storage"
)

// Manifest media types understood by the registry.
const (
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSchema1  = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex       = "application/vnd.oci.image.index.v1+json"
)

// ErrNotAcceptable is returned when no stored representation satisfies the
// client's Accept header.
var ErrNotAcceptable = errors.New("no acceptable manifest representation")

// ErrManifestInvalid marks manifest content that is not a JSON document.
var ErrManifestInvalid = errors.New("manifest invalid")

// ErrUnsupportedManifest marks manifest types the registry does not store.
var ErrUnsupportedManifest = errors.New("unsupported manifest type")

var supportedManifestTypes = map[string]bool{
	MediaTypeDockerManifest: true,
	MediaTypeDockerList:     true,
	MediaTypeDockerSchema1:  true,
	MediaTypeOCIManifest:    true,
	MediaTypeOCIIndex:       true,
}

// equivalentTypes maps each manifest type to the types a client accepting it
// can also consume. Docker and OCI single-image manifests are compatible, as
// are manifest lists and image indexes.
var equivalentTypes = map[string][]string{
	MediaTypeDockerManifest: {MediaTypeOCIManifest},
	MediaTypeOCIManifest:    {MediaTypeDockerManifest},
	MediaTypeDockerList:     {MediaTypeOCIIndex},
	MediaTypeOCIIndex:       {MediaTypeDockerList},
}

// Manifest is a stored manifest with its resolved identity.
type Manifest struct {
	Content   []byte
	Digest    digest.Digest
	MediaType string
}

// manifestEnvelope holds the fields needed to classify and walk a manifest.
type manifestEnvelope struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        *manifestRef      `json:"config"`
	Layers        []manifestRef     `json:"layers"`
	Manifests     []manifestRef     `json:"manifests"`
	FSLayers      []json.RawMessage `json:"fsLayers"`
}

type manifestRef struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
}

// detectMediaType classifies manifest content. The declared mediaType wins;
// otherwise the document shape decides.
func detectMediaType(content []byte) (string, error) {
	var env manifestEnvelope
	if err := json.Unmarshal(content, &env); err != nil {
		return "", fmt.Errorf("%w: not a JSON document", ErrManifestInvalid)
	}
	if env.MediaType != "" {
		return env.MediaType, nil
	}
	switch {
	case len(env.Manifests) > 0:
		return MediaTypeOCIIndex, nil
	case env.SchemaVersion == 2:
		return MediaTypeOCIManifest, nil
	case len(env.FSLayers) > 0:
		return MediaTypeDockerSchema1, nil
	default:
		return MediaTypeOCIManifest, nil
	}
}

// acceptEntry is one parsed Accept header member.
type acceptEntry struct {
	mediaType string
	quality   float64
	order     int
}

// parseAccept splits an Accept header into entries sorted by preference.
func parseAccept(header string) []acceptEntry {
	var entries []acceptEntry
	for i, part := range strings.Split(header, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		quality := 1.0
		if q, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(q, 64); err == nil {
				quality = parsed
			}
		}
		if quality <= 0 {
			continue
		}
		entries = append(entries, acceptEntry{mediaType: mediaType, quality: quality, order: i})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].quality != entries[j].quality {
			return entries[i].quality > entries[j].quality
		}
		return entries[i].order < entries[j].order
	})
	return entries
}

// acceptable reports whether a manifest of the given type satisfies the
// Accept header. An empty header accepts everything.
func acceptable(accept, mediaType string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, entry := range parseAccept(accept) {
		switch {
		case entry.mediaType == "*/*", entry.mediaType == "application/*":
			return true
		case entry.mediaType == mediaType:
			return true
		default:
			for _, equivalent := range equivalentTypes[entry.mediaType] {
				if equivalent == mediaType {
					return true
				}
			}
		}
	}
	return false
}

// ResolveManifest fetches a manifest by tag or digest and checks that the
// client can consume its media type. Tag references go through the tag store;
// digest-shaped references hit the content store directly.
func (h *Handler) ResolveManifest(repo, reference, accept string) (*Manifest, error) {
	var dgst digest.Digest
	if strings.Contains(reference, ":") {
		parsed, err := storage.ParseDigest(reference)
		if err != nil {
			return nil, err
		}
		dgst = parsed
	} else {
		resolved, err := h.tags.Resolve(repo, reference)
		if err != nil {
			return nil, err
		}
		dgst = resolved
	}

	content, err := h.blobs.Get(dgst.String())
	if err != nil {
		if errors.Is(err, storage.ErrBlobUnknown) {
			return nil, storage.ErrManifestUnknown
		}
		return nil, err
	}

	mediaType, err := detectMediaType(content)
	if err != nil {
		return nil, storage.ErrManifestUnknown
	}
	if !acceptable(accept, mediaType) {
		return nil, ErrNotAcceptable
	}

	return &Manifest{Content: content, Digest: dgst, MediaType: mediaType}, nil
}

// PutManifest stores manifest content and, when the reference is a tag,
// repoints the tag at the new digest.
func (h *Handler) PutManifest(repo, reference string, content []byte) (digest.Digest, error) {
	mediaType, err := detectMediaType(content)
	if err != nil {
		return "", err
	}
	if !supportedManifestTypes[mediaType] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedManifest, mediaType)
	}

	dgst, err := h.blobs.Put(content)
	if err != nil {
		return "", err
	}

	if !strings.Contains(reference, ":") {
		if err := h.tags.Set(repo, reference, dgst); err != nil {
			return "", err
		}
	} else if claimed, err := storage.ParseDigest(reference); err != nil || claimed != dgst {
		return "", storage.ErrDigestMismatch
	}

	h.log.Info("manifest stored", "repository", repo, "reference", reference, "digest", dgst)
	return dgst, nil
}

// DeleteManifest removes a reference. A tag reference only unlinks the tag;
// a digest reference unlinks every tag pointing at it and drops the content.
func (h *Handler) DeleteManifest(repo, reference string) error {
	if !strings.Contains(reference, ":") {
		return h.tags.Delete(repo, reference)
	}

	dgst, err := storage.ParseDigest(reference)
	if err != nil {
		return err
	}
	if !h.blobs.Exists(dgst.String()) {
		return storage.ErrManifestUnknown
	}

	tags, err := h.tags.Tags(repo)
	if err != nil && !errors.Is(err, storage.ErrNameUnknown) {
		return err
	}
	for _, tag := range tags {
		resolved, err := h.tags.Resolve(repo, tag)
		if err != nil {
			continue
		}
		if resolved == dgst {
			if err := h.tags.Delete(repo, tag); err != nil {
				return err
			}
		}
	}

	return h.blobs.Delete(dgst)
}
