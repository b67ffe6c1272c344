package registry

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"

	"warehouse/internal/storage"
)

// Collector removes blobs no tagged manifest references anymore.
type Collector struct {
	blobs *storage.CAS
	tags  *storage.TagStore
	log   *log.Logger
}

// NewCollector builds a garbage collector over the stores.
func NewCollector(blobs *storage.CAS, tags *storage.TagStore, logger *log.Logger) *Collector {
	return &Collector{blobs: blobs, tags: tags, log: logger}
}

// Report summarizes one collection run.
type Report struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
}

// Run marks every digest reachable from a tag and sweeps the rest.
func (g *Collector) Run() (Report, error) {
	marked := make(map[digest.Digest]bool)

	repos, err := g.tags.Repositories()
	if err != nil {
		return Report{}, err
	}
	for _, repo := range repos {
		tags, err := g.tags.Tags(repo)
		if err != nil {
			continue
		}
		for _, tag := range tags {
			dgst, err := g.tags.Resolve(repo, tag)
			if err != nil {
				continue
			}
			g.mark(dgst, marked)
		}
	}

	all, err := g.blobs.Digests()
	if err != nil {
		return Report{}, err
	}

	// Kept counts stored files, not marks: a manifest may reference
	// digests that were never pushed.
	var report Report
	for _, dgst := range all {
		if marked[dgst] {
			report.Kept++
			continue
		}
		if err := g.blobs.Delete(dgst); err != nil {
			g.log.Warn("failed to delete unreferenced blob", "digest", dgst, "error", err)
			continue
		}
		report.Deleted++
	}

	g.log.Info("garbage collection finished", "deleted", report.Deleted, "kept", report.Kept)
	return report, nil
}

// mark records the digest and, when it is a manifest, everything it
// references. Image indexes recurse into their child manifests.
func (g *Collector) mark(dgst digest.Digest, marked map[digest.Digest]bool) {
	if marked[dgst] {
		return
	}
	marked[dgst] = true

	content, err := g.blobs.Get(dgst.String())
	if err != nil {
		return
	}

	var env manifestEnvelope
	if err := json.Unmarshal(content, &env); err != nil {
		return
	}

	if env.Config != nil {
		if ref, err := storage.ParseDigest(env.Config.Digest); err == nil {
			marked[ref] = true
		}
	}
	for _, layer := range env.Layers {
		if ref, err := storage.ParseDigest(layer.Digest); err == nil {
			marked[ref] = true
		}
	}
	for _, child := range env.Manifests {
		if ref, err := storage.ParseDigest(child.Digest); err == nil {
			g.mark(ref, marked)
		}
	}
}

// Handle serves POST /admin/docker/gc.
func (g *Collector) Handle(c echo.Context) error {
	report, err := g.Run()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, CodeUnsupported, "internal server error")
	}
	return c.JSON(http.StatusOK, report)
}
