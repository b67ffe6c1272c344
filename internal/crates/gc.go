package crates

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// Collector removes yanked and orphaned crate tarballs and repairs the
// sparse index afterwards.
type Collector struct {
	store *Store
	log   *log.Logger
}

// NewCollector builds a garbage collector over the crate store.
func NewCollector(store *Store, logger *log.Logger) *Collector {
	return &Collector{store: store, log: logger}
}

// Report summarizes one collection run.
type Report struct {
	DeletedCrates       int `json:"deleted_crates"`
	KeptCrates          int `json:"kept_crates"`
	RemovedIndexEntries int `json:"removed_index_entries"`
	DeletedOwnerFiles   int `json:"deleted_owner_files"`
	RemovedEmptyDirs    int `json:"removed_empty_dirs"`
}

// Run sweeps every crate: tarballs whose index record is yanked or missing
// are deleted, then index files are rewritten to drop records whose tarball
// no longer exists. Owner files of fully collected crates go with them.
func (g *Collector) Run() (Report, error) {
	entries, err := os.ReadDir(g.store.root)
	if err != nil {
		return Report{}, fmt.Errorf("scan crate store: %w", err)
	}

	var report Report
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "index" || ValidateName(e.Name()) != nil {
			continue
		}
		if err := g.collectCrate(e.Name(), &report); err != nil {
			g.log.Warn("failed to collect crate", "name", e.Name(), "error", err)
		}
	}

	g.log.Info("crate garbage collection finished",
		"deleted", report.DeletedCrates, "kept", report.KeptCrates,
		"index_entries", report.RemovedIndexEntries)
	return report, nil
}

func (g *Collector) collectCrate(name string, report *Report) error {
	indexed, yanked, hasIndex := g.indexState(name)

	crateDir := filepath.Join(g.store.root, name)
	entries, err := os.ReadDir(crateDir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		version := e.Name()
		versionDir := filepath.Join(crateDir, version)

		if !g.store.Exists(name, version) {
			g.removeIfEmpty(versionDir, report)
			continue
		}
		if yanked[version] || !indexed[version] {
			path, err := g.store.cratePath(name, version)
			if err != nil {
				continue
			}
			if err := os.Remove(path); err != nil {
				g.log.Warn("failed to delete crate file", "name", name, "version", version, "error", err)
				continue
			}
			report.DeletedCrates++
			g.removeIfEmpty(versionDir, report)
			continue
		}
		report.KeptCrates++
	}

	if hasIndex {
		removed, err := g.repairIndex(name)
		if err != nil {
			return err
		}
		report.RemovedIndexEntries += removed
		return nil
	}

	// No index file means nothing can reference this crate anymore; its
	// owners file is an orphan.
	ownersPath, err := g.store.ownersPath(name)
	if err == nil {
		if err := os.Remove(ownersPath); err == nil {
			report.DeletedOwnerFiles++
		}
	}
	g.removeIfEmpty(crateDir, report)
	return nil
}

// indexState reads a crate's index file into indexed and yanked version
// sets. hasIndex is false when the file does not exist or cannot be read.
func (g *Collector) indexState(name string) (indexed, yanked map[string]bool, hasIndex bool) {
	indexed = make(map[string]bool)
	yanked = make(map[string]bool)

	data, err := g.store.Index(name)
	if err != nil {
		return indexed, yanked, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record IndexRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		indexed[record.Vers] = true
		if record.Yanked {
			yanked[record.Vers] = true
		}
	}
	return indexed, yanked, true
}

// repairIndex rewrites the crate's index file keeping only records whose
// tarball is still stored. It returns the number of dropped records.
func (g *Collector) repairIndex(name string) (int, error) {
	path, err := g.store.indexPath(name)
	if err != nil {
		return 0, err
	}

	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return 0, nil
	}

	removed := 0
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record IndexRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// malformed lines are preserved as-is
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		if !g.store.Exists(name, record.Vers) {
			removed++
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read index file: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	if out.Len() == 0 {
		if err := os.Remove(path); err != nil {
			return 0, fmt.Errorf("delete empty index file: %w", err)
		}
		return removed, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return 0, fmt.Errorf("create temp index file: %w", err)
	}
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("commit index file: %w", err)
	}
	return removed, nil
}

func (g *Collector) removeIfEmpty(dir string, report *Report) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err == nil {
		report.RemovedEmptyDirs++
	}
}

// Handle serves POST /admin/crates/gc.
func (g *Collector) Handle(c echo.Context) error {
	report, err := g.Run()
	if err != nil {
		g.log.Error("crate garbage collection failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "garbage collection failed")
	}
	return c.JSON(http.StatusOK, report)
}
