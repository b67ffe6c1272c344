package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// UploadManager tracks in-progress blob uploads. Sessions are keyed by
// (repository, id) and each session carries its own mutex so that
// concurrent requests on the same session serialize while different
// sessions proceed independently.
type UploadManager struct {
	dir string
	log *log.Logger

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

type uploadSession struct {
	repo string
	id   string
	path string

	mu     sync.Mutex
	offset int64
}

// NewUploadManager creates the temp-file directory if needed.
func NewUploadManager(dir string, logger *log.Logger) (*UploadManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &UploadManager{
		dir:      dir,
		log:      logger,
		sessions: make(map[string]*uploadSession),
	}, nil
}

func sessionKey(repo, id string) string { return repo + "@" + id }

// Start allocates a new session with an empty temp file and returns the
// session ID.
func (m *UploadManager) Start(repo string) (string, error) {
	id := uuid.New().String()
	path := filepath.Join(m.dir, id)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	f.Close()

	m.mu.Lock()
	m.sessions[sessionKey(repo, id)] = &uploadSession{repo: repo, id: id, path: path}
	m.mu.Unlock()

	m.log.Debug("upload started", "repository", repo, "uuid", id)
	return id, nil
}

func (m *UploadManager) get(repo, id string) (*uploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(repo, id)]
	if !ok {
		return nil, ErrUploadUnknown
	}
	return s, nil
}

// Append writes a chunk at the declared start offset. A negative start
// means "no offset declared": the chunk is appended at the current
// offset. A declared offset that does not equal the current offset is
// rejected with ErrRangeInvalid and the session is left unchanged.
// Returns the new offset.
func (m *UploadManager) Append(repo, id string, start int64, chunk []byte) (int64, error) {
	s, err := m.get(repo, id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if start >= 0 && start != s.offset {
		return s.offset, ErrRangeInvalid
	}

	if err := appendFile(s.path, chunk); err != nil {
		return s.offset, err
	}
	s.offset += int64(len(chunk))
	return s.offset, nil
}

// Complete verifies the claimed digest and promotes the temp file into
// dest. An optional final chunk is appended first. On digest mismatch the
// session is preserved so the client can query or cancel it; on success
// the session is removed. If dest already holds the claimed digest the
// session is discarded and completion succeeds (concurrent uploads of the
// same content converge).
func (m *UploadManager) Complete(repo, id string, claimed digest.Digest, final []byte, dest *CAS) error {
	s, err := m.get(repo, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dest.Exists(claimed.String()) {
		os.Remove(s.path)
		m.remove(repo, id)
		return nil
	}

	if len(final) > 0 {
		if err := appendFile(s.path, final); err != nil {
			return err
		}
		s.offset += int64(len(final))
	}

	f, err := os.Open(s.path)
	if err != nil {
		// The spool file is gone when a cancel won the race; drop the
		// stale record instead of surfacing an internal error.
		if os.IsNotExist(err) {
			m.remove(repo, id)
			return ErrUploadUnknown
		}
		return fmt.Errorf("open upload file: %w", err)
	}
	actual, err := digest.SHA256.FromReader(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("hash upload: %w", err)
	}

	if actual != claimed {
		m.log.Warn("upload digest mismatch",
			"repository", repo, "uuid", id, "claimed", claimed, "actual", actual)
		return ErrDigestMismatch
	}

	if err := dest.Promote(s.path, claimed); err != nil {
		return err
	}
	m.remove(repo, id)

	m.log.Info("upload completed", "repository", repo, "uuid", id, "digest", claimed)
	return nil
}

// Cancel discards the temp file and the session.
func (m *UploadManager) Cancel(repo, id string) error {
	s, err := m.get(repo, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	os.Remove(s.path)
	m.remove(repo, id)

	m.log.Debug("upload cancelled", "repository", repo, "uuid", id)
	return nil
}

// Status reports the current offset without mutating state.
func (m *UploadManager) Status(repo, id string) (int64, error) {
	s, err := m.get(repo, id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, nil
}

func (m *UploadManager) remove(repo, id string) {
	m.mu.Lock()
	delete(m.sessions, sessionKey(repo, id))
	m.mu.Unlock()
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrUploadUnknown
		}
		return fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}
