package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flemzord/strata/internal/apperr"
)

const (
	manifestFile = "manifest.json"

	// staleLockAge is how old a save lock may get before it is considered
	// abandoned by a crashed process.
	staleLockAge = 30 * time.Second
)

// FileStore keeps one JSON document per project at
// {Root}/{projectID}/manifest.json. Saves are serialized per project within
// the process and guarded across processes by an exclusive lock file; the
// revision check rejects writes based on a stale load.
type FileStore struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		root:  dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// Path returns the manifest file path for a project.
func (s *FileStore) Path(projectID string) string {
	return filepath.Join(s.root, projectID, manifestFile)
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, projectID string) (*Manifest, error) {
	data, err := os.ReadFile(s.Path(projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(projectID), nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", projectID, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m.ProjectID = projectID
	return m, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, m *Manifest) error {
	mu := s.projectLock(m.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	path := s.Path(m.ProjectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("manifest: create directory: %w", err)
	}

	unlock, err := acquireLockFile(path+".lock", s.now)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readRevision(path)
	if err != nil {
		return err
	}
	if current != m.Revision {
		return apperr.New(apperr.StaleManifest, "manifest: save",
			"project %s is at revision %d, write based on %d", m.ProjectID, current, m.Revision)
	}

	prevRevision, prevUpdated := m.Revision, m.UpdatedAt
	m.Revision++
	m.UpdatedAt = s.now().UTC()
	m.SchemaVersion = SchemaVersion

	data, err := Encode(m)
	if err == nil {
		err = writeAtomic(path, data)
	}
	if err != nil {
		m.Revision, m.UpdatedAt = prevRevision, prevUpdated
		return fmt.Errorf("manifest: write %s: %w", m.ProjectID, err)
	}
	return nil
}

// Ping implements Store.
func (s *FileStore) Ping(context.Context) error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return fmt.Errorf("manifest: root %s: %w", s.root, err)
	}
	return nil
}

// Delete removes a project's manifest. It is used by tests and tooling.
func (s *FileStore) Delete(projectID string) error {
	err := os.Remove(s.Path(projectID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Projects lists the projects that have a manifest document.
func (s *FileStore) Projects(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.Path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *FileStore) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[projectID] = mu
	}
	return mu
}

// readRevision returns the persisted revision, 0 if there is no document.
func readRevision(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("manifest: read revision: %w", err)
	}
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("manifest: decode revision: %w", err)
	}
	return head.Revision, nil
}

// acquireLockFile creates path exclusively. A lock held by another process
// surfaces as StaleManifest so the caller reloads and retries.
func acquireLockFile(path string, now func() time.Time) (func(), error) {
	for range 2 {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("manifest: lock: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil || now().Sub(info.ModTime()) < staleLockAge {
			break
		}
		// Abandoned by a crashed writer.
		_ = os.Remove(path)
	}
	return nil, apperr.New(apperr.StaleManifest, "manifest: save", "manifest is being written by another process")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
