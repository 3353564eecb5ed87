// Package artifact stores compression and composition outputs. Artifacts
// are written once under a deterministic name and never overwritten; a new
// compression always produces a new artifact.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/source"
)

// ErrExists is returned when an artifact name is already taken.
var ErrExists = errors.New("artifact: already exists")

// Store keeps artifacts under {root}/{projectID}/{name}.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Path returns the file path of an artifact.
func (s *Store) Path(projectID, name string) string {
	return filepath.Join(s.root, projectID, filepath.FromSlash(name))
}

// VersionName returns the artifact name of a compression version. It
// encodes the part, version id, mode, preset, and approximate output size,
// and is unique because version ids are unique within a session.
func VersionName(sessionID string, partNumber int, versionID string, s manifest.Settings, outputTokens int) string {
	file := fmt.Sprintf("part%d_%s_%s_%s_%s.jsonl",
		partNumber, versionID, s.Mode, sanitize(s.Preset()), SizeLabel(outputTokens))
	return "sessions/" + sanitize(sessionID) + "/" + file
}

// Label is the human-readable, filename-safe label of a version.
func Label(partNumber int, s manifest.Settings, outputTokens int) string {
	return fmt.Sprintf("part%d-%s-%s-%s", partNumber, s.Mode, sanitize(s.Preset()), SizeLabel(outputTokens))
}

// CompositionName returns the artifact name of a composition output.
func CompositionName(compositionID, ext string) string {
	return "compositions/" + sanitize(compositionID) + "." + ext
}

// SessionDir returns the directory holding a session's artifacts.
func SessionDir(sessionID string) string {
	return "sessions/" + sanitize(sessionID)
}

// SizeLabel renders an approximate token count: "850t", "12k", "1.2m".
func SizeLabel(tokens int) string {
	switch {
	case tokens < 1000:
		return fmt.Sprintf("%dt", max(tokens, 0))
	case tokens < 1_000_000:
		return fmt.Sprintf("%dk", (tokens+500)/1000)
	default:
		return strings.TrimSuffix(fmt.Sprintf("%.1f", float64(tokens)/1e6), ".0") + "m"
	}
}

// Put writes data under name. It fails with ErrExists if the name is taken,
// so an artifact is never overwritten.
func (s *Store) Put(projectID, name string, data []byte) error {
	path := s.Path(projectID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}

	// Link fails if the target exists, which makes the publish exclusive.
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apperr.Wrap(apperr.Internal, "artifact: put", fmt.Errorf("%w: %s", ErrExists, name))
		}
		return apperr.Wrap(apperr.Internal, "artifact: put", err)
	}
	return nil
}

// PutMessages writes msgs as JSONL under name.
func (s *Store) PutMessages(projectID, name string, msgs []source.Message) error {
	var buf bytes.Buffer
	if err := source.Encode(&buf, msgs); err != nil {
		return apperr.Wrap(apperr.Internal, "artifact: encode", err)
	}
	return s.Put(projectID, name, buf.Bytes())
}

// Get reads an artifact.
func (s *Store) Get(projectID, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(projectID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.SourceMissing, "artifact: get", err)
		}
		return nil, apperr.Wrap(apperr.Internal, "artifact: get", err)
	}
	return data, nil
}

// Messages reads a JSONL artifact.
func (s *Store) Messages(ctx context.Context, projectID, name string) ([]source.Message, error) {
	data, err := s.Get(projectID, name)
	if err != nil {
		return nil, err
	}
	msgs, err := source.Decode(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("artifact: %s: %w", name, err)
	}
	return msgs, nil
}

// Delete removes an artifact. Missing artifacts are not an error.
func (s *Store) Delete(projectID, name string) error {
	if name == "" {
		return nil
	}
	err := os.Remove(s.Path(projectID, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.Internal, "artifact: delete", err)
	}
	return nil
}

// DeleteSession removes every artifact of a session.
func (s *Store) DeleteSession(projectID, sessionID string) error {
	if err := os.RemoveAll(s.Path(projectID, SessionDir(sessionID))); err != nil {
		return apperr.Wrap(apperr.Internal, "artifact: delete session", err)
	}
	return nil
}

// sanitize keeps names filename-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}
