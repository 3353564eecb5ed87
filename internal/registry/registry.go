// Package registry manages the session lifecycle of a project: registering
// canonical logs, keeping their linked copies and markers current, editing
// marker weights, and pruning versions. The canonical log is never written
// or deleted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/lock"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/marker"
	"github.com/flemzord/strata/internal/part"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/tokens"
)

// Deps are the collaborators of a Registry. Estimator and Logger are
// optional.
type Deps struct {
	Repo      *manifest.Repository
	Locks     *lock.Table
	Syncer    *source.Syncer
	Reader    source.Reader
	Artifacts *artifact.Store
	Estimator tokens.Estimator
	Logger    *slog.Logger

	// DataDir holds linked copies under <project>/linked/.
	DataDir string
}

// Registry registers sessions and maintains their records.
type Registry struct {
	repo      *manifest.Repository
	locks     *lock.Table
	syncer    *source.Syncer
	reader    source.Reader
	artifacts *artifact.Store
	estimator tokens.Estimator
	logger    *slog.Logger
	dataDir   string
	now       func() time.Time
}

// New creates a Registry.
func New(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = tokens.NewCharEstimator(0)
	}
	syncer := deps.Syncer
	if syncer == nil {
		syncer = source.NewSyncer(logger)
	}
	return &Registry{
		repo:      deps.Repo,
		locks:     deps.Locks,
		syncer:    syncer,
		reader:    deps.Reader,
		artifacts: deps.Artifacts,
		estimator: estimator,
		logger:    logger.With("component", "registry"),
		dataDir:   deps.DataDir,
		now:       time.Now,
	}
}

// LinkedPath is where the linked copy of a session lives.
func (r *Registry) LinkedPath(projectID, sessionID string) string {
	return filepath.Join(r.dataDir, projectID, "linked", sessionID+".jsonl")
}

// RegisterRequest names a canonical log to track.
type RegisterRequest struct {
	SessionID  string
	SourcePath string
}

// Register links a canonical log into the project and records its messages
// and markers.
func (r *Registry) Register(ctx context.Context, projectID string, req RegisterRequest) (*manifest.Session, error) {
	if err := manifest.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	if err := manifest.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	if req.SourcePath == "" {
		return nil, apperr.New(apperr.Validation, "registry", "source path is required")
	}
	canonical, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "registry", err)
	}

	m, err := r.repo.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, exists := m.Sessions[req.SessionID]; exists {
		return nil, duplicate(req.SessionID, projectID)
	}

	// The copy is staged until the manifest commit succeeds so that a losing
	// concurrent registration never touches the winner's linked copy.
	linked := r.LinkedPath(projectID, req.SessionID)
	if err := os.MkdirAll(filepath.Dir(linked), 0o700); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "registry", err)
	}
	stageDir, err := os.MkdirTemp(filepath.Dir(linked), ".register-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "registry", err)
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	staged := source.Link{SessionID: req.SessionID, Canonical: canonical, Linked: filepath.Join(stageDir, filepath.Base(linked))}
	if _, err := r.syncer.Sync(staged); err != nil {
		return nil, err
	}
	msgs, err := r.reader.Read(ctx, staged.Linked)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	sess := &manifest.Session{
		ID:             req.SessionID,
		SourcePath:     canonical,
		LinkedPath:     linked,
		RegisteredAt:   now,
		LastAccessedAt: now,
	}
	r.observe(sess, msgs)

	_, err = r.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
		if _, exists := m.Sessions[req.SessionID]; exists {
			return duplicate(req.SessionID, projectID)
		}
		m.Sessions[req.SessionID] = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := os.Rename(staged.Linked, linked); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "registry: link", err)
	}

	r.logger.Info("session registered",
		"project", projectID,
		"session", sess.ID,
		"messages", sess.OriginalMessages,
		"markers", len(sess.Markers),
	)
	return sess, nil
}

func duplicate(sessionID, projectID string) error {
	return apperr.New(apperr.Validation, "registry", "session %s is already registered in project %s", sessionID, projectID)
}

// observe updates counts, timestamps, and markers from the current
// messages. Markers already recorded keep their weight and history.
func (r *Registry) observe(sess *manifest.Session, msgs []source.Message) int {
	sess.OriginalMessages = len(msgs)
	sess.OriginalTokens = tokens.Messages(r.estimator, msgs)
	if len(msgs) > 0 {
		sess.FirstTimestamp = msgs[0].Timestamp
		sess.LastTimestamp = msgs[len(msgs)-1].Timestamp
	}

	added := 0
	for i := range msgs {
		for mk := range marker.Extract(msgs[i].Text) {
			id := fmt.Sprintf("%s:%d", msgs[i].UUID, mk.Start)
			if _, seen := sess.Marker(id); seen {
				continue
			}
			sess.Markers = append(sess.Markers, manifest.Marker{
				ID:          id,
				MessageUUID: msgs[i].UUID,
				Weight:      mk.Weight,
				Content:     mk.Content,
				Start:       mk.Start,
				End:         mk.End,
			})
			added++
		}
	}
	return added
}

// Unregister removes a session, its linked copy, and its artifacts. It
// fails with InProgress while the session is being compressed.
func (r *Registry) Unregister(ctx context.Context, projectID, sessionID string) error {
	key := lock.Key{Project: projectID, Session: sessionID, Op: lock.OpCompression}
	return r.locks.Do(key, func() error {
		var linked string
		_, err := r.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
			sess, err := m.Session(sessionID)
			if err != nil {
				return err
			}
			linked = sess.LinkedPath
			delete(m.Sessions, sessionID)
			return nil
		})
		if err != nil {
			return err
		}

		if linked != "" {
			if err := os.Remove(linked); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("linked copy not removed", "path", linked, "error", err)
			}
		}
		if err := r.artifacts.DeleteSession(projectID, sessionID); err != nil {
			return err
		}
		r.logger.Info("session unregistered", "project", projectID, "session", sessionID)
		return nil
	})
}

// RefreshResult reports what a refresh changed.
type RefreshResult struct {
	Copied       bool
	Messages     int
	AddedMarkers int
}

// Refresh re-syncs the linked copy from the canonical log and records new
// messages and markers.
func (r *Registry) Refresh(ctx context.Context, projectID, sessionID string) (RefreshResult, error) {
	m, err := r.repo.Load(ctx, projectID)
	if err != nil {
		return RefreshResult{}, err
	}
	sess, err := m.Session(sessionID)
	if err != nil {
		return RefreshResult{}, err
	}

	copied, err := r.syncer.Sync(link(sess))
	if err != nil {
		return RefreshResult{}, err
	}
	msgs, err := r.reader.Read(ctx, sess.LinkedPath)
	if err != nil {
		return RefreshResult{}, err
	}

	var res RefreshResult
	_, err = r.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
		sess, err := m.Session(sessionID)
		if err != nil {
			return err
		}
		res = RefreshResult{Copied: copied, Messages: len(msgs), AddedMarkers: r.observe(sess, msgs)}
		return nil
	})
	if err != nil {
		return RefreshResult{}, err
	}
	r.logger.Debug("session refreshed",
		"project", projectID,
		"session", sessionID,
		"messages", res.Messages,
		"new_markers", res.AddedMarkers,
	)
	return res, nil
}

// Watch refreshes every session of a project whenever its canonical log is
// written. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, projectID string) error {
	links, err := r.Links(ctx, projectID)
	if err != nil {
		return err
	}
	return r.syncer.Watch(ctx, links, func(l source.Link) {
		if _, err := r.Refresh(ctx, projectID, l.SessionID); err != nil {
			r.logger.Warn("refresh after sync failed", "project", projectID, "session", l.SessionID, "error", err)
		}
	})
}

// Links returns the canonical/linked pairs of a project's sessions.
func (r *Registry) Links(ctx context.Context, projectID string) ([]source.Link, error) {
	sessions, err := r.ListSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]source.Link, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, link(s))
	}
	return out, nil
}

func link(s *manifest.Session) source.Link {
	return source.Link{SessionID: s.ID, Canonical: s.SourcePath, Linked: s.LinkedPath}
}

// SetMarkerWeight changes the weight of one marker. Only the manifest's
// record changes; the message text keeps its original tag.
func (r *Registry) SetMarkerWeight(ctx context.Context, projectID, sessionID, markerID string, weight float64) error {
	if weight < 0 || weight > 1 || marker.NormalizeWeight(weight) != weight {
		return apperr.New(apperr.Validation, "registry",
			"marker weight %v must be within [0,1] with at most two decimals", weight)
	}
	_, err := r.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
		sess, err := m.Session(sessionID)
		if err != nil {
			return err
		}
		mk, ok := sess.Marker(markerID)
		if !ok {
			return apperr.New(apperr.Validation, "registry", "session %s has no marker %q", sessionID, markerID)
		}
		mk.Weight = weight
		return nil
	})
	return err
}

// Prune removes one version and its artifact. Version ids are never reused
// afterwards.
func (r *Registry) Prune(ctx context.Context, projectID, sessionID, versionID string) error {
	key := lock.Key{Project: projectID, Session: sessionID, Op: lock.OpCompression}
	return r.locks.Do(key, func() error {
		var removed manifest.CompressionRecord
		_, err := r.repo.Update(ctx, projectID, func(m *manifest.Manifest) error {
			sess, err := m.Session(sessionID)
			if err != nil {
				return err
			}
			rec, ok := sess.RemoveVersion(versionID)
			if !ok {
				return apperr.New(apperr.VersionNotFound, "registry", "session %s has no version %s", sessionID, versionID)
			}
			if len(part.Versions(sess, rec.PartNumber)) == 0 && rec.PartNumber < part.HighestPartNumber(sess) {
				return apperr.New(apperr.Validation, "registry",
					"%s is the last version of part %d; later parts depend on its range", versionID, rec.PartNumber)
			}
			for i := range sess.Markers {
				sess.Markers[i].Survival = dropSurvival(sess.Markers[i].Survival, versionID)
			}
			removed = rec
			return nil
		})
		if err != nil {
			return err
		}
		if err := r.artifacts.Delete(projectID, removed.Artifact); err != nil {
			return err
		}
		r.logger.Info("version pruned", "project", projectID, "session", sessionID, "version", versionID)
		return nil
	})
}

func dropSurvival(s []manifest.MarkerSurvival, versionID string) []manifest.MarkerSurvival {
	out := s[:0]
	for _, v := range s {
		if v.VersionID != versionID {
			out = append(out, v)
		}
	}
	return out
}

// ListSessions returns a project's sessions in registration order.
func (r *Registry) ListSessions(ctx context.Context, projectID string) ([]*manifest.Session, error) {
	m, err := r.repo.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ids := m.SessionIDs()
	out := make([]*manifest.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Sessions[id])
	}
	return out, nil
}

// Session returns one session record.
func (r *Registry) Session(ctx context.Context, projectID, sessionID string) (*manifest.Session, error) {
	m, err := r.repo.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.Session(sessionID)
}
