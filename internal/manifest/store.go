package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/flemzord/strata/internal/apperr"
)

// defaultMaxAttempts bounds how often Update reapplies a mutation after a
// revision conflict.
const defaultMaxAttempts = 3

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProjectID rejects ids that are not safe as a path component.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return apperr.New(apperr.Validation, "manifest", "invalid project id %q", id)
	}
	return nil
}

// ValidateSessionID applies the same rule to session ids, which also name
// linked copies and artifact directories.
func ValidateSessionID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return apperr.New(apperr.Validation, "manifest", "invalid session id %q", id)
	}
	return nil
}

// Store persists manifest documents.
//
// Load returns a fresh copy of the latest document (an empty one with
// Revision 0 if none exists). Save writes m only if the persisted revision
// still equals m.Revision, then increments m.Revision; otherwise it returns
// an error of kind StaleManifest and leaves the stored document untouched.
type Store interface {
	Load(ctx context.Context, projectID string) (*Manifest, error)
	Save(ctx context.Context, m *Manifest) error
	Ping(ctx context.Context) error
}

// Lister is implemented by stores that can enumerate their projects.
type Lister interface {
	Projects(ctx context.Context) ([]string, error)
}

// Repository wraps a Store with the read-modify-write transaction every
// writer must use.
type Repository struct {
	store       Store
	logger      *slog.Logger
	maxAttempts int

	// OnConflict, if set, is called for each revision conflict.
	OnConflict func()
}

// NewRepository creates a Repository. A nil logger uses slog.Default().
func NewRepository(store Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:       store,
		logger:      logger.With("component", "manifest"),
		maxAttempts: defaultMaxAttempts,
	}
}

// Store returns the underlying store.
func (r *Repository) Store() Store { return r.store }

// Load returns the latest manifest for a project. Reads take no lock.
func (r *Repository) Load(ctx context.Context, projectID string) (*Manifest, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	m, err := r.store.Load(ctx, projectID)
	if err != nil {
		return nil, wrapStoreErr("manifest: load", err)
	}
	return m, nil
}

// Update loads the latest manifest, applies fn, and saves the result. If the
// document changed underneath, fn is reapplied to the newer state, up to a
// bounded number of attempts. An error from fn aborts without saving, so a
// failed transaction never leaves a partial write. fn may run more than
// once and must only touch the manifest it is given.
func (r *Repository) Update(ctx context.Context, projectID string, fn func(*Manifest) error) (*Manifest, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		m, err := r.store.Load(ctx, projectID)
		if err != nil {
			return nil, wrapStoreErr("manifest: load", err)
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		err = r.store.Save(ctx, m)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, apperr.StaleManifest) {
			return nil, wrapStoreErr("manifest: save", err)
		}
		lastErr = err
		if r.OnConflict != nil {
			r.OnConflict()
		}
		r.logger.Warn("manifest revision conflict, reapplying",
			"project", projectID,
			"attempt", attempt,
		)
	}
	return nil, apperr.Wrap(apperr.StaleManifest, "manifest: update",
		fmt.Errorf("gave up after %d attempts: %w", r.maxAttempts, lastErr))
}

// wrapStoreErr tags untyped store errors as Internal.
func wrapStoreErr(op string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return err
	}
	return apperr.Wrap(apperr.Internal, op, err)
}
