// Package sqlite stores project manifests in a SQLite database. Each
// project is one row holding the JSON document; the revision column makes
// every save a compare-and-swap, so concurrent writers from separate
// processes are detected instead of overwriting each other.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/manifest"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Store is a manifest.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ manifest.Store = (*Store)(nil)

// Open opens (creating if needed) the database described by cfg and
// migrates its schema. Call Defaults on cfg first.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	// SQLite serialises writes; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	if cfg.walEnabled() {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements manifest.Store.
func (s *Store) Load(ctx context.Context, projectID string) (*manifest.Manifest, error) {
	var (
		doc      string
		revision int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT document, revision FROM manifests WHERE project_id = ?", projectID,
	).Scan(&doc, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return manifest.New(projectID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %s: %w", projectID, err)
	}

	m, err := manifest.Decode([]byte(doc))
	if err != nil {
		return nil, err
	}
	m.ProjectID = projectID
	m.Revision = revision
	return m, nil
}

// Save implements manifest.Store.
func (s *Store) Save(ctx context.Context, m *manifest.Manifest) error {
	prevRevision, prevUpdated := m.Revision, m.UpdatedAt
	m.Revision++
	m.UpdatedAt = s.now().UTC()
	m.SchemaVersion = manifest.SchemaVersion

	restore := func() { m.Revision, m.UpdatedAt = prevRevision, prevUpdated }

	data, err := manifest.Encode(m)
	if err != nil {
		restore()
		return err
	}
	updated := m.UpdatedAt.Format(time.RFC3339Nano)

	var res sql.Result
	if prevRevision == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO manifests (project_id, revision, document, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (project_id) DO NOTHING`,
			m.ProjectID, m.Revision, string(data), updated,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE manifests SET revision = ?, document = ?, updated_at = ?
			WHERE project_id = ? AND revision = ?`,
			m.Revision, string(data), updated, m.ProjectID, prevRevision,
		)
	}
	if err != nil {
		restore()
		return fmt.Errorf("sqlite: save %s: %w", m.ProjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		restore()
		return fmt.Errorf("sqlite: save %s: %w", m.ProjectID, err)
	}
	if n == 0 {
		restore()
		return apperr.New(apperr.StaleManifest, "sqlite: save",
			"project %s changed since revision %d was loaded", m.ProjectID, prevRevision)
	}
	return nil
}

// Ping implements manifest.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Projects lists the stored project ids.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT project_id FROM manifests ORDER BY project_id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan project: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list projects rows: %w", err)
	}
	return ids, nil
}
