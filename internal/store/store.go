// Package store is the durable document store for OutputProject and
// Milestone records. It provides the one operation the core core
// depends on for correctness under concurrency: an atomic conditional
// update on OutputProject.agent_session_id ("set if null"), so that a
// read-then-write emulation can never lose an update across concurrent
// captures (spec.md §9, "Conditional persistence").
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Status is the OutputProject lifecycle enum.
type Status string

const (
	StatusCreated     Status = "created"
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
)

// OutputProject mirrors the persisted document described in spec.md §3.
type OutputProject struct {
	ID              string
	WorkspacePath   string
	AgentSessionID  sql.NullString
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Milestone mirrors the persisted document described in spec.md §3.
type Milestone struct {
	ID              string
	OutputProjectID string
	ContextFilePath string
	CreatedAt       time.Time
	DeliveredAt     sql.NullTime
}

// Store wraps a SQLite connection in WAL mode with the schema applied.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// PRAGMAs apply per connection; one pooled connection keeps the ones
	// set below in force for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL
		);`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", name, time.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", name, err)
		}
	}

	return nil
}

// CreateOutputProject inserts a new project in status "created".
func (s *Store) CreateOutputProject(ctx context.Context, id, workspacePath string) (*OutputProject, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO output_projects (id, workspace_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id, workspacePath, StatusCreated, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: create output project %s: %w", id, err)
	}
	return &OutputProject{ID: id, WorkspacePath: workspacePath, Status: StatusCreated, CreatedAt: now, UpdatedAt: now}, nil
}

// GetOutputProject fetches a project by id.
func (s *Store) GetOutputProject(ctx context.Context, id string) (*OutputProject, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_path, agent_session_id, status, created_at, updated_at
		FROM output_projects WHERE id = ?`, id)

	var p OutputProject
	if err := row.Scan(&p.ID, &p.WorkspacePath, &p.AgentSessionID, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("output project %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get output project %s: %w", id, err)
	}
	return &p, nil
}

// SetAgentSessionIDIfNull performs the atomic "set if null" conditional
// update spec.md §9 requires: the store's native conditional update,
// never a read-then-write emulation. Returns true if this call won the
// race and actually set the value.
func (s *Store) SetAgentSessionIDIfNull(ctx context.Context, id, agentSessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE output_projects
		SET agent_session_id = ?, updated_at = ?
		WHERE id = ? AND agent_session_id IS NULL`, agentSessionID, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("store: set agent session id for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected for %s: %w", id, err)
	}
	return n == 1, nil
}

// AdvanceStatus moves a project's status forward. Retries and failures
// elsewhere never regress status; callers are expected to only call
// this with a strictly later status than the current one.
func (s *Store) AdvanceStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE output_projects SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: advance status for %s: %w", id, err)
	}
	return nil
}

// CreateMilestone inserts a new milestone under an existing project.
func (s *Store) CreateMilestone(ctx context.Context, id, outputProjectID, contextFilePath string) (*Milestone, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestones (id, output_project_id, context_file_path, created_at)
		VALUES (?, ?, ?, ?)`, id, outputProjectID, contextFilePath, now)
	if err != nil {
		return nil, fmt.Errorf("store: create milestone %s: %w", id, err)
	}
	return &Milestone{ID: id, OutputProjectID: outputProjectID, ContextFilePath: contextFilePath, CreatedAt: now}, nil
}

// GetMilestone fetches a milestone by id.
func (s *Store) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, output_project_id, context_file_path, created_at, delivered_at
		FROM milestones WHERE id = ?`, id)

	var m Milestone
	if err := row.Scan(&m.ID, &m.OutputProjectID, &m.ContextFilePath, &m.CreatedAt, &m.DeliveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get milestone %s: %w", id, err)
	}
	return &m, nil
}

// ResolveMilestone implements terminalws.MilestoneLookup without that
// package needing to depend on the store's schema beyond this method.
func (s *Store) ResolveMilestone(milestoneID string) (projectID, contextFilePath string, err error) {
	m, err := s.GetMilestone(context.Background(), milestoneID)
	if err != nil {
		return "", "", err
	}
	return m.OutputProjectID, m.ContextFilePath, nil
}

// MarkMilestoneDelivered records the delivery timestamp.
func (s *Store) MarkMilestoneDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE milestones SET delivered_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: mark milestone %s delivered: %w", id, err)
	}
	return nil
}
