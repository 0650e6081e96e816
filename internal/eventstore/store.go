package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("run not found")

// Transition is one recorded pipeline state change.
type Transition struct {
	ID        int64     `json:"id"`
	AudioID   string    `json:"audioId"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Run is the latest known state of a pipeline run.
type Run struct {
	AudioID   string    `json:"audioId"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a SQLite-backed journal of pipeline runs.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is opened and every operation is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "run-journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("run journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("run journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    audio_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    audio_id TEXT NOT NULL,
    state TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(audio_id) REFERENCES runs(audio_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions(audio_id, id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordTransition appends a state change and moves the run to that state,
// creating the run on first sight.
func (s *Store) RecordTransition(ctx context.Context, audioID, state, detail string) (err error) {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs(audio_id, state, detail, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(audio_id) DO UPDATE SET state=excluded.state, detail=excluded.detail, updated_at=excluded.updated_at`,
		audioID, state, detail, now, now); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO transitions(audio_id, state, detail, created_at) VALUES(?, ?, ?, ?)`,
		audioID, state, detail, now); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// GetRun returns the current state of a run.
func (s *Store) GetRun(ctx context.Context, audioID string) (Run, error) {
	if s.disabled() {
		return Run{}, ErrNotFound
	}
	var (
		r                Run
		detail           sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT audio_id, state, detail, created_at, updated_at FROM runs WHERE audio_id = ?`, audioID).
		Scan(&r.AudioID, &r.State, &detail, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.Detail = detail.String
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

// ListTransitions retrieves up to limit transitions for a run in the order
// they were recorded.
func (s *Store) ListTransitions(ctx context.Context, audioID string, limit int) ([]Transition, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, audio_id, state, detail, created_at
		 FROM transitions WHERE audio_id = ? ORDER BY id ASC LIMIT ?`, audioID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t       Transition
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&t.ID, &t.AudioID, &t.State, &detail, &created); err != nil {
			return nil, err
		}
		t.Detail = detail.String
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE audio_id IN (
			SELECT audio_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
