// Package history keeps a Postgres record of provisioning runs and the
// outcome of every machine in them.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"iut/pkg/db"
)

// Run is one provisioning run.
type Run struct {
	ID         uuid.UUID
	Profile    string
	ImageURL   string
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Meta       map[string]any
	Machines   []Machine
}

// Machine is the outcome of one machine within a run.
type Machine struct {
	Cluster    string
	Name       string
	MonitorID  string
	Outcome    string
	Status     string
	ExitCode   int
	LogPath    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Entry is one row of the recent history listing.
type Entry struct {
	RunID      uuid.UUID `db:"run_id"`
	StartedAt  time.Time `db:"started_at"`
	RunOutcome string    `db:"run_outcome"`
	Cluster    string    `db:"cluster"`
	Name       string    `db:"name"`
	Outcome    string    `db:"outcome"`
	Status     string    `db:"status"`
	ExitCode   int       `db:"exit_code"`
	Error      string    `db:"error"`
}

// Store persists runs.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("history: dsn is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: orm: %w", err)
	}
	return &Store{pool: pool, orm: orm}, nil
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Record stores run and its machines in one transaction and returns the run
// id, generating one when run.ID is nil.
func (s *Store) Record(ctx context.Context, run Run) (uuid.UUID, error) {
	if s == nil || s.orm == nil {
		return uuid.Nil, errors.New("history: store is not open")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	model, outcomes := toModels(run)

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(outcomes) == 0 {
			return nil
		}
		return tx.Create(&outcomes).Error
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("history: record run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

const recentQuery = `
SELECT r.id AS run_id, r.started_at, r.outcome AS run_outcome,
       m.cluster, m.name, m.outcome, COALESCE(m.status, '') AS status,
       COALESCE(m.exit_code, 0) AS exit_code, COALESCE(m.error, '') AS error
FROM (SELECT id, started_at, outcome FROM runs ORDER BY started_at DESC LIMIT $1) r
JOIN machine_outcomes m ON m.run_id = r.id
ORDER BY r.started_at DESC, m.id ASC`

// Recent lists the machine outcomes of the last runs, newest run first.
func (s *Store) Recent(ctx context.Context, runs int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history: store is not open")
	}
	if runs <= 0 {
		runs = 10
	}
	var entries []Entry
	if err := db.Select(ctx, s.pool, &entries, recentQuery, runs); err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	return entries, nil
}
