package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/rollcall/internal/store/mariadb"
	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrNotFound is returned when an identity does not exist. Both backends share it.
var ErrNotFound = mariadb.ErrNotFound

// Store manages the PostgreSQL pool: identity directory, attendance ledger and the
// pgvector template store.
type Store struct {
	pool *pgxpool.Pool
}

// New ensures the schema over a single connection, then opens a pool whose
// connections know the vector type.
func New(ctx context.Context, connString string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.AfterConnect = pgxvec.RegisterTypes

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := pgx.ConnectConfig(pingCtx, cfg.ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// Initialize schema (Auto-Migration)
	err = initSchema(ctx, conn)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance (
			identity_id TEXT NOT NULL,
			date TEXT NOT NULL,
			first_in TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			total_work_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (identity_id, date)
		);
		CREATE TABLE IF NOT EXISTS enrolled_templates (
			id BIGSERIAL PRIMARY KEY,
			identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS gallery_meta (
			id INT PRIMARY KEY CHECK (id = 1),
			version BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS attendance_date_idx ON attendance (date);
		CREATE INDEX IF NOT EXISTS enrolled_templates_identity_idx ON enrolled_templates (identity_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// UpsertAttendance writes one day entry. Concurrent or replayed writes converge: the
// row keeps the earliest first-in (with its status), the latest last-seen and the
// largest work total.
func (s *Store) UpsertAttendance(ctx context.Context, e types.AttendanceEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (identity_id, date, first_in, last_seen, total_work_seconds, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (identity_id, date) DO UPDATE SET
			status = CASE WHEN EXCLUDED.first_in < attendance.first_in THEN EXCLUDED.status ELSE attendance.status END,
			first_in = LEAST(attendance.first_in, EXCLUDED.first_in),
			last_seen = GREATEST(attendance.last_seen, EXCLUDED.last_seen),
			total_work_seconds = GREATEST(attendance.total_work_seconds, EXCLUDED.total_work_seconds),
			updated_at = NOW()
	`, e.IdentityID, e.Date, e.FirstIn, e.LastSeen, e.TotalWorkSeconds, string(e.Status))
	if err != nil {
		return fmt.Errorf("upsert attendance %s/%s: %w", e.IdentityID, e.Date, err)
	}
	return nil
}

// AttendanceForDate returns every entry of one day, ordered by first-in.
func (s *Store) AttendanceForDate(ctx context.Context, date string) ([]types.AttendanceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, date, first_in, last_seen, total_work_seconds, status
		FROM attendance WHERE date = $1 ORDER BY first_in
	`, date)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var out []types.AttendanceEntry
	for rows.Next() {
		var e types.AttendanceEntry
		var status string
		if err := rows.Scan(&e.IdentityID, &e.Date, &e.FirstIn, &e.LastSeen, &e.TotalWorkSeconds, &status); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		e.Status = types.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertIdentity creates an identity or updates its name.
func (s *Store) UpsertIdentity(ctx context.Context, id, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name)
	return err
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id, newName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	// Names are part of the gallery
	return s.bumpVersion(ctx, s.pool)
}

// ListIdentities returns the identity directory ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, created_at FROM identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	identities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Identity, error) {
		var i types.Identity
		err := row.Scan(&i.ID, &i.Name, &i.CreatedAt)
		return i, err
	})
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return identities, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS enrolled_templates CASCADE;
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
		DROP TABLE IF EXISTS gallery_meta CASCADE;
	`)
	return err
}
