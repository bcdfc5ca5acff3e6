package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Migrate creates the schema if missing. Every statement is idempotent
// so the API can run it at each start.
func (d *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		class_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_id);

	CREATE TABLE IF NOT EXISTS subjects (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		class_id TEXT NOT NULL,
		ref_lat  DOUBLE PRECISION,
		ref_lng  DOUBLE PRECISION
	);
	CREATE INDEX IF NOT EXISTS idx_subjects_class ON subjects(class_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		subject_id         TEXT NOT NULL,
		teacher_id         TEXT NOT NULL,
		state              TEXT NOT NULL,
		started_at         TIMESTAMPTZ NOT NULL,
		expires_at         TIMESTAMPTZ NOT NULL,
		stopped_at         TIMESTAMPTZ,
		stop_reason        TEXT,
		current_token      TEXT NOT NULL,
		token_issued_at    TIMESTAMPTZ NOT NULL,
		rotation_index     INTEGER NOT NULL DEFAULT 0,
		prev_token         TEXT,
		prev_superseded_at TIMESTAMPTZ,
		ref_lat            DOUBLE PRECISION,
		ref_lng            DOUBLE PRECISION
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
		ON sessions(subject_id) WHERE state = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id, started_at);

	CREATE TABLE IF NOT EXISTS attendance_records (
		subject_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		present    BOOLEAN NOT NULL,
		marked_at  TIMESTAMPTZ NOT NULL,
		lat        DOUBLE PRECISION,
		lng        DOUBLE PRECISION,
		distance_m DOUBLE PRECISION,
		source     TEXT NOT NULL,
		flag       TEXT NOT NULL,
		PRIMARY KEY (subject_id, session_id, student_id)
	);
	`
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
