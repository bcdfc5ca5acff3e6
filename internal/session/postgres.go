package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/geo"
)

// PostgresRepository persists sessions in Postgres. The conditional
// UPDATE statements carry the state machine: a rotation that lands
// after a stop touches zero rows.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `
	id, subject_id, teacher_id, state, started_at, expires_at,
	stopped_at, stop_reason, current_token, token_issued_at,
	rotation_index, prev_token, prev_superseded_at, ref_lat, ref_lng`

// Create inserts a new active session. Expired-but-never-stopped
// sessions for the subject are demoted first so they do not trip the
// single-active partial unique index.
func (r *PostgresRepository) Create(ctx context.Context, s Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = 'stopped', stopped_at = expires_at, stop_reason = $2
		WHERE subject_id = $1 AND state = 'active' AND expires_at <= $3
	`, s.SubjectID, StopReasonExpired, s.StartedAt)
	if err != nil {
		return err
	}

	var refLat, refLng sql.NullFloat64
	if s.Ref != nil {
		refLat = sql.NullFloat64{Float64: s.Ref.Lat, Valid: true}
		refLng = sql.NullFloat64{Float64: s.Ref.Lng, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, subject_id, teacher_id, state, started_at, expires_at,
			current_token, token_issued_at, rotation_index, ref_lat, ref_lng
		) VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subject_id) WHERE state = 'active' DO NOTHING
	`, s.ID, s.SubjectID, s.TeacherID, s.StartedAt, s.ExpiresAt,
		s.CurrentToken, s.TokenIssuedAt, s.RotationIndex, refLat, refLng)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyActive
	}
	return tx.Commit()
}

// Get returns a session by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ActiveBySubject returns the active, unexpired session for a subject.
func (r *PostgresRepository) ActiveBySubject(ctx context.Context, subjectID string, now time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions
		WHERE subject_id = $1 AND state = 'active' AND expires_at > $2
	`, subjectID, now)
	return scanSession(row)
}

// UpdateToken installs a new current token and archives the previous
// one, touching zero rows when the session is stopped or expired.
func (r *PostgresRepository) UpdateToken(ctx context.Context, id, value string, issuedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET prev_token = current_token,
		    prev_superseded_at = $3,
		    current_token = $2,
		    token_issued_at = $3,
		    rotation_index = rotation_index + 1
		WHERE id = $1 AND state = 'active' AND expires_at > $3
	`, id, value, issuedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotActive
	}
	return nil
}

// MarkStopped transitions a session to Stopped, idempotently.
func (r *PostgresRepository) MarkStopped(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = 'stopped', stopped_at = $2, stop_reason = $3
		WHERE id = $1 AND state = 'active'
	`, id, at, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// ListBySubject returns every session for a subject, oldest first.
func (r *PostgresRepository) ListBySubject(ctx context.Context, subjectID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions WHERE subject_id = $1 ORDER BY started_at
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountFinished counts stopped-or-expired sessions for a subject.
func (r *PostgresRepository) CountFinished(ctx context.Context, subjectID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE subject_id = $1 AND (state = 'stopped' OR expires_at <= $2)
	`, subjectID, now).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var stoppedAt, prevSupersededAt sql.NullTime
	var stopReason, prevToken sql.NullString
	var refLat, refLng sql.NullFloat64
	err := row.Scan(
		&s.ID, &s.SubjectID, &s.TeacherID, &s.State, &s.StartedAt, &s.ExpiresAt,
		&stoppedAt, &stopReason, &s.CurrentToken, &s.TokenIssuedAt,
		&s.RotationIndex, &prevToken, &prevSupersededAt, &refLat, &refLng,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if stoppedAt.Valid {
		s.StoppedAt = stoppedAt.Time
	}
	s.StopReason = stopReason.String
	s.PrevToken = prevToken.String
	if prevSupersededAt.Valid {
		s.PrevSupersededAt = prevSupersededAt.Time
	}
	if refLat.Valid && refLng.Valid {
		s.Ref = &geo.Point{Lat: refLat.Float64, Lng: refLng.Float64}
	}
	return s, nil
}
