package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/geo"
)

// PostgresLedger persists attendance records keyed by
// (subject_id, session_id, student_id). The block-window condition
// lives inside the upsert statement, so the check-then-act race between
// two near-simultaneous scans for the same key is closed by the store.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const recordColumns = `
	subject_id, session_id, student_id, present, marked_at,
	lat, lng, distance_m, source, flag`

// Put upserts the record unless a prior one sits inside the block window.
func (l *PostgresLedger) Put(ctx context.Context, rec Record, blockWindow time.Duration) error {
	var lat, lng sql.NullFloat64
	if rec.Position != nil {
		lat = sql.NullFloat64{Float64: rec.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: rec.Position.Lng, Valid: true}
	}
	var dist sql.NullFloat64
	if rec.DistanceM != nil {
		dist = sql.NullFloat64{Float64: *rec.DistanceM, Valid: true}
	}
	cutoff := rec.Timestamp.Add(-blockWindow)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO attendance_records (
			subject_id, session_id, student_id, present, marked_at,
			lat, lng, distance_m, source, flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subject_id, session_id, student_id) DO UPDATE SET
			present = EXCLUDED.present,
			marked_at = EXCLUDED.marked_at,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			distance_m = EXCLUDED.distance_m,
			source = EXCLUDED.source,
			flag = EXCLUDED.flag
		WHERE attendance_records.marked_at <= $11
	`, rec.SubjectID, rec.SessionID, rec.StudentID, rec.Present, rec.Timestamp,
		lat, lng, dist, rec.Source, rec.Flag, cutoff)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecentlyMarked
	}
	return nil
}

// Override sets presence for the key, preserving recorded position data.
func (l *PostgresLedger) Override(ctx context.Context, key Key, present bool, at time.Time) (Record, error) {
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (
			subject_id, session_id, student_id, present, marked_at, source, flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, session_id, student_id) DO UPDATE SET
			present = EXCLUDED.present,
			marked_at = EXCLUDED.marked_at,
			source = EXCLUDED.source
		RETURNING`+recordColumns,
		key.SubjectID, key.SessionID, key.StudentID, present, at,
		SourceManualOverride, FlagNoLocation)
	return scanRecord(row)
}

// Get returns the record for a key.
func (l *PostgresLedger) Get(ctx context.Context, key Key) (Record, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT`+recordColumns+`
		FROM attendance_records
		WHERE subject_id = $1 AND session_id = $2 AND student_id = $3
	`, key.SubjectID, key.SessionID, key.StudentID)
	return scanRecord(row)
}

// ListBySubject returns records across all sessions of a subject.
func (l *PostgresLedger) ListBySubject(ctx context.Context, subjectID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT`+recordColumns+`
		FROM attendance_records
		WHERE subject_id = $1
		ORDER BY session_id, student_id
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListBySession returns records for one session.
func (l *PostgresLedger) ListBySession(ctx context.Context, subjectID, sessionID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT`+recordColumns+`
		FROM attendance_records
		WHERE subject_id = $1 AND session_id = $2
		ORDER BY student_id
	`, subjectID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var lat, lng, dist sql.NullFloat64
	err := row.Scan(
		&rec.SubjectID, &rec.SessionID, &rec.StudentID, &rec.Present, &rec.Timestamp,
		&lat, &lng, &dist, &rec.Source, &rec.Flag,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if lat.Valid && lng.Valid {
		rec.Position = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if dist.Valid {
		rec.DistanceM = &dist.Float64
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
