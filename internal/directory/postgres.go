package directory

import (
	"context"
	"database/sql"
	"errors"

	"rollcall/internal/geo"
)

// Postgres reads directory data from the relational store.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a directory backed by db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Student returns a student by ID.
func (p *Postgres) Student(ctx context.Context, id string) (Student, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, class_id FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.ClassID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, err
	}
	return s, nil
}

// Subject returns a subject by ID.
func (p *Postgres) Subject(ctx context.Context, id string) (Subject, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, class_id, ref_lat, ref_lng FROM subjects WHERE id = $1
	`, id)
	var s Subject
	var lat, lng sql.NullFloat64
	if err := row.Scan(&s.ID, &s.Name, &s.ClassID, &lat, &lng); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	if lat.Valid && lng.Valid {
		s.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return s, nil
}

// StudentsByClass returns all students of a class ordered by name.
func (p *Postgres) StudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, class_id FROM students WHERE class_id = $1 ORDER BY name
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.ClassID); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// SubjectsByClass returns all subjects taught to a class.
func (p *Postgres) SubjectsByClass(ctx context.Context, classID string) ([]Subject, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, class_id, ref_lat, ref_lng FROM subjects WHERE class_id = $1 ORDER BY name
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []Subject
	for rows.Next() {
		var s Subject
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.Name, &s.ClassID, &lat, &lng); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			s.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}
