// Package directory exposes read-only reference data: students,
// subjects, and the class each belongs to. The engine never writes
// here; enrollment management lives outside this service.
package directory

import (
	"context"
	"errors"

	"rollcall/internal/geo"
)

// ErrNotFound reports an unknown student or subject ID.
var ErrNotFound = errors.New("directory: not found")

// Student is a person who can be marked present. A student belongs to
// exactly one class.
type Student struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ClassID string `json:"class_id"`
}

// Subject is a course taught to exactly one class. Location, when set,
// is the geofence reference point for the subject's sessions.
type Subject struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	ClassID  string     `json:"class_id"`
	Location *geo.Point `json:"location,omitempty"`
}

// Directory is the external directory store contract.
type Directory interface {
	Student(ctx context.Context, id string) (Student, error)
	Subject(ctx context.Context, id string) (Subject, error)
	StudentsByClass(ctx context.Context, classID string) ([]Student, error)
	SubjectsByClass(ctx context.Context, classID string) ([]Subject, error)
}
