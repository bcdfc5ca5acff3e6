// Package session owns the attendance-session lifecycle: at most one
// active session per subject, a hard expiry deadline fixed at start,
// and a background token rotation owned by the session itself.
package session

import (
	"context"
	"errors"
	"time"

	"rollcall/internal/geo"
)

// State is the session lifecycle state. Stopped is terminal.
type State string

const (
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// Causes recorded when a session leaves the active state.
const (
	StopReasonManual          = "manual"
	StopReasonExpired         = "expired"
	StopReasonRotationFailure = "rotation_failure"
)

var (
	// ErrAlreadyActive reports a start attempt while a session is active
	// for the same subject.
	ErrAlreadyActive = errors.New("session: already active for subject")
	// ErrNotFound reports an unknown session ID.
	ErrNotFound = errors.New("session: not found")
	// ErrNotActive reports a token update against a stopped or expired session.
	ErrNotActive = errors.New("session: not active")
)

// Session is one attendance window for one subject.
type Session struct {
	ID        string
	SubjectID string
	TeacherID string

	State      State
	StartedAt  time.Time
	ExpiresAt  time.Time // fixed at creation, never extended by rotation
	StoppedAt  time.Time // zero while active
	StopReason string

	CurrentToken  string
	TokenIssuedAt time.Time
	RotationIndex int

	// The immediately superseded token stays scannable for a short
	// grace window to tolerate display lag.
	PrevToken        string
	PrevSupersededAt time.Time

	// Geofence reference point, copied from the subject at start.
	Ref *geo.Point
}

// ActiveAt reports whether the session accepts scans at the given
// instant. Expiry is a pure function of time; a session past its
// deadline is treated as stopped even if no stop call ever ran.
func (s *Session) ActiveAt(now time.Time) bool {
	return s.State == StateActive && now.Before(s.ExpiresAt)
}

// FinishedAt reports whether the session counts toward attendance
// denominators: explicitly stopped or past its deadline.
func (s *Session) FinishedAt(now time.Time) bool {
	return s.State == StateStopped || !now.Before(s.ExpiresAt)
}

// Repository persists sessions. Implementations must make UpdateToken
// and MarkStopped mutually atomic so a rotation racing a stop can never
// change the token of a stopped session.
type Repository interface {
	// Create inserts a new active session, failing with ErrAlreadyActive
	// if one is active (and unexpired) for the subject. Sessions past
	// their deadline but never explicitly stopped do not block creation;
	// they are demoted to stopped with StopReasonExpired.
	Create(ctx context.Context, s Session) error

	// Get returns a session by ID.
	Get(ctx context.Context, id string) (Session, error)

	// ActiveBySubject returns the active, unexpired session for a
	// subject, or ErrNotFound.
	ActiveBySubject(ctx context.Context, subjectID string, now time.Time) (Session, error)

	// UpdateToken installs a new current token, archiving the previous
	// one with its supersession time. Fails with ErrNotActive if the
	// session is stopped or past its deadline at issuedAt.
	UpdateToken(ctx context.Context, id, value string, issuedAt time.Time) error

	// MarkStopped transitions to Stopped. Idempotent: stopping an
	// already stopped session reports changed=false and no error.
	MarkStopped(ctx context.Context, id string, at time.Time, reason string) (changed bool, err error)

	// ListBySubject returns every session ever opened for a subject,
	// oldest first.
	ListBySubject(ctx context.Context, subjectID string) ([]Session, error)

	// CountFinished counts sessions that are stopped or past their
	// deadline, the denominator for attendance percentages.
	CountFinished(ctx context.Context, subjectID string, now time.Time) (int, error)
}
