// Package attendance holds the verification pipeline that turns a
// scanned token into at most one presence record per student per
// session, and the ledger those records live in.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollcall/internal/geo"
)

// Source records how a presence mark came to exist.
type Source string

const (
	SourceScan           Source = "scan"
	SourceManualOverride Source = "manual_override"
)

// Flag qualifies an accepted record with its location confidence.
// Flags never gate acceptance under the default policy; they let
// downstream views distinguish low-confidence marks.
type Flag string

const (
	FlagNone       Flag = "none"        // no geofence configured
	FlagInRange    Flag = "in_range"    // within the configured threshold
	FlagOutOfRange Flag = "out_of_range"
	FlagNoLocation Flag = "no_location" // no position reported
)

// Key identifies one attendance record: one row per student per session.
type Key struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
}

// Record is the stored attendance outcome for a key. Re-scans and
// manual toggles overwrite in place; the ledger never grows a second
// row for the same key.
type Record struct {
	Key
	Present   bool       `json:"present"`
	Timestamp time.Time  `json:"timestamp"`
	Position  *geo.Point `json:"position,omitempty"`
	DistanceM *float64   `json:"distance_m,omitempty"`
	Source    Source     `json:"source"`
	Flag      Flag       `json:"flag"`
}

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("attendance: record not found")
	// ErrRecentlyMarked reports a conditional write losing to a record
	// inside the block window.
	ErrRecentlyMarked = errors.New("attendance: recently marked")
	// ErrStoreUnavailable reports a transient store failure after the
	// retry budget; the caller should re-scan, it is not a rejection.
	ErrStoreUnavailable = errors.New("attendance: store unavailable")
)

// Ledger is the idempotent per-key store of attendance outcomes.
type Ledger interface {
	// Put upserts the record, conditioned on no existing record for the
	// key with a timestamp inside blockWindow of rec.Timestamp. The
	// condition and the write are one atomic step; two racing scans for
	// the same key cannot both succeed.
	Put(ctx context.Context, rec Record, blockWindow time.Duration) error

	// Override unconditionally sets presence for the key, keeping any
	// recorded position (a manual edit carries no device position of
	// its own). Creates the record if none exists.
	Override(ctx context.Context, key Key, present bool, at time.Time) (Record, error)

	Get(ctx context.Context, key Key) (Record, error)

	// ListBySubject returns records across all sessions of a subject.
	ListBySubject(ctx context.Context, subjectID string) ([]Record, error)

	// ListBySession returns records for one session.
	ListBySession(ctx context.Context, subjectID, sessionID string) ([]Record, error)
}

// Reason enumerates the user-facing rejection kinds. Every rejection is
// an expected outcome, rendered to the scanning student, never a fault.
type Reason string

const (
	ReasonInvalidFormat    Reason = "invalid_format"
	ReasonSessionNotActive Reason = "session_not_active"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonNotEnrolled      Reason = "not_enrolled"
	ReasonAlreadyMarked    Reason = "already_marked_recently"
	ReasonOutOfRange       Reason = "out_of_range" // only with geofence enforcement on
)

// Rejection is a typed verification refusal.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("attendance: rejected (%s)", r.Reason)
}

func reject(reason Reason) error {
	return &Rejection{Reason: reason}
}

// AsRejection unwraps a *Rejection from err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
