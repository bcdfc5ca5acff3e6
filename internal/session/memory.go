package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in a mutex-guarded map, for dev and
// tests. All methods operate on copies; callers never share state with
// the map.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]Session)}
}

// Create inserts a new active session, enforcing the one-active-per-subject
// invariant.
func (r *MemoryRepository) Create(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.sessions {
		if existing.SubjectID != s.SubjectID || existing.State != StateActive {
			continue
		}
		if s.StartedAt.Before(existing.ExpiresAt) {
			return ErrAlreadyActive
		}
		// Past its deadline without an explicit stop: demote.
		existing.State = StateStopped
		existing.StoppedAt = existing.ExpiresAt
		existing.StopReason = StopReasonExpired
		r.sessions[id] = existing
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns a session by ID.
func (r *MemoryRepository) Get(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// ActiveBySubject returns the active, unexpired session for a subject.
func (r *MemoryRepository) ActiveBySubject(ctx context.Context, subjectID string, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SubjectID == subjectID && s.ActiveAt(now) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

// UpdateToken installs a new token if the session is still active.
func (r *MemoryRepository) UpdateToken(ctx context.Context, id, value string, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !s.ActiveAt(issuedAt) {
		return ErrNotActive
	}
	s.PrevToken = s.CurrentToken
	s.PrevSupersededAt = issuedAt
	s.CurrentToken = value
	s.TokenIssuedAt = issuedAt
	s.RotationIndex++
	r.sessions[id] = s
	return nil
}

// MarkStopped transitions a session to Stopped, idempotently.
func (r *MemoryRepository) MarkStopped(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.State == StateStopped {
		return false, nil
	}
	s.State = StateStopped
	s.StoppedAt = at
	s.StopReason = reason
	r.sessions[id] = s
	return true, nil
}

// ListBySubject returns every session for a subject, oldest first.
func (r *MemoryRepository) ListBySubject(ctx context.Context, subjectID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// CountFinished counts stopped-or-expired sessions for a subject.
func (r *MemoryRepository) CountFinished(ctx context.Context, subjectID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.SubjectID == subjectID && s.FinishedAt(now) {
			n++
		}
	}
	return n, nil
}
