package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/clock"
	"rollcall/internal/directory"
	"rollcall/internal/metrics"
	"rollcall/internal/token"
)

// Config carries the lifecycle knobs for the manager.
type Config struct {
	Duration         time.Duration // session hard deadline from start
	RotationInterval time.Duration
	MaxRetries       int           // token publish attempts before forcing a stop
	RetryBackoff     time.Duration // base backoff between publish attempts
}

// Manager enforces the session state machine and owns one rotation
// goroutine per active session. Stopping a session cancels its rotation
// and, because token updates are conditional on the stored state, an
// in-flight rotation can never resurrect a stopped session's token.
type Manager struct {
	repo  Repository
	dir   directory.Directory
	clock clock.Clock
	cfg   Config
	log   *zap.Logger

	mu        sync.Mutex
	rotations map[string]*rotationHandle
}

type rotationHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. The zero values of cfg are replaced
// with the engine defaults.
func NewManager(repo Repository, dir directory.Directory, clk clock.Clock, cfg Config, log *zap.Logger) *Manager {
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		repo:      repo,
		dir:       dir,
		clock:     clk,
		cfg:       cfg,
		log:       log,
		rotations: make(map[string]*rotationHandle),
	}
}

// Start opens a session for a subject and begins token rotation.
// Fails with ErrAlreadyActive while a session is active for the subject.
func (m *Manager) Start(ctx context.Context, subjectID, teacherID string) (Session, error) {
	subject, err := m.dir.Subject(ctx, subjectID)
	if err != nil {
		return Session{}, fmt.Errorf("resolve subject: %w", err)
	}

	now := m.clock.Now()
	id := uuid.NewString()
	first, err := token.Generate(subjectID, id, 0)
	if err != nil {
		return Session{}, err
	}
	sess := Session{
		ID:            id,
		SubjectID:     subjectID,
		TeacherID:     teacherID,
		State:         StateActive,
		StartedAt:     now,
		ExpiresAt:     now.Add(m.cfg.Duration),
		CurrentToken:  first,
		TokenIssuedAt: now,
		Ref:           subject.Location,
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return Session{}, err
	}

	rotCtx, cancel := context.WithCancel(context.Background())
	handle := &rotationHandle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.rotations[id] = handle
	m.mu.Unlock()
	go m.runRotation(rotCtx, id, subjectID, handle.done)

	metrics.SessionsStartedTotal.Inc()
	metrics.ActiveSessions.Inc()
	m.log.Info("session started",
		zap.String("subject_id", subjectID),
		zap.String("session_id", id),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Stop closes a session. Idempotent: stopping an already stopped
// session is a no-op. The stored state flips before the rotation
// goroutine is cancelled, so a rotation racing the stop fails its
// conditional write rather than publishing a stale token.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	return m.stop(ctx, sessionID, StopReasonManual)
}

func (m *Manager) stop(ctx context.Context, sessionID, reason string) error {
	changed, err := m.repo.MarkStopped(ctx, sessionID, m.clock.Now(), reason)
	if err != nil {
		return err
	}
	m.teardown(sessionID)
	if changed {
		metrics.ActiveSessions.Dec()
		metrics.SessionsStoppedTotal.WithLabelValues(reason).Inc()
		m.log.Info("session stopped",
			zap.String("session_id", sessionID),
			zap.String("reason", reason))
	}
	return nil
}

// teardown cancels the rotation goroutine and waits for it to exit.
func (m *Manager) teardown(sessionID string) {
	m.mu.Lock()
	handle, ok := m.rotations[sessionID]
	delete(m.rotations, sessionID)
	m.mu.Unlock()
	if ok {
		handle.cancel()
		<-handle.done
	}
}

// Active returns the active, unexpired session for a subject, or
// ErrNotFound when none exists.
func (m *Manager) Active(ctx context.Context, subjectID string) (Session, error) {
	return m.repo.ActiveBySubject(ctx, subjectID, m.clock.Now())
}

// Lookup returns the session with the given ID if it belongs to the
// given subject. Used by the verifier; makes no liveness judgement.
func (m *Manager) Lookup(ctx context.Context, subjectID, sessionID string) (Session, error) {
	sess, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.SubjectID != subjectID {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Shutdown cancels every rotation goroutine. Session state is left
// as-is; expiry is enforced by time comparison, not by the rotations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*rotationHandle, 0, len(m.rotations))
	for id, h := range m.rotations {
		handles = append(handles, h)
		delete(m.rotations, id)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

func (m *Manager) runRotation(ctx context.Context, sessionID, subjectID string, done chan struct{}) {
	defer func() {
		// Self-deregister so a rotation that ends on its own (expiry,
		// forced stop) does not leave a handle behind.
		m.mu.Lock()
		delete(m.rotations, sessionID)
		m.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.rotateOnce(ctx, sessionID, subjectID) {
				return
			}
		}
	}
}

// rotateOnce generates and publishes the next token. It returns false
// when rotation should stop: the session ended, or publishing failed
// past the retry budget and the session was force-stopped.
func (m *Manager) rotateOnce(ctx context.Context, sessionID, subjectID string) bool {
	sess, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		m.log.Warn("rotation read failed", zap.String("session_id", sessionID), zap.Error(err))
		return true
	}
	if !sess.ActiveAt(m.clock.Now()) {
		// Demote a session that ran out the clock so the stored record
		// and the gauge close without an explicit stop. MarkStopped only
		// reports a change when the row was still active, so a stop that
		// raced us does not get counted twice.
		changed, serr := m.repo.MarkStopped(ctx, sessionID, sess.ExpiresAt, StopReasonExpired)
		if serr != nil && !errors.Is(serr, ErrNotFound) {
			m.log.Warn("expiry demotion failed", zap.String("session_id", sessionID), zap.Error(serr))
		}
		if changed {
			metrics.ActiveSessions.Dec()
			metrics.SessionsStoppedTotal.WithLabelValues(StopReasonExpired).Inc()
			m.log.Info("session expired", zap.String("session_id", sessionID))
		}
		return false
	}

	value, err := token.Generate(subjectID, sessionID, sess.RotationIndex+1)
	if err != nil {
		m.log.Error("token generation failed", zap.String("session_id", sessionID), zap.Error(err))
		return true
	}

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		err = m.repo.UpdateToken(ctx, sessionID, value, m.clock.Now())
		if err == nil {
			metrics.RotationsTotal.WithLabelValues("ok").Inc()
			return true
		}
		if errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotFound) {
			return false
		}
		metrics.RotationsTotal.WithLabelValues("retry").Inc()
		m.log.Warn("token publish failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * m.cfg.RetryBackoff):
		}
	}

	// A session left visibly open with no fresh token is worse than a
	// closed one: force the stop and surface it.
	metrics.RotationsTotal.WithLabelValues("failed").Inc()
	m.log.Error("rotation retries exhausted, stopping session",
		zap.String("session_id", sessionID),
		zap.Error(err))
	if _, serr := m.repo.MarkStopped(context.WithoutCancel(ctx), sessionID, m.clock.Now(), StopReasonRotationFailure); serr != nil {
		m.log.Error("forced stop failed", zap.String("session_id", sessionID), zap.Error(serr))
	} else {
		metrics.ActiveSessions.Dec()
		metrics.SessionsStoppedTotal.WithLabelValues(StopReasonRotationFailure).Inc()
	}
	return false
}
