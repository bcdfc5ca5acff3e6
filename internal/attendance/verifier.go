package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/clock"
	"rollcall/internal/directory"
	"rollcall/internal/feed"
	"rollcall/internal/geo"
	"rollcall/internal/metrics"
	"rollcall/internal/session"
	"rollcall/internal/token"
)

// SessionSource resolves a claimed (subject, session) pair. Satisfied
// by *session.Manager.
type SessionSource interface {
	Lookup(ctx context.Context, subjectID, sessionID string) (session.Session, error)
}

// Scan is a decoded token plus an optional reported position, handed in
// by the capture component. The engine never touches camera or
// geolocation APIs.
type Scan struct {
	StudentID string
	Token     string
	Position  *geo.Point
}

// Config carries the verification policy knobs.
type Config struct {
	// TokenGrace keeps the immediately superseded token scannable for
	// this long after its supersession, to tolerate display lag.
	// Config loading clamps it to one rotation interval.
	TokenGrace time.Duration
	// BlockWindow is the minimum gap between two accepted marks for the
	// same student and session.
	BlockWindow time.Duration
	// GeofenceThresholdM separates in-range from out-of-range flags.
	GeofenceThresholdM float64
	// GeofenceEnforce turns an out-of-range position into a rejection
	// instead of a flagged acceptance. Off by default.
	GeofenceEnforce bool
	// RetryBackoff is the pause before the single retry of a transient
	// store failure.
	RetryBackoff time.Duration
}

// Verifier is the sole authority deciding whether a scan becomes an
// attendance record. Steps run in order and short-circuit on the first
// failure; only the final ledger write mutates state.
type Verifier struct {
	sessions SessionSource
	dir      directory.Directory
	ledger   Ledger
	feed     feed.Feed
	clock    clock.Clock
	cfg      Config
	log      *zap.Logger
}

// NewVerifier creates a verifier. Zero cfg values get engine defaults.
func NewVerifier(sessions SessionSource, dir directory.Directory, ledger Ledger, f feed.Feed, clk clock.Clock, cfg Config, log *zap.Logger) *Verifier {
	if cfg.TokenGrace <= 0 {
		cfg.TokenGrace = 30 * time.Second
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = 30 * time.Minute
	}
	if cfg.GeofenceThresholdM <= 0 {
		cfg.GeofenceThresholdM = 30
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 150 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		sessions: sessions,
		dir:      dir,
		ledger:   ledger,
		feed:     f,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
}

// Verify runs the verification pipeline for one scan. It returns the
// stored record on acceptance, a *Rejection for every expected refusal,
// or ErrStoreUnavailable when the backing stores failed transiently.
func (v *Verifier) Verify(ctx context.Context, scan Scan) (Record, error) {
	rec, err := v.verify(ctx, scan)
	switch {
	case err == nil:
		metrics.ScansTotal.WithLabelValues("accept", string(rec.Flag)).Inc()
	default:
		if rej, ok := AsRejection(err); ok {
			metrics.ScansTotal.WithLabelValues("reject", string(rej.Reason)).Inc()
			v.log.Info("scan rejected",
				zap.String("student_id", scan.StudentID),
				zap.String("reason", string(rej.Reason)))
		} else {
			v.log.Warn("scan failed", zap.String("student_id", scan.StudentID), zap.Error(err))
		}
	}
	return rec, err
}

func (v *Verifier) verify(ctx context.Context, scan Scan) (Record, error) {
	// 1. Shape: the token must parse and carry its routing identifiers.
	tok, err := token.Parse(scan.Token)
	if err != nil {
		return Record{}, reject(ReasonInvalidFormat)
	}

	// 2. Session validity. Expiry is evaluated here by comparison; no
	// timer needs to have fired for an expired session to reject.
	var sess session.Session
	err = v.withRetry(ctx, func() error {
		var lerr error
		sess, lerr = v.sessions.Lookup(ctx, tok.SubjectID, tok.SessionID)
		if errors.Is(lerr, session.ErrNotFound) {
			return reject(ReasonSessionNotActive)
		}
		return lerr
	})
	if err != nil {
		return Record{}, err
	}
	now := v.clock.Now()
	if !sess.ActiveAt(now) {
		return Record{}, reject(ReasonSessionNotActive)
	}

	// 3. Token freshness: the current token, or the immediately
	// superseded one within the grace window. Anything older is a
	// possible replay and is never accepted.
	switch {
	case scan.Token == sess.CurrentToken:
	case sess.PrevToken != "" && scan.Token == sess.PrevToken &&
		now.Sub(sess.PrevSupersededAt) < v.cfg.TokenGrace:
	default:
		return Record{}, reject(ReasonTokenExpired)
	}

	// 4. Eligibility: the student must belong to the subject's class.
	var student directory.Student
	err = v.withRetry(ctx, func() error {
		var lerr error
		student, lerr = v.dir.Student(ctx, scan.StudentID)
		if errors.Is(lerr, directory.ErrNotFound) {
			return reject(ReasonNotEnrolled)
		}
		return lerr
	})
	if err != nil {
		return Record{}, err
	}
	var subject directory.Subject
	err = v.withRetry(ctx, func() error {
		var lerr error
		subject, lerr = v.dir.Subject(ctx, tok.SubjectID)
		if errors.Is(lerr, directory.ErrNotFound) {
			return reject(ReasonNotEnrolled)
		}
		return lerr
	})
	if err != nil {
		return Record{}, err
	}
	if student.ClassID != subject.ClassID {
		return Record{}, reject(ReasonNotEnrolled)
	}

	// 5. Rate limit: a prior record inside the block window rejects the
	// scan. This read is advisory; the write below re-checks atomically.
	key := Key{SubjectID: tok.SubjectID, SessionID: tok.SessionID, StudentID: scan.StudentID}
	err = v.withRetry(ctx, func() error {
		prior, lerr := v.ledger.Get(ctx, key)
		if errors.Is(lerr, ErrNotFound) {
			return nil
		}
		if lerr != nil {
			return lerr
		}
		if now.Sub(prior.Timestamp) < v.cfg.BlockWindow {
			return reject(ReasonAlreadyMarked)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	// 6. Geofence: distance is computed and flagged, not gated, unless
	// enforcement is switched on.
	dist, flag := v.geofence(sess.Ref, scan.Position)
	if flag == FlagOutOfRange && v.cfg.GeofenceEnforce {
		return Record{}, reject(ReasonOutOfRange)
	}

	// 7. The only mutation: conditional upsert keyed by identity.
	rec := Record{
		Key:       key,
		Present:   true,
		Timestamp: now,
		Position:  scan.Position,
		DistanceM: dist,
		Source:    SourceScan,
		Flag:      flag,
	}
	err = v.withRetry(ctx, func() error {
		werr := v.ledger.Put(ctx, rec, v.cfg.BlockWindow)
		if errors.Is(werr, ErrRecentlyMarked) {
			// Lost the race to a concurrent scan of the same key.
			return reject(ReasonAlreadyMarked)
		}
		return werr
	})
	if err != nil {
		return Record{}, err
	}

	v.publish(ctx, rec)
	return rec, nil
}

// Override applies an instructor's manual correction through the same
// ledger path and change feed as accepted scans.
func (v *Verifier) Override(ctx context.Context, key Key, present bool) (Record, error) {
	var rec Record
	err := v.withRetry(ctx, func() error {
		var lerr error
		rec, lerr = v.ledger.Override(ctx, key, present, v.clock.Now())
		return lerr
	})
	if err != nil {
		return Record{}, err
	}
	v.log.Info("manual override",
		zap.String("subject_id", key.SubjectID),
		zap.String("session_id", key.SessionID),
		zap.String("student_id", key.StudentID),
		zap.Bool("present", present))
	v.publish(ctx, rec)
	return rec, nil
}

func (v *Verifier) geofence(ref, pos *geo.Point) (*float64, Flag) {
	if pos == nil {
		return nil, FlagNoLocation
	}
	if ref == nil {
		return nil, FlagNone
	}
	d := geo.DistanceM(*ref, *pos)
	if d <= v.cfg.GeofenceThresholdM {
		return &d, FlagInRange
	}
	return &d, FlagOutOfRange
}

// withRetry runs f, retrying exactly once after a short backoff on a
// transient failure. Rejections pass through untouched; a second
// failure surfaces as ErrStoreUnavailable so the student is told to
// re-scan rather than being refused.
func (v *Verifier) withRetry(ctx context.Context, f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	if _, ok := AsRejection(err); ok {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(v.cfg.RetryBackoff):
	}
	err = f()
	if err == nil {
		return nil
	}
	if _, ok := AsRejection(err); ok {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (v *Verifier) publish(ctx context.Context, rec Record) {
	if v.feed == nil {
		return
	}
	evt := feed.Event{
		SubjectID: rec.SubjectID,
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		Present:   rec.Present,
		Source:    string(rec.Source),
	}
	if err := v.feed.Publish(ctx, evt); err != nil {
		v.log.Warn("ledger change publish failed", zap.Error(err))
	}
}
