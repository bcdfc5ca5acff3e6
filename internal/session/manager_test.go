package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rollcall/internal/clock"
	"rollcall/internal/directory"
	"rollcall/internal/metrics"
	"rollcall/internal/token"
)

func testDirectory() *directory.Memory {
	dir := directory.NewMemory()
	dir.AddSubject(directory.Subject{ID: "math101", Name: "Mathematics", ClassID: "classA"})
	return dir
}

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	mgr := NewManager(repo, testDirectory(), clk, Config{
		Duration:         15 * time.Minute,
		RotationInterval: 30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(mgr.Shutdown)
	return mgr, repo
}

func TestStartIssuesFirstToken(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)

	sess, err := mgr.Start(context.Background(), "math101", "teach1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State)
	assert.Equal(t, clk.Now().Add(15*time.Minute), sess.ExpiresAt)

	tok, err := token.Parse(sess.CurrentToken)
	require.NoError(t, err)
	assert.Equal(t, "math101", tok.SubjectID)
	assert.Equal(t, sess.ID, tok.SessionID)
	assert.Equal(t, 0, tok.RotationIndex)
}

func TestStartRejectsSecondActive(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)

	_, err := mgr.Start(context.Background(), "math101", "teach1")
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), "math101", "teach1")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestStartAfterStopSucceeds(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)
	ctx := context.Background()

	first, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ctx, first.ID))

	second, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStartAfterImplicitExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	first, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	// No explicit stop; the deadline alone ends the session.
	clk.Advance(16 * time.Minute)
	second, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, old.State)
	assert.Equal(t, StopReasonExpired, old.StopReason)
}

func TestStopIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ctx, sess.ID))
	stopped, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	firstStoppedAt := stopped.StoppedAt

	clk.Advance(time.Minute)
	require.NoError(t, mgr.Stop(ctx, sess.ID))
	stopped, err = repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStoppedAt, stopped.StoppedAt, "second stop must not move stoppedAt")
}

func TestStopUnknownSession(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)
	assert.ErrorIs(t, mgr.Stop(context.Background(), "nope"), ErrNotFound)
}

func TestActiveReportsNotFound(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)
	ctx := context.Background()

	_, err := mgr.Active(ctx, "math101")
	assert.ErrorIs(t, err, ErrNotFound)

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	got, err := mgr.Active(ctx, "math101")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Past the deadline the session is treated as stopped without any event.
	clk.Advance(16 * time.Minute)
	_, err = mgr.Active(ctx, "math101")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateArchivesPreviousToken(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	tok0 := sess.CurrentToken

	clk.Advance(30 * time.Second)
	require.True(t, mgr.rotateOnce(ctx, sess.ID, "math101"))

	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tok0, got.CurrentToken)
	assert.Equal(t, tok0, got.PrevToken)
	assert.Equal(t, clk.Now(), got.PrevSupersededAt)
	assert.Equal(t, 1, got.RotationIndex)
}

func TestRotateStopsAfterStop(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ctx, sess.ID))

	before, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, mgr.rotateOnce(ctx, sess.ID, "math101"))

	after, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CurrentToken, after.CurrentToken, "a stale rotation must not change the token")
}

func TestRotateStopsPastDeadline(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	base := testutil.ToFloat64(metrics.ActiveSessions)
	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)
	require.Equal(t, base+1, testutil.ToFloat64(metrics.ActiveSessions))

	clk.Advance(16 * time.Minute)
	assert.False(t, mgr.rotateOnce(ctx, sess.ID, "math101"))

	// The expiry exit demotes the session and settles the gauge.
	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, StopReasonExpired, got.StopReason)
	assert.Equal(t, sess.ExpiresAt, got.StoppedAt)
	assert.Equal(t, base, testutil.ToFloat64(metrics.ActiveSessions))

	// A stop landing after the demotion must not decrement again.
	require.NoError(t, mgr.Stop(ctx, sess.ID))
	assert.Equal(t, base, testutil.ToFloat64(metrics.ActiveSessions))
}

// failingRepo wraps a repository and fails UpdateToken unconditionally.
type failingRepo struct {
	Repository
	mu       sync.Mutex
	failures int
}

func (f *failingRepo) UpdateToken(ctx context.Context, id, value string, issuedAt time.Time) error {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
	return errors.New("store down")
}

func TestRotationFailureForcesStop(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	inner := NewMemoryRepository()
	repo := &failingRepo{Repository: inner}
	mgr := NewManager(repo, testDirectory(), clk, Config{
		Duration:         15 * time.Minute,
		RotationInterval: 30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(mgr.Shutdown)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	assert.False(t, mgr.rotateOnce(ctx, sess.ID, "math101"))
	assert.Equal(t, 3, repo.failures)

	got, err := inner.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, StopReasonRotationFailure, got.StopReason)
}

func TestStopConcurrentWithRotation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, repo := newTestManager(t, clk)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.rotateOnce(ctx, sess.ID, "math101")
	}()
	go func() {
		defer wg.Done()
		_ = mgr.Stop(ctx, sess.ID)
	}()
	wg.Wait()

	got, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	// Whatever order the race resolved in, nothing changes the token now.
	frozen := got.CurrentToken
	assert.False(t, mgr.rotateOnce(ctx, sess.ID, "math101"))
	got, err = repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, frozen, got.CurrentToken)
}

func TestLookupChecksSubject(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	mgr, _ := newTestManager(t, clk)
	ctx := context.Background()

	sess, err := mgr.Start(ctx, "math101", "teach1")
	require.NoError(t, err)

	got, err := mgr.Lookup(ctx, "math101", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = mgr.Lookup(ctx, "phys202", sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
