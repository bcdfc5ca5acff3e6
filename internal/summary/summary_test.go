package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/clock"
	"rollcall/internal/directory"
	"rollcall/internal/session"
)

type fixture struct {
	clk    *clock.Fake
	dir    *directory.Memory
	repo   *session.MemoryRepository
	ledger *attendance.MemoryLedger
	agg    *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	dir := directory.NewMemory()
	dir.AddSubject(directory.Subject{ID: "math101", Name: "Mathematics", ClassID: "classA"})
	dir.AddStudent(directory.Student{ID: "stu1", Name: "Asha", ClassID: "classA"})
	dir.AddStudent(directory.Student{ID: "stu2", Name: "Ravi", ClassID: "classA"})
	repo := session.NewMemoryRepository()
	ledger := attendance.NewMemoryLedger()
	agg := NewAggregator(repo, ledger, dir, clk, nil, nil)
	return &fixture{clk: clk, dir: dir, repo: repo, ledger: ledger, agg: agg}
}

// addSession creates a session that started at the given offset before
// now and, when stop is true, was stopped after ten minutes.
func (fx *fixture) addSession(t *testing.T, id string, startOffset time.Duration, stop bool) {
	t.Helper()
	ctx := context.Background()
	started := fx.clk.Now().Add(startOffset)
	s := session.Session{
		ID:        id,
		SubjectID: "math101",
		TeacherID: "teach1",
		State:     session.StateActive,
		StartedAt: started,
		ExpiresAt: fx.clk.Now().Add(time.Hour), // finished only via explicit stop
	}
	require.NoError(t, fx.repo.Create(ctx, s))
	if stop {
		_, err := fx.repo.MarkStopped(ctx, id, started.Add(10*time.Minute), session.StopReasonManual)
		require.NoError(t, err)
	}
}

func (fx *fixture) mark(t *testing.T, sessionID, studentID string, present bool) {
	t.Helper()
	key := attendance.Key{SubjectID: "math101", SessionID: sessionID, StudentID: studentID}
	rec := attendance.Record{
		Key:       key,
		Present:   present,
		Timestamp: fx.clk.Now(),
		Source:    attendance.SourceScan,
		Flag:      attendance.FlagNone,
	}
	require.NoError(t, fx.ledger.Put(context.Background(), rec, 0))
}

func TestStudentHalfPresent(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "sess1", -2*time.Hour, true)
	fx.addSession(t, "sess2", -1*time.Hour, true)
	fx.mark(t, "sess1", "stu1", true)

	s, err := fx.agg.Student(context.Background(), "math101", "stu1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.PresentCount)
	assert.Equal(t, 2, s.TotalSessions)
	assert.Equal(t, 50, s.Percentage)
}

func TestStudentNoSessions(t *testing.T) {
	fx := newFixture(t)
	s, err := fx.agg.Student(context.Background(), "math101", "stu1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalSessions)
	assert.Equal(t, 0, s.Percentage)
}

func TestStudentExcludesRunningSession(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "done", -2*time.Hour, true)
	fx.addSession(t, "running", -5*time.Minute, false)
	fx.mark(t, "done", "stu1", true)
	fx.mark(t, "running", "stu1", true)

	s, err := fx.agg.Student(context.Background(), "math101", "stu1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalSessions, "a running session is not yet a countable meeting")
	assert.Equal(t, 1, s.PresentCount)
	assert.Equal(t, 100, s.Percentage)
}

func TestStudentAbsentMarkNotCounted(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "sess1", -2*time.Hour, true)
	fx.mark(t, "sess1", "stu1", false) // manual toggle to absent

	s, err := fx.agg.Student(context.Background(), "math101", "stu1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.PresentCount)
	assert.Equal(t, 1, s.TotalSessions)
	assert.Equal(t, 0, s.Percentage)
}

func TestStudentRounding(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "s1", -4*time.Hour, true)
	fx.addSession(t, "s2", -3*time.Hour, true)
	fx.addSession(t, "s3", -2*time.Hour, true)
	fx.mark(t, "s1", "stu1", true)
	fx.mark(t, "s2", "stu1", true)

	s, err := fx.agg.Student(context.Background(), "math101", "stu1")
	require.NoError(t, err)
	assert.Equal(t, 67, s.Percentage)
}

func TestStudentOverview(t *testing.T) {
	fx := newFixture(t)
	fx.dir.AddSubject(directory.Subject{ID: "phys202", Name: "Physics", ClassID: "classA"})
	fx.addSession(t, "sess1", -2*time.Hour, true)
	fx.mark(t, "sess1", "stu1", true)

	out, err := fx.agg.StudentOverview(context.Background(), "stu1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	byID := map[string]StudentSummary{}
	for _, s := range out {
		byID[s.SubjectID] = s
	}
	assert.Equal(t, 1, byID["math101"].PresentCount)
	assert.Equal(t, 0, byID["phys202"].TotalSessions)
}

func TestSessionRollCall(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "sess1", -time.Hour, true)
	fx.mark(t, "sess1", "stu1", true)

	s, err := fx.agg.Session(context.Background(), "math101", "sess1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Enrolled)
	assert.Equal(t, 1, s.Present)
}

func TestSessionSubjectMismatch(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "sess1", -time.Hour, true)

	_, err := fx.agg.Session(context.Background(), "phys202", "sess1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSubjectSheet(t *testing.T) {
	fx := newFixture(t)
	fx.addSession(t, "sess1", -3*time.Hour, true)
	fx.addSession(t, "sess2", -2*time.Hour, true)
	fx.addSession(t, "open", -5*time.Minute, false)
	fx.mark(t, "sess1", "stu1", true)
	fx.mark(t, "sess2", "stu1", true)
	fx.mark(t, "sess2", "stu2", true)

	sheet, err := fx.agg.SubjectSheet(context.Background(), "math101")
	require.NoError(t, err)
	require.Len(t, sheet.Columns, 2, "open session has no column")
	assert.Equal(t, "sess1", sheet.Columns[0].SessionID)
	assert.Equal(t, []int{1, 2}, sheet.SessionTotals)

	require.Len(t, sheet.Rows, 2)
	// Rows are ordered by student name: Asha (stu1), Ravi (stu2).
	asha := sheet.Rows[0]
	assert.Equal(t, "stu1", asha.StudentID)
	assert.Equal(t, 2, asha.PresentCount)
	assert.Equal(t, 100, asha.Percentage)
	require.NotNil(t, asha.Marks[0])
	assert.True(t, asha.Marks[0].Present)

	ravi := sheet.Rows[1]
	assert.Equal(t, 1, ravi.PresentCount)
	assert.Equal(t, 50, ravi.Percentage)
	assert.Nil(t, ravi.Marks[0])
}
