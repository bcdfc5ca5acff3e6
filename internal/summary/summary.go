// Package summary derives presence counts and percentages from the
// attendance ledger and the session history. It is pure read-side
// computation: results are a function of the stores at query time, with
// an optional cache in front.
package summary

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/clock"
	"rollcall/internal/directory"
	"rollcall/internal/session"
)

// StudentSummary is one student's standing in one subject. The
// denominator counts only finished sessions; a session still running is
// not yet a missable meeting.
type StudentSummary struct {
	SubjectID     string `json:"subject_id"`
	SubjectName   string `json:"subject_name,omitempty"`
	StudentID     string `json:"student_id"`
	PresentCount  int    `json:"present_count"`
	TotalSessions int    `json:"total_sessions"`
	Percentage    int    `json:"percentage"`
}

// SessionSummary is the roll call for one meeting.
type SessionSummary struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	Enrolled  int    `json:"enrolled"`
	Present   int    `json:"present"`
}

// SheetColumn describes one finished session column of the sheet.
type SheetColumn struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// SheetRow is one student's line across all finished sessions.
type SheetRow struct {
	StudentID    string               `json:"student_id"`
	StudentName  string               `json:"student_name"`
	Marks        []*attendance.Record `json:"marks"` // aligned with Sheet.Columns, nil = no record
	PresentCount int                  `json:"present_count"`
	Percentage   int                  `json:"percentage"`
}

// Sheet is the full attendance matrix for a subject: finished sessions
// across, enrolled students down.
type Sheet struct {
	SubjectID     string        `json:"subject_id"`
	Columns       []SheetColumn `json:"columns"`
	Rows          []SheetRow    `json:"rows"`
	SessionTotals []int         `json:"session_totals"` // present per column
}

// Aggregator answers summary queries.
type Aggregator struct {
	sessions session.Repository
	ledger   attendance.Ledger
	dir      directory.Directory
	clock    clock.Clock
	cache    *Cache // nil disables caching
	log      *zap.Logger
}

// NewAggregator creates an aggregator. cache may be nil.
func NewAggregator(sessions session.Repository, ledger attendance.Ledger, dir directory.Directory, clk clock.Clock, cache *Cache, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{sessions: sessions, ledger: ledger, dir: dir, clock: clk, cache: cache, log: log}
}

// Student computes one student's summary for a subject.
func (a *Aggregator) Student(ctx context.Context, subjectID, studentID string) (StudentSummary, error) {
	if a.cache != nil {
		if s, ok := a.cache.Get(ctx, subjectID, studentID); ok {
			return s, nil
		}
	}

	now := a.clock.Now()
	finished, err := a.finishedSessions(ctx, subjectID, now)
	if err != nil {
		return StudentSummary{}, err
	}
	records, err := a.ledger.ListBySubject(ctx, subjectID)
	if err != nil {
		return StudentSummary{}, err
	}

	present := 0
	for _, rec := range records {
		if rec.StudentID == studentID && rec.Present && finished[rec.SessionID] {
			present++
		}
	}
	s := StudentSummary{
		SubjectID:     subjectID,
		StudentID:     studentID,
		PresentCount:  present,
		TotalSessions: len(finished),
		Percentage:    percentage(present, len(finished)),
	}
	if a.cache != nil {
		a.cache.Set(ctx, s)
	}
	return s, nil
}

// StudentOverview computes summaries for every subject taught to the
// student's class, the student-dashboard view.
func (a *Aggregator) StudentOverview(ctx context.Context, studentID string) ([]StudentSummary, error) {
	student, err := a.dir.Student(ctx, studentID)
	if err != nil {
		return nil, err
	}
	subjects, err := a.dir.SubjectsByClass(ctx, student.ClassID)
	if err != nil {
		return nil, err
	}
	out := make([]StudentSummary, 0, len(subjects))
	for _, subject := range subjects {
		s, err := a.Student(ctx, subject.ID, studentID)
		if err != nil {
			return nil, err
		}
		s.SubjectName = subject.Name
		out = append(out, s)
	}
	return out, nil
}

// Session computes the roll call for one meeting: enrolled class size
// against recorded present marks.
func (a *Aggregator) Session(ctx context.Context, subjectID, sessionID string) (SessionSummary, error) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	if sess.SubjectID != subjectID {
		return SessionSummary{}, session.ErrNotFound
	}
	subject, err := a.dir.Subject(ctx, subjectID)
	if err != nil {
		return SessionSummary{}, err
	}
	students, err := a.dir.StudentsByClass(ctx, subject.ClassID)
	if err != nil {
		return SessionSummary{}, err
	}
	records, err := a.ledger.ListBySession(ctx, subjectID, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	present := 0
	for _, rec := range records {
		if rec.Present {
			present++
		}
	}
	return SessionSummary{
		SubjectID: subjectID,
		SessionID: sessionID,
		Enrolled:  len(students),
		Present:   present,
	}, nil
}

// SubjectSheet builds the attendance matrix for a subject.
func (a *Aggregator) SubjectSheet(ctx context.Context, subjectID string) (Sheet, error) {
	subject, err := a.dir.Subject(ctx, subjectID)
	if err != nil {
		return Sheet{}, err
	}
	students, err := a.dir.StudentsByClass(ctx, subject.ClassID)
	if err != nil {
		return Sheet{}, err
	}
	now := a.clock.Now()
	sessions, err := a.sessions.ListBySubject(ctx, subjectID)
	if err != nil {
		return Sheet{}, err
	}
	records, err := a.ledger.ListBySubject(ctx, subjectID)
	if err != nil {
		return Sheet{}, err
	}

	var columns []SheetColumn
	order := make(map[string]int)
	for _, s := range sessions {
		if !s.FinishedAt(now) {
			continue
		}
		order[s.ID] = len(columns)
		columns = append(columns, SheetColumn{SessionID: s.ID, StartedAt: s.StartedAt})
	}

	byCell := make(map[attendance.Key]*attendance.Record, len(records))
	for i := range records {
		byCell[records[i].Key] = &records[i]
	}

	sheet := Sheet{
		SubjectID:     subjectID,
		Columns:       columns,
		SessionTotals: make([]int, len(columns)),
	}
	for _, stu := range students {
		row := SheetRow{
			StudentID:   stu.ID,
			StudentName: stu.Name,
			Marks:       make([]*attendance.Record, len(columns)),
		}
		for _, col := range columns {
			key := attendance.Key{SubjectID: subjectID, SessionID: col.SessionID, StudentID: stu.ID}
			rec, ok := byCell[key]
			if !ok {
				continue
			}
			idx := order[col.SessionID]
			row.Marks[idx] = rec
			if rec.Present {
				row.PresentCount++
				sheet.SessionTotals[idx]++
			}
		}
		row.Percentage = percentage(row.PresentCount, len(columns))
		sheet.Rows = append(sheet.Rows, row)
	}
	return sheet, nil
}

func (a *Aggregator) finishedSessions(ctx context.Context, subjectID string, now time.Time) (map[string]bool, error) {
	sessions, err := a.sessions.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	finished := make(map[string]bool)
	for _, s := range sessions {
		if s.FinishedAt(now) {
			finished[s.ID] = true
		}
	}
	return finished, nil
}

func percentage(present, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(present) / float64(total)))
}
