package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger keeps records in a mutex-guarded map for dev and tests.
// The single lock makes the block-window check and the write one
// atomic step, matching the conditional upsert of the Postgres ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[Key]Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[Key]Record)}
}

// Put upserts the record unless a prior one sits inside the block window.
func (l *MemoryLedger) Put(ctx context.Context, rec Record, blockWindow time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prior, ok := l.records[rec.Key]; ok {
		if rec.Timestamp.Sub(prior.Timestamp) < blockWindow {
			return ErrRecentlyMarked
		}
	}
	l.records[rec.Key] = rec
	return nil
}

// Override sets presence for the key, preserving recorded position data.
func (l *MemoryLedger) Override(ctx context.Context, key Key, present bool, at time.Time) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		rec = Record{Key: key, Flag: FlagNoLocation}
	}
	rec.Present = present
	rec.Timestamp = at
	rec.Source = SourceManualOverride
	l.records[key] = rec
	return rec, nil
}

// Get returns the record for a key.
func (l *MemoryLedger) Get(ctx context.Context, key Key) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ListBySubject returns records across all sessions of a subject.
func (l *MemoryLedger) ListBySubject(ctx context.Context, subjectID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, rec := range l.records {
		if rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// ListBySession returns records for one session.
func (l *MemoryLedger) ListBySession(ctx context.Context, subjectID, sessionID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, rec := range l.records {
		if rec.SubjectID == subjectID && rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SessionID != recs[j].SessionID {
			return recs[i].SessionID < recs[j].SessionID
		}
		return recs[i].StudentID < recs[j].StudentID
	})
}
