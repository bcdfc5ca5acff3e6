// Package feed carries ledger change notifications to interested
// consumers (summary cache invalidation, live dashboards). It is a
// fan-out subscription, not a work queue: every subscriber sees every
// event.
package feed

import (
	"context"
	"sync"
)

// Event describes one ledger write.
type Event struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
	Present   bool   `json:"present"`
	Source    string `json:"source"`
}

// Feed is the abstraction over different backends.
type Feed interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// InMemory is a channel-backed feed for dev/testing.
type InMemory struct {
	mu   sync.Mutex
	subs []chan Event
	size int
}

// NewInMemory creates a feed whose subscriber channels buffer size events.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size}
}

// Publish delivers the event to every subscriber. A subscriber that has
// fallen behind its buffer drops the event rather than blocking the
// write path.
func (f *InMemory) Publish(ctx context.Context, evt Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of future events, closed when ctx ends.
func (f *InMemory) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, f.size)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
