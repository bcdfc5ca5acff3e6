package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryFanOut(t *testing.T) {
	f := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := f.Subscribe(ctx)
	require.NoError(t, err)
	b, err := f.Subscribe(ctx)
	require.NoError(t, err)

	evt := Event{SubjectID: "math101", SessionID: "s1", StudentID: "stu1", Present: true}
	require.NoError(t, f.Publish(ctx, evt))

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case got := <-ch:
			assert.Equal(t, evt, got, "subscriber %s", name)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestInMemorySubscribeClosesOnCancel(t *testing.T) {
	f := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestInMemorySlowSubscriberDropsNotBlocks(t *testing.T) {
	f := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = f.Publish(ctx, Event{StudentID: "stu1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
