package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisFeed implements the feed over Redis pub/sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
}

// NewRedisFeed builds a feed publishing on the given channel.
func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = "rollcall:ledger"
	}
	return &RedisFeed{client: client, channel: channel}
}

// Publish sends the event as JSON.
func (f *RedisFeed) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

// Subscribe streams events until ctx ends. Messages that fail to decode
// are skipped.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
