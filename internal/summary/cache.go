package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache keeps computed student summaries in Redis for a short TTL.
// Cache trouble is never an error for the caller: a miss recomputes,
// a failed set is dropped.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewCache creates a cache with the given TTL.
func NewCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, log: log}
}

func cacheKey(subjectID, studentID string) string {
	return fmt.Sprintf("rollcall:summary:%s:%s", subjectID, studentID)
}

// Get returns a cached summary, reporting whether one was found.
func (c *Cache) Get(ctx context.Context, subjectID, studentID string) (StudentSummary, bool) {
	payload, err := c.client.Get(ctx, cacheKey(subjectID, studentID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("summary cache read failed", zap.Error(err))
		}
		return StudentSummary{}, false
	}
	var s StudentSummary
	if err := json.Unmarshal(payload, &s); err != nil {
		return StudentSummary{}, false
	}
	return s, true
}

// Set stores a summary.
func (c *Cache) Set(ctx context.Context, s StudentSummary) {
	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(s.SubjectID, s.StudentID), payload, c.ttl).Err(); err != nil {
		c.log.Warn("summary cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached summary for one (subject, student) pair.
// Called by the worker on every ledger change event.
func (c *Cache) Invalidate(ctx context.Context, subjectID, studentID string) {
	if err := c.client.Del(ctx, cacheKey(subjectID, studentID)).Err(); err != nil {
		c.log.Warn("summary cache invalidate failed", zap.Error(err))
	}
}
