package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/config"
	"rollcall/internal/feed"
	"rollcall/internal/store"
	"rollcall/internal/summary"
)

// The worker listens to the ledger change feed and drops the cached
// student summary for every (subject, student) pair that changed, so
// the next summary read recomputes from the ledger.
func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	redisClient := store.NewRedis(cfg.RedisAddr)
	changes := feed.NewRedisFeed(redisClient.Client, "rollcall:ledger")
	cache := summary.NewCache(redisClient.Client, cfg.SummaryCacheTTL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := changes.Subscribe(ctx)
	if err != nil {
		logger.Fatal("feed subscribe failed", zap.Error(err))
	}

	logger.Info("worker started", zap.String("redis", cfg.RedisAddr))

	for evt := range events {
		cache.Invalidate(ctx, evt.SubjectID, evt.StudentID)
		logger.Debug("summary cache invalidated",
			zap.String("subject_id", evt.SubjectID),
			zap.String("student_id", evt.StudentID),
			zap.String("source", evt.Source))
	}

	logger.Info("worker stopped")
}

func newLogger(env string) *zap.Logger {
	if env == "production" || env == "prod" {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}
