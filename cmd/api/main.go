package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/clock"
	"rollcall/internal/config"
	"rollcall/internal/directory"
	"rollcall/internal/feed"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/session"
	"rollcall/internal/store"
	"rollcall/internal/summary"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
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

func runHTTP(cfg config.App, logger *zap.Logger) error {
	clk := clock.Real()

	var (
		db       *store.DB
		dir      directory.Directory
		sessRepo session.Repository
		ledger   attendance.Ledger
	)
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory stores, state is lost on restart")
		dir = directory.NewMemory()
		sessRepo = session.NewMemoryRepository()
		ledger = attendance.NewMemoryLedger()
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
		dir = directory.NewPostgres(db.Client)
		sessRepo = session.NewPostgresRepository(db.Client)
		ledger = attendance.NewPostgresLedger(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var changes feed.Feed
	var cache *summary.Cache
	if cfg.FeedBackend == "memory" {
		changes = feed.NewInMemory(64)
	} else {
		changes = feed.NewRedisFeed(redisClient.Client, "rollcall:ledger")
		cache = summary.NewCache(redisClient.Client, cfg.SummaryCacheTTL, logger)
	}

	mgr := session.NewManager(sessRepo, dir, clk, session.Config{
		Duration:         cfg.SessionDuration,
		RotationInterval: cfg.RotationInterval,
		MaxRetries:       cfg.RotationMaxRetries,
	}, logger)
	defer mgr.Shutdown()

	verifier := attendance.NewVerifier(mgr, dir, ledger, changes, clk, attendance.Config{
		TokenGrace:         cfg.TokenGrace,
		BlockWindow:        cfg.BlockWindow,
		GeofenceThresholdM: cfg.GeofenceThresholdM,
		GeofenceEnforce:    cfg.GeofenceEnforce,
	}, logger)

	agg := summary.NewAggregator(sessRepo, ledger, dir, clk, cache, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewScanRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := cfg.FeedBackend == "memory" || redisClient.Healthy(c.Request.Context())
		dbHealthy := cfg.StoreBackend == "memory" ||
			(db != nil && db.Client.PingContext(c.Request.Context()) == nil)
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Token issuance is external in production; outside it this mints
	// signed tokens so the API is usable without the identity provider.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/tokens", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
				Role    string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Role != auth.RoleInstructor && req.Role != auth.RoleStudent {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
				return
			}
			pair, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token mint failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"access_token":       pair.AccessToken,
				"refresh_token":      pair.RefreshToken,
				"access_expires_at":  pair.AccessExp,
				"refresh_expires_at": pair.RefreshExp,
			})
		})
	}

	instructor := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleInstructor))

	instructor.POST("/subjects/:id/sessions", func(c *gin.Context) {
		claims := mustClaims(c)
		sess, err := mgr.Start(c.Request.Context(), c.Param("id"), claims.Subject)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrAlreadyActive):
				c.JSON(http.StatusConflict, gin.H{"error": "session already active for subject"})
			case errors.Is(err, directory.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown subject"})
			default:
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not start session"})
			}
			return
		}
		c.JSON(http.StatusCreated, sessionResponse(sess, cfg.RotationInterval, clk.Now()))
	})

	instructor.DELETE("/sessions/:id", func(c *gin.Context) {
		err := mgr.Stop(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not stop session"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	instructor.GET("/subjects/:id/token", func(c *gin.Context) {
		sess, err := mgr.Active(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lookup failed"})
			return
		}
		c.JSON(http.StatusOK, sessionResponse(sess, cfg.RotationInterval, clk.Now()))
	})

	instructor.GET("/subjects/:id/qr", func(c *gin.Context) {
		sess, err := mgr.Active(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lookup failed"})
			return
		}
		png, err := qrcode.Encode(sess.CurrentToken, qrcode.Medium, 512)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	instructor.PUT("/attendance/:subject/:session/:student", func(c *gin.Context) {
		var req struct {
			Present *bool `json:"present" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key := attendance.Key{
			SubjectID: c.Param("subject"),
			SessionID: c.Param("session"),
			StudentID: c.Param("student"),
		}
		rec, err := verifier.Override(c.Request.Context(), key, *req.Present)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "override failed"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	instructor.GET("/subjects/:id/sheet", func(c *gin.Context) {
		sheet, err := agg.SubjectSheet(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown subject"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sheet failed"})
			return
		}
		c.JSON(http.StatusOK, sheet)
	})

	instructor.GET("/subjects/:id/sessions/:sid/summary", func(c *gin.Context) {
		s, err := agg.Session(c.Request.Context(), c.Param("id"), c.Param("sid"))
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "summary failed"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	student := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	student.POST("/scans", func(c *gin.Context) {
		var req struct {
			StudentID string   `json:"student_id" binding:"required"`
			Token     string   `json:"token" binding:"required"`
			Lat       *float64 `json:"lat"`
			Lng       *float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := mustClaims(c)
		if claims.Subject != "" && claims.Subject != req.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}

		scan := attendance.Scan{StudentID: req.StudentID, Token: req.Token}
		if req.Lat != nil && req.Lng != nil {
			scan.Position = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
		}
		rec, err := verifier.Verify(c.Request.Context(), scan)
		if err != nil {
			if rej, ok := attendance.AsRejection(err); ok {
				c.JSON(http.StatusConflict, gin.H{"accepted": false, "reason": string(rej.Reason)})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, rescan"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true, "record": rec})
	})

	student.GET("/students/:id/summary", func(c *gin.Context) {
		claims := mustClaims(c)
		if claims.Subject != "" && claims.Subject != c.Param("id") {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}
		out, err := agg.StudentOverview(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown student"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "summary failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subjects": out})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

func sessionResponse(sess session.Session, rotation time.Duration, now time.Time) gin.H {
	expiresIn := int(rotation.Seconds()) - int(now.Sub(sess.TokenIssuedAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return gin.H{
		"session_id":       sess.ID,
		"subject_id":       sess.SubjectID,
		"token":            sess.CurrentToken,
		"token_expires_in": expiresIn,
		"started_at":       sess.StartedAt,
		"expires_at":       sess.ExpiresAt,
	}
}

func mustClaims(c *gin.Context) auth.Claims {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
