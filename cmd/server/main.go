package main

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/radhub-qip/radhub/internal/cache"
	"github.com/radhub-qip/radhub/internal/database"
	"github.com/radhub-qip/radhub/internal/errors"
	"github.com/radhub-qip/radhub/internal/export"
	"github.com/radhub-qip/radhub/internal/gmcregistry"
	"github.com/radhub-qip/radhub/internal/middleware"
	"github.com/radhub-qip/radhub/internal/monitoring"
	"github.com/radhub-qip/radhub/internal/privacy"
	"github.com/radhub-qip/radhub/internal/ranking"
	"github.com/radhub-qip/radhub/internal/ratelimit"
	"github.com/radhub-qip/radhub/internal/scoring"
	"github.com/radhub-qip/radhub/internal/security"
	"github.com/radhub-qip/radhub/internal/session"
	"github.com/radhub-qip/radhub/internal/trends"
	"github.com/radhub-qip/radhub/internal/types"
)

const version = "1.0.0"

// serverConfig holds everything the server reads from the environment.
type serverConfig struct {
	Port          string
	DataDir       string
	RadCode       string
	AuditPIN      string
	JWTSecret     string
	RedisAddr     string
	RedisPassword string
	GMCLookupBase string
}

func loadConfig() serverConfig {
	return serverConfig{
		Port:          getEnvOrDefault("PORT", "8080"),
		DataDir:       getEnvOrDefault("DATA_DIR", "./data"),
		RadCode:       getEnvOrDefault("RAD_CODE", "radiology"),
		AuditPIN:      os.Getenv("AUDIT_PIN"),
		JWTSecret:     getEnvOrDefault("JWT_SECRET", "change-me-in-production"),
		RedisAddr:     os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		GMCLookupBase: getEnvOrDefault("GMC_LOOKUP_BASE", "https://www.gmc-uk.org/doctors"),
	}
}

func main() {
	// Structured logging setup
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if cfg.RadCode == "radiology" {
		slog.Warn("RAD_CODE not set, using default unlock code")
	}
	if cfg.AuditPIN == "" {
		slog.Warn("AUDIT_PIN not set, audit export and admin deletion are disabled")
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	r := setupRouter(db, cfg)

	// Start server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited")
}

// setupRouter wires the full HTTP surface. Split out of main so the
// endpoint tests can drive the real router against an in-memory
// database.
func setupRouter(db *database.DB, cfg serverConfig) *gin.Engine {
	repo := database.NewRepository(db)

	appMetrics := monitoring.NewMetrics()
	appLogger := monitoring.NewLogger()

	registry := gmcregistry.NewClient(cfg.GMCLookupBase, appMetrics, appLogger)
	ledger := scoring.NewLedger(repo, scoring.DefaultConfig(), registry)
	rankings := ranking.NewEngine(repo)
	trendAgg := trends.NewAggregator(repo)
	privacySvc := privacy.NewService(repo)
	exporter := export.NewService(repo)
	sessions := session.NewService(cfg.JWTSecret, cfg.RadCode)

	redisClient, err := ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err != nil {
		slog.Warn("Redis unavailable, continuing with in-memory rate limiting", "error", err)
	}
	limiter := ratelimit.NewRateLimiter(redisClient, ratelimit.DefaultConfig(), appMetrics)

	// Reporting responses are cheap to rebuild, so the TTL mostly covers
	// bursts; every episode write clears the cache anyway.
	responseCache := cache.NewCache(5 * time.Minute)

	securityConfig := security.DefaultSecurityConfig()
	securityMiddleware := security.NewSecurityMiddleware(securityConfig)

	r := gin.New()

	r.Use(middleware.Compression())
	r.Use(monitoring.MonitoringMiddleware(appMetrics, appLogger))
	r.Use(errors.ErrorHandler())
	r.Use(errors.RecoveryHandler())

	r.Use(securityMiddleware.SecurityHeaders)
	r.Use(securityMiddleware.RequestTimeout)
	r.Use(securityMiddleware.ValidateContentType)
	r.Use(securityMiddleware.BodySizeLimit)

	// The session cookie rides on cross-origin requests from the
	// front-end dev servers.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     securityConfig.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Audit-Pin"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.Use(limiter.IPRateLimitMiddleware())

	api := r.Group("/api/v1")

	api.POST("/rad/unlock", func(c *gin.Context) {
		var req types.UnlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.Respond(c, errors.NewValidationError("code is required"))
			return
		}

		token, err := sessions.Unlock(req.Code)
		if err != nil {
			appLogger.SecurityLogger("unlock_failed", c.ClientIP(), map[string]interface{}{
				"user_agent": c.Request.UserAgent(),
			})
			errors.Respond(c, err)
			return
		}

		sessions.SetCookie(c, token)
		c.JSON(http.StatusOK, gin.H{
			"unlocked":   true,
			"expires_in": int(session.TokenTTL.Seconds()),
		})
	})

	api.GET("/rad/session", func(c *gin.Context) {
		token, err := c.Cookie(session.CookieName)
		active := err == nil && token != "" && sessions.ValidateToken(token) == nil
		c.JSON(http.StatusOK, gin.H{"active": active})
	})

	api.GET("/gmc/lookup/:gmc", func(c *gin.Context) {
		gmc := c.Param("gmc")
		if !scoring.ValidGMC(gmc) {
			errors.Respond(c, errors.NewValidationError("GMC must be 7 digits"))
			return
		}

		name, err := registry.ResolveName(c.Request.Context(), gmc)
		if err != nil {
			errors.Respond(c, errors.NewExternalError("gmc_register", err))
			return
		}
		if name == "" {
			errors.Respond(c, errors.NewNotFoundError("no name found on the register"))
			return
		}

		c.JSON(http.StatusOK, gin.H{"gmc": gmc, "name": name})
	})

	api.GET("/user/:gmc", func(c *gin.Context) {
		view, err := ledger.RequesterView(c.Request.Context(), c.Param("gmc"))
		if err != nil {
			errors.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.POST("/user/:gmc/update", func(c *gin.Context) {
		var upd scoring.ProfileUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			errors.Respond(c, errors.NewValidationError("invalid profile payload"))
			return
		}

		gmc := c.Param("gmc")
		created, err := ledger.UpsertProfile(c.Request.Context(), gmc, &upd)
		if err != nil {
			errors.Respond(c, err)
			return
		}

		rankings.Invalidate()
		responseCache.Clear()

		view, err := ledger.RequesterView(c.Request.Context(), gmc)
		if err != nil {
			errors.Respond(c, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, view)
	})

	api.POST("/vet",
		sessions.RequireRater(),
		limiter.EndpointRateLimitMiddleware("vet", ratelimit.DefaultConfig().VetLimitPerMin),
		func(c *gin.Context) {
			var in scoring.EpisodeInput
			if err := c.ShouldBindJSON(&in); err != nil {
				errors.Respond(c, errors.NewValidationError("invalid episode payload"))
				return
			}

			start := time.Now()
			result, err := ledger.RecordEpisode(c.Request.Context(), &in)
			if err != nil {
				errors.Respond(c, err)
				return
			}

			appMetrics.IncrementEpisode()
			appLogger.EpisodeLogger(in.RequesterGMC, result.Outcome, result.PointsDelta, result.NewPoints, time.Since(start))
			rankings.Invalidate()
			responseCache.Clear()

			c.JSON(http.StatusCreated, result)
		})

	api.GET("/rank/:metric", responseCache.Middleware(appMetrics), func(c *gin.Context) {
		metric, ok := ranking.ParseMetric(c.Param("metric"))
		if !ok {
			errors.Respond(c, errors.NewValidationError("unknown ranking metric"))
			return
		}

		filter := ranking.Filter{
			Hospital:  c.Query("hospital"),
			Specialty: c.Query("specialty"),
		}
		limit := intQuery(c, "limit", 10, 100)
		halfSpan := intQuery(c, "span", 2, 10)

		window, err := rankings.WindowAround(c.Request.Context(), metric, filter, c.Query("gmc"), limit, halfSpan)
		if err != nil {
			errors.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, window)
	})

	api.GET("/trends", responseCache.Middleware(appMetrics), func(c *gin.Context) {
		interval := trends.Interval(c.DefaultQuery("interval", string(trends.IntervalDay)))
		mode := trends.Mode(c.DefaultQuery("mode", string(trends.ModeRaw)))
		limit := intQuery(c, "limit", 30, 120)
		page := intQuery(c, "page", 0, 1<<20)

		result, err := trendAgg.Trends(c.Request.Context(), interval, mode, limit, page)
		if err != nil {
			errors.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	api.GET("/scan-types", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"scan_types": types.ScanTypes})
	})

	api.GET("/privacy/policy", func(c *gin.Context) {
		c.JSON(http.StatusOK, privacySvc.GetDataRetentionInfo())
	})

	api.GET("/export/all.csv", func(c *gin.Context) {
		if !auditPINValid(c, cfg.AuditPIN) {
			appLogger.SecurityLogger("audit_export_denied", c.ClientIP(), nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid audit pin"})
			return
		}

		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="radhub-audit.csv"`)
		if err := exporter.WriteAuditCSV(c.Request.Context(), c.Writer); err != nil {
			errors.LogError(c, errors.ToAppError(err))
		}
	})

	api.DELETE("/admin/user/:gmc", func(c *gin.Context) {
		if !auditPINValid(c, cfg.AuditPIN) {
			appLogger.SecurityLogger("admin_delete_denied", c.ClientIP(), nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid audit pin"})
			return
		}

		gmc := c.Param("gmc")
		if !scoring.ValidGMC(gmc) {
			errors.Respond(c, errors.NewValidationError("GMC must be 7 digits"))
			return
		}

		if err := privacySvc.DeleteRequesterData(c.Request.Context(), gmc); err != nil {
			errors.Respond(c, err)
			return
		}

		rankings.Invalidate()
		responseCache.Clear()

		c.JSON(http.StatusOK, gin.H{
			"deleted":       true,
			"gmc_pseudonym": privacySvc.AnonymizeGMC(gmc),
		})
	})

	r.GET("/health", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if err := db.Ping(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		// Redis going away only degrades rate limiting, so it is
		// reported but never fails the check.
		redisHealth := redisClient.GetPoolStats()
		if !redisClient.IsEnabled() {
			redisHealth["status"] = "disabled"
		} else if err := redisClient.HealthCheck(c.Request.Context()); err != nil {
			redisHealth["status"] = "unavailable"
		} else {
			redisHealth["status"] = "ok"
		}

		c.JSON(code, types.HealthResponse{
			Status:    status,
			Timestamp: time.Now().Format(time.RFC3339),
			Version:   version,
			Database:  db.GetPoolStats(),
			Redis:     redisHealth,
		})
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"metrics":        appMetrics.GetStats(),
			"response_cache": responseCache.Stats(),
			"rate_limit":     limiter.GetStats(),
			"gmc_register":   registry.BreakerStats(),
		})
	})

	r.POST("/metrics/reset", func(c *gin.Context) {
		if !auditPINValid(c, cfg.AuditPIN) {
			appLogger.SecurityLogger("metrics_reset_denied", c.ClientIP(), nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid audit pin"})
			return
		}

		appMetrics.Reset()
		registry.ResetBreaker()
		c.JSON(http.StatusOK, gin.H{"reset": true})
	})

	// Swagger documentation routes
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// auditPINValid gates the audit surfaces. The PIN arrives as a header
// or query parameter; an unset PIN disables the surface entirely.
func auditPINValid(c *gin.Context, pin string) bool {
	if pin == "" {
		return false
	}
	supplied := c.GetHeader("X-Audit-Pin")
	if supplied == "" {
		supplied = c.Query("pin")
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(pin)) == 1
}

func intQuery(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > max {
		return def
	}
	return v
}

// Helper function for environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
