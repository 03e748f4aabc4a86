package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mediagrab/internal/bus"
	"github.com/mediagrab/internal/client/apprise"
	"github.com/mediagrab/internal/config"
	"github.com/mediagrab/internal/controller"
	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/fileops"
	"github.com/mediagrab/internal/handler"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/internal/progress"
	"github.com/mediagrab/internal/version"
	"github.com/mediagrab/pkg/logger"
)

func main() {
	// Initialize logger
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev)
	defer logger.Sync()

	version.PrintBanner(nil)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}
	defer cfgMgr.Stop()
	cfg := cfgMgr.Get()

	if err := fileops.EnsureDir(cfg.Extractor.DownloadDir); err != nil {
		logger.Fatalf("❌ Directory setup error: %v", err)
	}

	// Extraction backend and job controller
	ytdlp := executor.NewYTDLP(cfg.Extractor)
	ctrl := controller.New(jobs.NewRegistry(), progress.NewHub(), ytdlp, ytdlp, controller.Options{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		LaunchRPM:     cfg.Jobs.LaunchRPM,
		Retention:     cfg.Jobs.Retention,
		SweepInterval: cfg.Jobs.SweepInterval,
	})

	// Notifications
	if cfg.Apprise.Enabled {
		ctrl.OnFinish(apprise.NewClient(cfg.Apprise).JobHook())
		logger.Infof("🔔 Notifications: enabled (key=%s)", cfg.Apprise.Key)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}

	// Lifecycle events
	if cfg.NATS.Enabled {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Fatalf("❌ NATS error: %v", err)
		}
		defer nc.Close()
		ctrl.OnFinish(bus.JobHook(nc, cfg.NATS.SubjectPrefix))
		logger.Infof("📡 Lifecycle events: %s.<status>", cfg.NATS.SubjectPrefix)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go ctrl.Run(sweepCtx)

	limiter := handler.NewCreateLimiter(cfg.RateLimit.CreateRPM, cfg.RateLimit.Burst)
	cfgMgr.OnChange(func(old, cur *config.Config) {
		if old.RateLimit != cur.RateLimit {
			limiter.Set(cur.RateLimit.CreateRPM, cur.RateLimit.Burst)
			logger.Infof("🚦 Create rate limit: %d RPM (burst %d)", cur.RateLimit.CreateRPM, cur.RateLimit.Burst)
		}
		if old.Jobs.LaunchRPM != cur.Jobs.LaunchRPM {
			ctrl.SetLaunchRPM(cur.Jobs.LaunchRPM)
			logger.Infof("🚦 Launch rate limit: %d RPM", cur.Jobs.LaunchRPM)
		}
	})

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	// Register routes
	h := handler.New(ctrl, limiter)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// progress streams and artifact downloads stay open for long
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Print startup info
	logger.Info("")
	logger.Infof("📂 Downloads: %s", cfg.Extractor.DownloadDir)
	logger.Infof("🎬 Extractor: %s (max %d concurrent)", cfg.Extractor.Binary, cfg.Jobs.MaxConcurrent)
	if cfg.RateLimit.CreateRPM > 0 {
		logger.Infof("🚦 Rate limit: %d RPM", cfg.RateLimit.CreateRPM)
	}
	logger.Infof("🧹 Retention: %v", cfg.Jobs.Retention)
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/info          - Probe formats")
	logger.Infof("   POST /api/v1/download      - Start a job")
	logger.Infof("   GET  /api/v1/progress/:id  - Progress stream (SSE)")
	logger.Infof("   POST /api/v1/cancel/:id    - Cancel a job")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for download requests...")
	logger.Info("────────────────────────────────────────────────────────────────")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Ending the jobs first closes every open progress stream.
	if err := ctrl.Shutdown(ctx); err != nil {
		logger.Errorf("❌ Job shutdown error: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}

	logger.Info("👋 Goodbye!")
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
