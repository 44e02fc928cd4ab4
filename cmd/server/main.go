package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/termtab/backend/api/handlers"
	"github.com/termtab/backend/internal/config"
	"github.com/termtab/backend/internal/db"
	"github.com/termtab/backend/internal/logging"
	"github.com/termtab/backend/internal/recorder"
	"github.com/termtab/backend/internal/registry"
	"github.com/termtab/backend/internal/repository"
	"github.com/termtab/backend/internal/supervisor"
	"github.com/termtab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logging.NewDefault().Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatal("failed to create database directory", zap.Error(err))
		}
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.CloseDB()

	sup := buildSupervisor(cfg, log)

	var rec *recorder.Recorder
	if cfg.Terminal.RecordDir != "" {
		rec, err = recorder.New(cfg.Terminal.RecordDir, log)
		if err != nil {
			log.Fatal("failed to set up session recording", zap.Error(err))
		}
		defer rec.Close()
	}

	reg := registry.New(sup,
		repository.NewTerminalRepository(database),
		repository.NewTabRepository(database),
		registry.Config{
			RingBufferSize: cfg.Terminal.BufferSize,
			DefaultShell:   cfg.Terminal.Shell,
			Recorder:       rec,
		},
		log)

	// Sessions that outlived the previous run come back; the rest are
	// marked exited.
	if err := reg.RestoreFromDatabase(context.Background()); err != nil {
		log.Fatal("failed to restore state", zap.Error(err))
	}

	hub := ws.NewHub(log)
	reg.SetBroadcaster(hub)

	wsHandler := handlers.NewWebSocketHandler(ws.NewHandler(hub, reg, log), log)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(corsMiddleware())
	wsHandler.RegisterRoutes(r)

	// Graceful shutdown: detach, never kill. Live sessions survive the
	// restart.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		if err := reg.DetachAll(context.Background()); err != nil {
			log.Warn("detach on shutdown failed", zap.Error(err))
		}
		hub.Close()
		rec.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	log.Info("starting server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("supervisor", cfg.Supervisor.Backend))
	if err := r.Run(cfg.Server.Addr()); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// buildSupervisor picks the process backend. tmux gives detachable sessions
// that survive server restarts; without it sessions are plain PTYs that die
// with the process.
func buildSupervisor(cfg *config.Config, log *zap.Logger) supervisor.Supervisor {
	if cfg.Supervisor.Backend == "tmux" {
		if _, err := exec.LookPath(cfg.Supervisor.TmuxBinary); err == nil {
			return supervisor.NewTmuxSupervisor(supervisor.TmuxConfig{
				Binary:  cfg.Supervisor.TmuxBinary,
				PipeDir: cfg.Supervisor.PipeDir,
			}, log)
		}
		log.Warn("tmux not found, sessions will not survive restarts",
			zap.String("binary", cfg.Supervisor.TmuxBinary))
	}
	return supervisor.NewLocalSupervisor(log)
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
