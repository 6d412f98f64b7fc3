package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/pantheon/config"
	"github.com/mossy-p/pantheon/internal/auth"
	"github.com/mossy-p/pantheon/internal/handlers"
	"github.com/mossy-p/pantheon/internal/logger"
	"github.com/mossy-p/pantheon/internal/redis"
	"github.com/mossy-p/pantheon/internal/signaling"
)

func main() {
	log := logger.Logger("main")

	// Load configuration
	cfg := config.Load()

	flags := pflag.NewFlagSet("signaling", pflag.ExitOnError)
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flags.StringVar(&cfg.ScopeID, "scope", cfg.ScopeID, "coordination scope every device joins")
	flags.BoolVar(&cfg.Redis.Enabled, "redis", cfg.Redis.Enabled, "mirror presence into Redis")
	flags.Parse(os.Args[1:])

	if cfg.AuthKey == "" {
		log.Warn("AUTH_KEY not set, accepting every connection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := auth.New(cfg.AuthKey, cfg.TokenTTL)
	opts := signaling.Options{Auth: a, ScopeID: cfg.ScopeID}

	// Connect to Redis
	if cfg.Redis.Enabled {
		store, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts.Presence = store
		log.Info("Redis connection established", "host", cfg.Redis.Host)
	}

	hub := signaling.NewHub(opts)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewServer(cfg, hub, a).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting signaling server", "port", cfg.Port, "scope", hub.ScopeID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("signaling server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("signaling server stopped")
}
