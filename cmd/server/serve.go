package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prudhvinik1/medsync/internal/config"
	"github.com/prudhvinik1/medsync/internal/database"
	"github.com/prudhvinik1/medsync/internal/httpapi"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// setupLogging sends the standard logger to stderr, and to a rotated file
// when one is configured.
func setupLogging(path string) io.Writer {
	out := io.Writer(os.Stderr)
	if path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}
	log.SetOutput(out)
	return out
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	out := setupLogging(cfg.LogFile)

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	if err := database.EnsureSchema(ctx, postgresPool); err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	localDB, err := database.NewSQLiteDB(ctx, cfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("failed to open local storage: %w", err)
	}
	defer localDB.Close()

	docs := repositories.NewPostgresDocumentStore(postgresPool)
	realtime := repositories.NewRedisRealtimeStore(redisClient)
	storage := repositories.NewSQLiteLocalStorage(localDB)

	outbox := services.NewOutbox(docs, storage, &services.OutboxOptions{
		Collection:    cfg.EventsCollection,
		FlushInterval: cfg.OutboxFlushInterval,
		Logger:        log.New(out, "[outbox] ", log.LstdFlags),
	})
	deadLetters := repositories.NewPostgresDeadLetterRepository(postgresPool)
	coordinator := services.NewSyncCoordinator(docs, realtime, storage, outbox, &services.SyncOptions{
		MedicationsCollection: cfg.MedicationsCollection,
		Interval:              cfg.SyncInterval,
		DeadLetters:           deadLetters,
		Logger:                log.New(out, "[sync] ", log.LstdFlags),
	})
	cache := services.NewCacheSync(docs, storage, &services.CacheSyncOptions{
		Logger: log.New(out, "[cache] ", log.LstdFlags),
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	views := httpapi.NewMedicationViews(ctx, cache, cfg.MedicationsCollection, cfg.MaxMedicationViews)
	api := httpapi.NewServer(outbox, coordinator, views, httpapi.ServerOptions{
		JWTSecret:   cfg.JWTSecret,
		DeadLetters: deadLetters,
		Logger:      log.New(out, "[http] ", log.LstdFlags),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		outbox.Start(gctx)
		coordinator.Start(gctx)
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		watchForeground(gctx, outbox.Foreground)
		return nil
	})

	g.Go(func() error {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	views.Close()
	cache.Close()
	coordinator.Destroy()
	outbox.Stop()

	if err != nil {
		return err
	}
	log.Println("Server stopped gracefully")
	return nil
}
