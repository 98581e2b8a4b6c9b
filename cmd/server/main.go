package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/jaychat"
	"github.com/MegaGrindStone/jaychat/internal/handlers"
	"github.com/MegaGrindStone/jaychat/internal/services"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "jaychat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "server.yaml"), os.Getenv)
	if err != nil {
		return err
	}
	level, err := cfg.level()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	backend := services.NewBackend(cfg.BackendURL, logger)

	m, err := handlers.NewMain(backend, boltDB, logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(jaychat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	m.RegisterRoutes(r)

	// SSE connections stay open, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Streams write to the store, so it is closed only after they stopped.
	sseDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(sseDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("backendURL", cfg.BackendURL),
			slog.String("dbPath", dbPath))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
		<-sseDone
	}
	return nil
}
