package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"peridot/api/internal/app"
	"peridot/api/internal/notes"
	"peridot/api/internal/realtime"
	"peridot/api/internal/session"
	"peridot/api/internal/store"
)

var serveFlags struct {
	addr   string
	store  string
	fanout string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and sync socket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Addr = serveFlags.addr
		}
		if cmd.Flags().Changed("store") {
			cfg.Store = serveFlags.store
		}
		if cmd.Flags().Changed("fanout") {
			cfg.Fanout = serveFlags.fanout
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (overrides API_ADDR)")
	serveCmd.Flags().StringVar(&serveFlags.store, "store", "", "storage backend: postgres or memory")
	serveCmd.Flags().StringVar(&serveFlags.fanout, "fanout", "", "fan-out mode: local or redis")
	rootCmd.AddCommand(serveCmd)
}

// backend is what both the Postgres and in-memory stores provide.
type backend interface {
	app.DataStore
	notes.Repository
}

func openBackend(ctx context.Context) (backend, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(cfg.DefaultQuotaBytes), func() {}, nil
	}
	db, err := openDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewPostgresStore(db, cfg.DefaultQuotaBytes), func() { _ = db.Close() }, nil
}

func openDatabase(ctx context.Context) (*sql.DB, error) {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := store.Open(openCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func serve(ctx context.Context) error {
	data, closeData, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeData()

	var redisStore *session.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
	}

	registry := realtime.NewRegistry()
	dispatcher := realtime.NewDispatcher(registry, logger)
	var (
		publisher   realtime.Publisher = dispatcher
		redisFanout *realtime.RedisPublisher
	)
	if cfg.Fanout == "redis" {
		redisFanout = realtime.NewRedisPublisher(redisStore.Client(), dispatcher, logger)
		publisher = redisFanout
	}

	noteService := notes.NewService(data, publisher, logger)
	var service *app.Service
	if redisStore != nil {
		logger.Info("using redis for refresh sessions")
		service = app.NewWithSessionStore(cfg, data, redisStore, noteService, logger)
	} else {
		service = app.New(cfg, data, noteService, logger)
	}

	syncHandler := realtime.NewHandler(registry, publisher, service, service, realtime.Options{
		SendBuffer:   cfg.WS.SendBuffer,
		Rate:         cfg.WS.Rate,
		Burst:        cfg.WS.Burst,
		RequireToken: cfg.WS.RequireToken,
	}, logger)

	httpServer := app.NewHTTPServer(service, syncHandler, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("peridot API listening", "addr", cfg.Addr, "store", cfg.Store, "fanout", cfg.Fanout)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})
	if redisFanout != nil {
		g.Go(func() error {
			return redisFanout.Run(gctx)
		})
	}
	return g.Wait()
}
