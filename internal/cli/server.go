package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agora-sync/internal/app"
	"agora-sync/internal/config"
	"agora-sync/internal/infra/memory"
	"agora-sync/internal/infra/postgres"
	rediscache "agora-sync/internal/infra/redis"
	transport "agora-sync/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	cacheTTL := config.TTLDuration(cfg.Sync.CacheTTL, 12*time.Hour)

	var (
		cache    app.SessionCache
		notifier app.ChangeNotifier
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		cache = rediscache.NewSessionCache(redisClient, cacheTTL)
		notifier = rediscache.NewNotifier(redisClient)
		slog.Info("session cache on redis", "addr", cfg.Redis.Addr)
	} else {
		memCache := memory.NewSessionCache(cacheTTL)
		go sweepLoop(ctx, memCache)
		cache = memCache
		notifier = memory.NewNotifier()
		slog.Info("session cache in process memory")
	}

	var relational app.RelationalStore
	if cfg.Postgres.URL != "" {
		db := postgres.Open(cfg.Postgres.URL)
		defer db.Close()
		relational = postgres.NewStore(db)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		go func() {
			if err := postgres.NewListener(pool, notifier).Run(ctx); err != nil {
				slog.Warn("change listener stopped", "error", err)
			}
		}()
		slog.Info("relational store on postgres")
	} else {
		slog.Warn("postgres not configured, running without relational store")
	}

	storeTimeout := config.TTLDuration(cfg.Sync.StoreTimeout, 3*time.Second)
	mode := app.ParseWriteMode(cfg.Sync.WriteMode)
	service := app.NewSessionService(cache, app.NewGuardedStore(relational, storeTimeout), notifier, app.WithWriteMode(mode))

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(service, notifier),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		slog.Info("starting session sync server", "port", finalPort, "write_mode", mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func sweepLoop(ctx context.Context, cache *memory.SessionCache) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Sweep(); n > 0 {
				slog.Info("expired sessions swept", "count", n)
			}
		}
	}
}
