package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/npezzotti/rostra/internal/api"
	"github.com/npezzotti/rostra/internal/cache"
	"github.com/npezzotti/rostra/internal/config"
	"github.com/npezzotti/rostra/internal/database"
	"github.com/npezzotti/rostra/internal/logging"
	"github.com/npezzotti/rostra/internal/pagination"
	"github.com/npezzotti/rostra/internal/server"
	"github.com/npezzotti/rostra/internal/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	repo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	store := openCache(ctx, cfg, logger)
	defer store.Close()

	statsUpdater := stats.NewStatsUpdater()
	unread := cache.NewUnreadCache(store, repo, cfg.Redis.TTL, logger, statsUpdater)

	chatServer := server.NewChatServer(logger, repo, unread, statsUpdater, server.Options{
		MaxSubscriptions: cfg.Chat.MaxSubscriptions,
		RateLimit:        cfg.Chat.RateLimit,
		RateWindow:       cfg.Chat.RateWindow,
		StoreTimeout:     cfg.Chat.StoreTimeout,
	})

	verifier := api.NewJWTVerifier(cfg.SigningKey)
	if cfg.Database.Driver == "memory" {
		if err := seedDemo(repo.(*database.MemoryRepository), verifier, logger); err != nil {
			return err
		}
	}

	srv := api.NewServer(logger, chatServer, repo, pagination.NewPager(repo), unread, verifier, statsUpdater.Handler(), api.Options{
		Addr:             cfg.Server.Addr,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		SearchRateLimit:  cfg.Server.SearchRateLimit,
		SearchRateWindow: cfg.Server.SearchRateWindow,
	})

	supLog := logger.With().Str("component", "supervisor").Logger()
	sup := suture.New("rostra", suture.Spec{
		EventHook: func(e suture.Event) {
			supLog.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})
	sup.Add(srv)
	sup.Add(chatServer.Limiter())

	err = sup.Serve(ctx)

	// Hijacked websocket connections outlive the HTTP server shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	logger.Info().Msg("shutting down chat server")
	if serr := chatServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("chat server shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

func openRepository(cfg *config.Config, logger zerolog.Logger) (database.Repository, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("using in-memory storage; data is lost on exit")
		return database.NewMemoryRepository(), nil
	}

	repo, err := database.NewPgRepository(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	if cfg.Database.Migrate {
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		logger.Info().Msg("database migrations applied")
	}

	return repo, nil
}

// openCache never fails: without Redis the unread cache reads through to the
// database.
func openCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) cache.Store {
	if !cfg.Redis.Enabled {
		logger.Info().Msg("unread cache disabled")
		return cache.NoopStore{}
	}

	store := cache.NewRedisStore(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Timeout:  cfg.Redis.Timeout,
	}, logger)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; serving unread counts from the database")
	}

	return store
}

// seedDemo gives an empty in-memory store one user in one room.
func seedDemo(repo *database.MemoryRepository, verifier *api.JWTVerifier, logger zerolog.Logger) error {
	repo.AddUser(database.User{Id: 1, Username: "demo", CreatedAt: time.Now().UTC()})
	repo.AddRoom(database.Room{Id: 1, Name: "general", CreatedBy: 1, CreatedAt: time.Now().UTC()})
	repo.AddMember(1, 1)

	token, err := verifier.Issue(1, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue demo token: %w", err)
	}
	logger.Info().Str("token", token).Msg("seeded demo user 1 in room 1")

	return nil
}
