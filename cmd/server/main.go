package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dukapos/internal/cache"
	"dukapos/internal/config"
	"dukapos/internal/httpapi"
	"dukapos/internal/queue"
	queuememory "dukapos/internal/queue/memory"
	queuesqlite "dukapos/internal/queue/sqlite"
	"dukapos/internal/realtime"
	"dukapos/internal/service"
	"dukapos/internal/store"
	"dukapos/internal/store/memory"
	pgstore "dukapos/internal/store/postgres"
	"dukapos/internal/store/supabase"
	"dukapos/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()

	closers := make([]func() error, 0, 4)

	repo, closeRepo, err := openRepository(startCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("backend unavailable")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	queueStore, closeQueue := openQueueStore(startCtx, cfg.QueuePath)
	if closeQueue != nil {
		closers = append(closers, closeQueue)
	}
	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	if cfg.RetryInitialBackoff > 0 {
		policy.InitialBackoff = cfg.RetryInitialBackoff
	}
	if cfg.RetryMaxBackoff > 0 {
		policy.MaxBackoff = cfg.RetryMaxBackoff
	}
	q := queue.New(queueStore, policy)

	var markers cache.ReplayMarkers = cache.NewMemoryReplayMarkers()
	if cfg.RedisAddr != "" {
		redisMarkers := cache.NewRedisReplayMarkers(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisMarkers.Ping(startCtx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-process replay markers")
			_ = redisMarkers.Close()
		} else {
			markers = redisMarkers
			closers = append(closers, redisMarkers.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("replay markers: redis")
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	emitter := realtime.NewEmitter()
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		feed := realtime.NewSupabaseFeed(cfg.SupabaseURL, cfg.SupabaseKey, emitter)
		go func() {
			if err := feed.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("supabase change feed stopped")
			}
		}()
	}

	replayer := syncer.NewReplayer(repo, q, syncer.Config{
		Markers:   markers,
		Publisher: emitter,
		BatchSize: cfg.FlushBatchSize,
	})
	scheduler, err := syncer.NewScheduler(replayer, cfg.FlushSchedule, 2*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.FlushSchedule).Msg("invalid flush schedule")
	}
	scheduler.Start()

	svc := service.New(repo, q, replayer, emitter)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, emitter, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Str("env", cfg.Env).Msg("dukapos sync backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	scheduler.Stop(shutdownCtx)
	cancelRun()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// openRepository picks the backend: Supabase REST, then direct Postgres,
// then the seeded in-memory store for local runs. A configured backend that
// does not answer is fatal; silently falling back would lose writes.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch {
	case cfg.SupabaseURL != "":
		sb, err := supabase.New(supabase.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		if err != nil {
			return nil, nil, fmt.Errorf("supabase: %w", err)
		}
		if err := sb.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("supabase: %w", err)
		}
		log.Info().Str("url", cfg.SupabaseURL).Msg("repository: supabase")
		return sb, nil, nil
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		log.Info().Msg("repository: postgres")
		return pg, pg.Close, nil
	default:
		log.Info().Msg("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
}

func openQueueStore(ctx context.Context, path string) (queue.Store, func() error) {
	if path == "" || path == ":memory:" {
		log.Warn().Msg("pending queue: in-memory, operations are lost on restart")
		return queuememory.New(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cannot create queue directory, using in-memory queue")
			return queuememory.New(), nil
		}
	}
	sq, err := queuesqlite.Open(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("sqlite queue unavailable, using in-memory queue")
		return queuememory.New(), nil
	}
	log.Info().Str("path", path).Msg("pending queue: sqlite")
	return sq, sq.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.IsDevelopment() {
		return nil
	}
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin outside development")
	}
	return nil
}
