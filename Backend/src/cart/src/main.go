package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogger(cfg)

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("db", cfg.DBPath).
		Str("release_backend", cfg.ReleaseBackend).
		Dur("release_delay", cfg.ReleaseDelay).
		Msg("starting cart service")

	// Señales para apagado limpio
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
	log.Info().Msg("cart service stopped")
}

func setupLogger(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Logger = log.With().Str("service", cfg.ServiceName).Logger()
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	// DB + migración + seed opcional
	db, err := openSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrate(ctx, db); err != nil {
		return err
	}
	if cfg.SeedOnStart {
		if err := seed(ctx, db); err != nil {
			return err
		}
		logger.Info().Msg("seeded initial books")
	}

	repo, err := NewSQLiteRepo(db, cfg.CartCacheSize)
	if err != nil {
		return err
	}
	books := NewBookRepo(db)

	// Rabbit: eventos de dominio y/o cola de liberación
	var events Events
	var rabbit *Rabbit
	if cfg.ReleaseBackend == BackendRabbitMQ || cfg.PublishEvents {
		if rabbit, err = NewRabbit(cfg, logger); err != nil {
			return err
		}
		defer rabbit.Close()
		if cfg.PublishEvents {
			events = rabbit
		}
	}

	sched, err := newScheduler(cfg, rabbit, logger)
	if err != nil {
		return err
	}
	defer sched.Close()

	svc := NewCartService(repo, books, sched, events, cfg.ReleaseDelay, logger)
	if err := sched.Start(ctx, svc.ReleaseItem); err != nil {
		return err
	}
	logger.Info().Str("backend", cfg.ReleaseBackend).Msg("release scheduler started")

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewServer(svc, cfg, logger).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	grpcSrv, hs := newGRPCServer(cfg.ServiceName)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC health listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Warn().Msg("shutting down...")
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newScheduler(cfg Config, rabbit *Rabbit, logger zerolog.Logger) (ReleaseScheduler, error) {
	switch cfg.ReleaseBackend {
	case BackendRabbitMQ:
		return NewRabbitScheduler(rabbit, cfg.RabbitPrefetch), nil
	case BackendRedis:
		rdb := newRedisClient(cfg.RedisAddr, WithRedisPassword(cfg.RedisPassword), WithRedisDB(cfg.RedisDB))
		return NewRedisScheduler(rdb, cfg.RedisReleaseKey, cfg.RedisPollInterval, logger), nil
	default:
		logger.Warn().Msg("in-memory release scheduler: pending releases are lost on restart")
		return NewTimerScheduler(logger), nil
	}
}
