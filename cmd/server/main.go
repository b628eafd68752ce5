package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jonnylin13/LongDistanceNetflix/internal/config"
	"github.com/jonnylin13/LongDistanceNetflix/internal/events"
	"github.com/jonnylin13/LongDistanceNetflix/internal/handlers"
	httpx "github.com/jonnylin13/LongDistanceNetflix/internal/http"
	"github.com/jonnylin13/LongDistanceNetflix/internal/protocol"
	"github.com/jonnylin13/LongDistanceNetflix/internal/repo"
	"github.com/jonnylin13/LongDistanceNetflix/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	dir, closeDir := lobbyDirectory(ctx, cfg, clock)
	defer closeDir()

	pub := publisher(cfg)
	defer pub.Close()

	host, _ := os.Hostname()
	store := service.NewSessionStore(dir, service.NewLobbyIDGenerator(), service.Options{
		MaxIDAttempts: cfg.MaxIDAttempts,
		LobbyTTL:      cfg.LobbyTTLDuration(),
		Instance:      host,
		Clock:         clock,
	})
	dispatcher := protocol.NewDispatcher(store, pub, clock)
	relay := handlers.NewRelay(dispatcher, clock, handlers.RelayOptions{
		MaxMessageBytes:   int64(cfg.WSMaxMessageBytes),
		SendBuffer:        cfg.WSSendBuffer,
		WriteTimeout:      cfg.WSWriteTimeout,
		PingInterval:      cfg.WSPingInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		TimeoutAction:     handlers.TimeoutAction(cfg.HeartbeatTimeoutAction),
	})
	router := httpx.NewRouter(handlers.NewLobbyHandler(store, relay), relay, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.APIAddr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.RunReaper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// lobbyDirectory picks Redis when configured, otherwise an in-process directory.
func lobbyDirectory(ctx context.Context, cfg config.Config, clock clockwork.Clock) (repo.LobbyDirectory, func()) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("using in-memory lobby directory")
		return repo.NewMemoryLobbyDirectory(clock), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	return repo.NewRedisLobbyDirectory(rdb), func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
}

func publisher(cfg config.Config) events.Publisher {
	if cfg.NATSURL == "" {
		return events.Nop{}
	}
	pub, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
	}
	log.Info().Str("url", cfg.NATSURL).Msg("publishing lobby events")
	return pub
}
