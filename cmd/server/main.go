package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/api"
	"github.com/openguild/openguild/internal/auth"
	"github.com/openguild/openguild/internal/config"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/gateway"
	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/middleware"
	"github.com/openguild/openguild/internal/mls"
	"github.com/openguild/openguild/internal/monitoring"
	"github.com/openguild/openguild/internal/storage"
	"github.com/openguild/openguild/internal/storage/memory"
	"github.com/openguild/openguild/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "openguild.yaml", "path to the configuration file")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	setupLogging(cfg.Server.LogFormat)
	log := logrus.WithField("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    storage.Store
		users    storage.UserStore
		sessions storage.SessionStore
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			log.WithError(err).Fatal("postgres")
		}
		defer pg.Close()
		store, users, sessions = pg, pg, pg
		log.Info("storage: postgres")
	default:
		mem := memory.New()
		store, users, sessions = mem, mem, mem
		log.Info("storage: memory")
	}

	ring, err := cfg.Session.Keyring()
	if err != nil {
		log.WithError(err).Fatal("signing keys")
	}
	if cfg.Session.ActiveSigningKey == "" {
		log.WithField("key_id", ring.KeyID()).Warn("no signing key configured, generated an ephemeral one")
	}
	authority := auth.NewAuthority(users, sessions, ring)

	hub := fanout.NewHub()
	var publisher fanout.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relay := fanout.NewRelay(hub, rdb, "openguild:events")
		go relay.Run(ctx)
		publisher = relay
		log.WithField("addr", cfg.Redis.Addr).Info("fan-out relay: redis")
	}

	window := cfg.RateLimit.Window()
	limits := messaging.Limits{
		IP:     middleware.NewFixedWindowLimiter("ip", cfg.RateLimit.IPPerMinute, window),
		Sender: middleware.NewFixedWindowLimiter("sender", cfg.RateLimit.SenderPerMinute, window),
	}
	svc := messaging.NewService(store, publisher, ring, cfg.Server.ServerName, limits)
	gw := gateway.New(store, hub, gateway.DefaultMaxSessions)

	peers, err := cfg.Federation.TrustedPeers()
	if err != nil {
		log.WithError(err).Fatal("federation trust set")
	}

	server := api.NewServer(authority, users, svc, gw, federation.NewVerifier(peers), mls.NewRegistry())

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := monitoring.Serve(ctx, cfg.Server.Metrics.BindAddr); err != nil {
				log.WithError(err).Error("metrics listener")
			}
		}()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(cfg.Server.ListenAddr())
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown")
		}
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server")
		}
	}
}

func setupLogging(format string) {
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}
}
