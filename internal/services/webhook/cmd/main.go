package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/oauth"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/webhook"
	"github.com/LeonardoBeccarini/greenthumb/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("logger")
	}
	log := logger.WithField("service", "webhook")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("redis connect failed")
	}
	defer rdb.Close()

	opts := webhook.Options{
		DeviceID:       cfg.Webhook.DeviceID,
		Rate:           cfg.Webhook.Rate,
		Burst:          cfg.Webhook.Burst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         log,
	}

	// tokens live in process memory, so the issuer must share the process
	var linking *oauth.Server
	if cfg.Webhook.AccountLinking {
		linking, err = oauth.NewServer(oauth.Options{
			CacheSize: cfg.OAuth.CacheSize,
			TokenTTL:  cfg.OAuth.TokenTTL,
			Logger:    log.WithField("component", "oauth"),
		})
		if err != nil {
			log.WithError(err).Fatal("oauth init")
		}
		opts.Tokens = linking
	}

	svc := webhook.NewService(store.NewRedisStore(rdb, cfg.Redis.KeyPrefix, log.WithField("component", "redis")), opts)

	var handler http.Handler = svc.Handler()
	if linking != nil {
		root := mux.NewRouter()
		root.PathPrefix("/api/oauth-").Handler(linking.Handler())
		root.PathPrefix("/").Handler(handler)
		handler = root
		log.Info("account linking enabled")
	}

	srv := &http.Server{Addr: cfg.Webhook.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", srv.Addr).Info("webhook listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Info("webhook stopped")
}
