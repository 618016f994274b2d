package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/oauth"
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
	log := logger.WithField("service", "oauth")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := oauth.NewServer(oauth.Options{
		CacheSize: cfg.OAuth.CacheSize,
		TokenTTL:  cfg.OAuth.TokenTTL,
		Logger:    log,
	})
	if err != nil {
		log.WithError(err).Fatal("oauth init")
	}

	srv := &http.Server{Addr: cfg.OAuth.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", srv.Addr).Info("oauth listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Info("oauth stopped")
}
