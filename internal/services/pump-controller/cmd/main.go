package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	controller "github.com/LeonardoBeccarini/greenthumb/internal/services/pump-controller"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/persistence"
	"github.com/LeonardoBeccarini/greenthumb/internal/store"
	"github.com/LeonardoBeccarini/greenthumb/pkg/dedup"
	"github.com/LeonardoBeccarini/greenthumb/pkg/health"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
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
	log := logger.WithField("service", "pump-controller")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.SetServing("", false)
	go func() {
		if err := health.Serve(ctx, cfg.GRPC.Addr, checker, log); err != nil {
			log.WithError(err).Error("grpc health server stopped")
		}
	}()

	// Redis: settings + realtime snapshot
	rdb, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("redis connect failed")
	}
	defer rdb.Close()
	st := store.NewRedisStore(rdb, cfg.Redis.KeyPrefix, log.WithField("component", "redis"))

	// MQTT
	mqCfg := &rabbitmq.RabbitMQConfig{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		User:           cfg.MQTT.User,
		Password:       cfg.MQTT.Password,
		ClientID:       fmt.Sprintf("%s-pump-controller", cfg.MQTT.ClientID),
		Kind:           "topic",
		MaxRetries:     cfg.MQTT.MaxRetries,
		MaxElapsedTime: cfg.MQTT.MaxElapsed,
		Logger:         log.WithField("component", "mqtt"),
	}
	mqClient, err := rabbitmq.NewRabbitMQConn(mqCfg, ctx)
	if err != nil {
		log.WithError(err).Fatal("mqtt connect failed")
	}
	publisher := rabbitmq.NewPublisher(mqClient, "", cfg.Controller.ActuationTimeout)
	defer publisher.Close()

	breaker := controller.NewBreaker("pump-actuation", cfg.Controller.BreakerFailures, cfg.Controller.BreakerTimeout, log)
	link := controller.NewDeviceLink(publisher, st, breaker, cfg.Topics, log.WithField("component", "device-link"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctrl, err := controller.NewController(link, st, link, controller.Options{
		Devices:          cfg.Controller.Devices,
		MinGap:           cfg.Controller.MinGap,
		ActuationTimeout: cfg.Controller.ActuationTimeout,
		ResyncTimeout:    cfg.Controller.ResyncTimeout,
		Dedup:            dedup.New(cfg.Controller.DedupTTL, cfg.Controller.DedupMax),
		Metrics:          controller.NewMetrics(reg),
		Logger:           log,
	})
	if err != nil {
		log.WithError(err).Fatal("controller init")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()

	consumer := rabbitmq.NewMultiConsumer(mqClient, []string{cfg.Topics.MonitorFilter, cfg.Topics.SettingsFilter}, ctrl.HandleMessage)
	go consumer.ConsumeMessage(ctx)

	// History is optional: without InfluxDB the endpoint is simply not mounted.
	var (
		history persistence.RangeReader
		events  persistence.EventReader
	)
	if cfg.Influx.Token != "" {
		h, err := persistence.NewInfluxHistory(cfg.Influx, log.WithField("component", "history"))
		if err != nil {
			log.WithError(err).Warn("history disabled")
		} else {
			defer h.Close()
			history, events = h, h
		}
	}

	checks := map[string]func(context.Context) error{
		"redis": st.Ping,
		"mqtt": func(context.Context) error {
			if !mqClient.IsConnectionOpen() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	for name, probe := range checks {
		go checker.Track(ctx, name, 5*time.Second, probe)
	}
	go checker.Track(ctx, "", 5*time.Second, func(context.Context) error {
		if !ctrl.Ready() {
			return errors.New("bootstrapping")
		}
		return nil
	})

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: controller.NewRouter(ctrl, controller.APIOptions{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			History:        history,
			Events:         events,
			Gatherer:       reg,
			Checks:         checks,
			RequestTimeout: cfg.Controller.ActuationTimeout + time.Second,
			Logger:         log.WithField("component", "api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	log.WithField("http", cfg.HTTP.Addr).Info("services started")

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("controller stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	rabbitmq.CloseRabbitMQConn(mqClient)
	log.Info("pump controller stopped")
}
