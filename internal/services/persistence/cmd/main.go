package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/persistence"
	"github.com/LeonardoBeccarini/greenthumb/pkg/dedup"
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
	log := logger.WithField("service", "persistence")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- MQTT ---
	mqCfg := &rabbitmq.RabbitMQConfig{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		User:           cfg.MQTT.User,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID + "-persistence",
		Kind:           "topic",
		MaxRetries:     cfg.MQTT.MaxRetries,
		MaxElapsedTime: cfg.MQTT.MaxElapsed,
		Logger:         log.WithField("component", "mqtt"),
	}
	mqClient, err := rabbitmq.NewRabbitMQConn(mqCfg, ctx)
	if err != nil {
		log.WithError(err).Fatal("mqtt connect failed")
	}
	topics := []string{cfg.Topics.MonitorFilter, rabbitmq.FormatTopic(cfg.Topics.Decision, "+")}
	consumer := rabbitmq.NewMultiConsumer(mqClient, topics, nil)

	// --- InfluxDB ---
	history, err := persistence.NewInfluxHistory(cfg.Influx, log.WithField("component", "history"))
	if err != nil {
		log.WithError(err).Fatal("influx init failed")
	}
	defer history.Close()

	recorder := persistence.NewRecorder(consumer, history, dedup.New(cfg.Controller.DedupTTL, cfg.Controller.DedupMax))
	go recorder.Start(ctx)

	// --- HTTP ---
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready := history.Ping(r.Context()) && mqClient.IsConnectionOpen()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	}).Methods(http.MethodGet)
	r.Handle("/api/devices/{device}/history", persistence.NewHistoryHandler(history, 10*time.Second)).Methods(http.MethodGet)
	r.Handle("/api/devices/{device}/events", persistence.NewPumpEventsHandler(history)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("persistence HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	log.WithField("topics", topics).Info("recording readings and pump events")
	<-ctx.Done()

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Info("persistence: shutdown complete")
}
