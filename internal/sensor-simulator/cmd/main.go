package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	sensorSimulator "github.com/LeonardoBeccarini/greenthumb/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
)

func main() {
	decay := flag.Float64("decay", 0.5, "moisture lost per minute with the pump off, in percent points")
	start := flag.Float64("start-moisture", 45, "initial soil moisture")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("logger")
	}
	log := logger.WithField("service", "sensor-simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		User:           cfg.MQTT.User,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID + "-simulator",
		Kind:           "topic",
		MaxRetries:     cfg.MQTT.MaxRetries,
		MaxElapsedTime: cfg.MQTT.MaxElapsed,
		Logger:         log.WithField("component", "mqtt"),
	}, ctx)
	if err != nil {
		log.WithError(err).Fatal("mqtt connect failed")
	}
	publisher := rabbitmq.NewPublisher(client, "", 0)
	defer publisher.Close()

	var wg sync.WaitGroup
	for i, id := range cfg.Simulator.Devices {
		seed := cfg.Simulator.Seed
		if seed != 0 {
			seed += int64(i)
		}
		gen := sensorSimulator.NewDataGenerator(id, *decay, seed)
		gen.Seed(*start)
		consumer := rabbitmq.NewConsumer(client, rabbitmq.FormatTopic(cfg.Topics.PumpSet, id), nil)
		sim := sensorSimulator.NewGardenSimulator(consumer, publisher, gen, id, rabbitmq.FormatTopic(cfg.Topics.Monitor, id))

		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Start(ctx, cfg.Simulator.Interval)
		}()
	}
	log.WithFields(logrus.Fields{"devices": cfg.Simulator.Devices, "interval": cfg.Simulator.Interval}).Info("simulating gardens")

	wg.Wait()
	rabbitmq.CloseRabbitMQConn(client)
}
