package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// RabbitMQConfig describes the broker connection. The broker is RabbitMQ with the
// MQTT plugin (topic exchange), but any MQTT 3.1.1 broker works.
type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
	Kind     string // Exchange type (topic, fanout, etc.)

	MaxRetries     int
	MaxElapsedTime time.Duration

	OnConnect        func()
	OnConnectionLost func(error)

	Logger *logrus.Entry
}

func (cfg *RabbitMQConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

func (cfg *RabbitMQConfig) logger() *logrus.Entry {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.WithField("component", "mqtt")
}

// ClientOptions builds the paho options for cfg.
func ClientOptions(cfg *RabbitMQConfig) *mqtt.ClientOptions {
	log := cfg.logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info("MQTT connection established")
		Resubscribe(client, log)
		if cfg.OnConnect != nil {
			cfg.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})
	return opts
}

// NewRabbitMQConn connects with bounded exponential backoff and disconnects when
// ctx is cancelled.
func NewRabbitMQConn(cfg *RabbitMQConfig, ctx context.Context) (mqtt.Client, error) {
	log := cfg.logger()
	opts := ClientOptions(cfg)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).Warn("failed to connect to MQTT broker")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.WithField("broker", cfg.BrokerURL()).Info("connected to MQTT broker")

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		log.Info("MQTT connection is closed")
	}()

	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client.IsConnected() {
		client.Disconnect(250)
		logrus.WithField("component", "mqtt").Info("MQTT connection successfully closed")
	}
}
