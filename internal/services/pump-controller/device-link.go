package pump_controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
)

// SnapshotReader returns the latest snapshot a device pushed.
type SnapshotReader interface {
	LatestMonitor(ctx context.Context, deviceID string) (model.MonitorSnapshot, error)
}

// DeviceLink is the actuation sink: pump commands go out over MQTT behind a
// circuit breaker and the actuator state is read back from the realtime store.
// It also publishes retained settings and decision events.
type DeviceLink struct {
	publisher rabbitmq.IPublisher
	reader    SnapshotReader
	breaker   *gobreaker.CircuitBreaker
	topics    config.TopicsConfig
	log       *logrus.Entry
}

var (
	_ Actuator = (*DeviceLink)(nil)
	_ Notifier = (*DeviceLink)(nil)
)

// NewBreaker trips after fails consecutive failed writes and stays open for openFor.
func NewBreaker(name string, fails uint32, openFor time.Duration, log *logrus.Entry) *gobreaker.CircuitBreaker {
	if fails == 0 {
		fails = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state change")
			}
		},
	})
}

func NewDeviceLink(p rabbitmq.IPublisher, reader SnapshotReader, breaker *gobreaker.CircuitBreaker, topics config.TopicsConfig, log *logrus.Entry) *DeviceLink {
	if log == nil {
		log = logrus.WithField("component", "device-link")
	}
	if breaker == nil {
		breaker = NewBreaker("pump-actuation", 3, 30*time.Second, log)
	}
	return &DeviceLink{publisher: p, reader: reader, breaker: breaker, topics: topics, log: log}
}

// WritePump publishes cmd at QoS1. Any failure, including an open breaker or ctx
// expiring first, is reported as ErrActuationWrite.
func (l *DeviceLink) WritePump(ctx context.Context, cmd model.PumpCommand) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrActuationWrite, err)
	}
	topic := rabbitmq.FormatTopic(l.topics.PumpSet, cmd.DeviceID)

	done := make(chan error, 1)
	go func() {
		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, l.publisher.PublishToQos(topic, 1, false, cmd)
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				l.log.WithField("device_id", cmd.DeviceID).Warn("actuation rejected, breaker open")
			}
			return fmt.Errorf("%w: %v", ErrActuationWrite, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrActuationWrite, ctx.Err())
	}
}

// ReadPump returns the pump status of the latest snapshot. Missing data is
// reported as ErrStaleRead.
func (l *DeviceLink) ReadPump(ctx context.Context, deviceID string) (model.PumpState, error) {
	snap, err := l.reader.LatestMonitor(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaleRead, err)
	}
	return snap.PumpState(), nil
}

// PublishSettings re-publishes the settings document retained so late
// subscribers (devices, dashboards) see the current configuration.
func (l *DeviceLink) PublishSettings(_ context.Context, s model.Settings) error {
	topic := rabbitmq.FormatTopic(l.topics.Settings, s.DeviceID)
	return l.publisher.PublishToQos(topic, 1, true, s)
}

func (l *DeviceLink) PublishDecision(_ context.Context, evt model.PumpDecisionEvent) error {
	topic := rabbitmq.FormatTopic(l.topics.Decision, evt.DeviceID)
	return l.publisher.PublishToQos(topic, 1, false, evt)
}
