package sensor_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/pkg/dedup"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
)

// GardenSimulator plays one garden node: it publishes a MonitorSnapshot every
// interval and switches its pump on pump/set commands.
type GardenSimulator struct {
	mu           sync.Mutex
	deviceID     string
	pump         model.PumpState
	monitorTopic string
	generator    *DataGenerator
	publisher    rabbitmq.IPublisher
	consumer     rabbitmq.IConsumer[model.PumpCommand]
	deduper      *dedup.Deduper
	log          *logrus.Entry
}

func NewGardenSimulator(consumer rabbitmq.IConsumer[model.PumpCommand], publisher rabbitmq.IPublisher,
	gen *DataGenerator, deviceID, monitorTopic string) *GardenSimulator {
	return &GardenSimulator{
		deviceID:     deviceID,
		pump:         model.PumpOff,
		monitorTopic: monitorTopic,
		generator:    gen,
		publisher:    publisher,
		consumer:     consumer,
		deduper:      dedup.New(2*time.Minute, 10000),
		log:          logrus.WithFields(logrus.Fields{"component": "simulator", "device_id": deviceID}),
	}
}

// Start publishes until ctx is cancelled.
func (s *GardenSimulator) Start(ctx context.Context, interval time.Duration) {
	s.consumer.SetHandler(s.handleMessage)
	go s.consumer.ConsumeMessage(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Publish(); err != nil {
				s.log.WithError(err).Warn("publish error")
			}
		}
	}
}

// Publish sends the current snapshot at QoS1.
func (s *GardenSimulator) Publish() error {
	snap := s.generator.Next(s.Pump())
	s.log.WithFields(logrus.Fields{"moisture": snap.SoilMoisture, "pump": snap.PumpStatus}).Debug("snapshot")
	return s.publisher.PublishToQos(s.monitorTopic, 1, false, snap)
}

func (s *GardenSimulator) Pump() model.PumpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump
}

func (s *GardenSimulator) handleMessage(_ string, msg mqtt.Message) error {
	var cmd model.PumpCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid PumpCommand: %w", err)
	}
	// every command carries a fresh id, so a repeated id is a redelivery
	if !s.deduper.ShouldProcess(cmd.CommandID) {
		return nil
	}
	if cmd.DeviceID != "" && cmd.DeviceID != s.deviceID {
		return nil
	}
	if !cmd.State.Valid() {
		return fmt.Errorf("invalid pump state %q", cmd.State)
	}

	s.mu.Lock()
	prev := s.pump
	s.pump = cmd.State
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"from": prev, "to": cmd.State, "source": cmd.Source}).Info("pump switched")
	// report the new actuator state right away
	return s.Publish()
}
