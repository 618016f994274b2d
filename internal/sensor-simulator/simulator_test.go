package sensor_simulator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq/rabbitmqtest"
)

func steppedGenerator(start time.Time) (*DataGenerator, *time.Time) {
	g := NewDataGenerator("g1", 1.0, 42)
	now := start
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGeneratorMoisture(t *testing.T) {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	g, now := steppedGenerator(start)
	g.Seed(50)

	snap := g.Next(model.PumpOff)
	assert.Equal(t, 50.0, snap.SoilMoisture)
	assert.Equal(t, "g1", snap.DeviceID)
	assert.False(t, snap.PumpStatus)

	*now = start.Add(10 * time.Minute)
	snap = g.Next(model.PumpOff)
	assert.Equal(t, 40.0, snap.SoilMoisture, "decays 1 point per minute while OFF")

	*now = start.Add(12 * time.Minute)
	snap = g.Next(model.PumpOn)
	assert.Equal(t, 52.0, snap.SoilMoisture, "rises while ON")
	assert.True(t, snap.PumpStatus)
	assert.Equal(t, start.Add(12*time.Minute), snap.Timestamp)

	*now = start.Add(time.Hour)
	snap = g.Next(model.PumpOn)
	assert.Equal(t, 100.0, snap.SoilMoisture, "clamped")
	assert.True(t, model.ValidMoisture(snap.SoilMoisture))
}

func TestGeneratorIsReproducible(t *testing.T) {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	a, _ := steppedGenerator(start)
	b, _ := steppedGenerator(start)
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Next(model.PumpOff), b.Next(model.PumpOff))
	}
}

func TestSimulatorReactsToCommands(t *testing.T) {
	client := rabbitmqtest.NewClient()
	publisher := rabbitmq.NewPublisher(client, "", time.Second)
	consumer := rabbitmq.NewConsumer(client, "greenthumb/g1/pump/set", nil)
	g, _ := steppedGenerator(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	sim := NewGardenSimulator(consumer, publisher, g, "g1", "greenthumb/g1/monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Start(ctx, time.Hour)
	require.Eventually(t, func() bool { return client.Subscribed("greenthumb/g1/pump/set") }, time.Second, 5*time.Millisecond)

	cmd, err := json.Marshal(model.PumpCommand{CommandID: "c1", DeviceID: "g1", State: model.PumpOn, Source: model.SourceAuto})
	require.NoError(t, err)
	client.Publish("greenthumb/g1/pump/set", 1, false, cmd)
	client.Publish("greenthumb/g1/pump/set", 1, false, cmd) // redelivery

	assert.Equal(t, model.PumpOn, sim.Pump())
	out := client.PublishedTo("greenthumb/g1/monitor")
	require.Len(t, out, 1)
	assert.Equal(t, byte(1), out[0].QoS)

	var snap model.MonitorSnapshot
	require.NoError(t, json.Unmarshal(out[0].Payload, &snap))
	assert.True(t, snap.PumpStatus)

	other, _ := json.Marshal(model.PumpCommand{CommandID: "c2", DeviceID: "g2", State: model.PumpOff})
	client.Publish("greenthumb/g1/pump/set", 1, false, other)
	assert.Equal(t, model.PumpOn, sim.Pump())
	assert.Len(t, client.PublishedTo("greenthumb/g1/monitor"), 1)
}
