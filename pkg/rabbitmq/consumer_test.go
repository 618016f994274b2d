package rabbitmq

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq/rabbitmqtest"
)

func quietConfig() *RabbitMQConfig {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &RabbitMQConfig{Host: "localhost", Port: 1883, ClientID: "test", Logger: logrus.NewEntry(l)}
}

func counter(n *atomic.Int32) func(string, mqtt.Message) error {
	return func(string, mqtt.Message) error {
		n.Add(1)
		return nil
	}
}

func TestConsumerResubscribesAfterReconnect(t *testing.T) {
	client := rabbitmqtest.NewClient()
	client.OnConnect = ClientOptions(quietConfig()).OnConnect

	var got atomic.Int32
	c := NewConsumer(client, "greenthumb/+/monitor", counter(&got))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.ConsumeMessage(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return client.Subscribed("greenthumb/+/monitor") }, time.Second, 5*time.Millisecond)

	client.Reconnect()
	assert.True(t, client.Subscribed("greenthumb/+/monitor"))
	client.Publish("greenthumb/g1/monitor", 1, false, []byte(`{}`))
	assert.Equal(t, int32(1), got.Load())

	// once the consumer stops, a reconnect no longer restores its topic
	cancel()
	<-done
	client.Reconnect()
	assert.False(t, client.Subscribed("greenthumb/+/monitor"))
}

func TestMultiConsumerResubscribesAfterReconnect(t *testing.T) {
	client := rabbitmqtest.NewClient()
	client.OnConnect = ClientOptions(quietConfig()).OnConnect

	var got atomic.Int32
	m := NewMultiConsumer(client, []string{"greenthumb/+/monitor", "greenthumb/+/settings"}, counter(&got))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.ConsumeMessage(ctx)
	require.Eventually(t, func() bool { return client.Subscribed("greenthumb/+/settings") }, time.Second, 5*time.Millisecond)

	client.Reconnect()
	client.Publish("greenthumb/g1/monitor", 1, false, []byte(`{}`))
	client.Publish("greenthumb/g1/settings", 1, true, []byte(`{}`))
	assert.Equal(t, int32(2), got.Load())
}

func TestSetHandlerAfterSubscribe(t *testing.T) {
	client := rabbitmqtest.NewClient()
	c := NewConsumer(client, "greenthumb/g1/pump/set", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ConsumeMessage(ctx)
	require.Eventually(t, func() bool { return client.Subscribed("greenthumb/g1/pump/set") }, time.Second, 5*time.Millisecond)

	// no handler yet, the delivery is logged and dropped
	client.Publish("greenthumb/g1/pump/set", 1, false, []byte(`{}`))

	var got atomic.Int32
	c.SetHandler(counter(&got))
	client.Publish("greenthumb/g1/pump/set", 1, false, []byte(`{}`))
	assert.Equal(t, int32(1), got.Load())
}
