package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("publish not acknowledged before timeout")

// IPublisher interface defines the method to publish a message
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishToQos(topic string, qos byte, retained bool, message interface{}) error
	Close()
}

// Publisher publishes to a default topic, or to any topic via PublishToQos.
type Publisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	log     *logrus.Entry
}

// NewPublisher creates a new Publisher instance using the shared MQTT client and topic
func NewPublisher(client mqtt.Client, topic string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: timeout,
		log:     logrus.WithField("component", "mqtt-publisher"),
	}
}

// PublishMessage publishes at QoS 0 on the default topic.
func (p *Publisher) PublishMessage(message interface{}) error {
	if p.topic == "" {
		return fmt.Errorf("publisher has no default topic")
	}
	return p.PublishToQos(p.topic, 0, false, message)
}

// PublishToQos publishes message on topic. Strings and byte slices are sent as-is,
// anything else is JSON encoded.
func (p *Publisher) PublishToQos(topic string, qos byte, retained bool, message interface{}) error {
	payload, err := encode(message)
	if err != nil {
		return err
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: topic %s", ErrPublishTimeout, topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	p.log.WithFields(logrus.Fields{"topic": topic, "qos": qos, "retained": retained}).Debug("message published")
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("MQTT client disconnected")
	}
}

func encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("invalid message format: %w", err)
		}
		return b, nil
	}
}

// FormatTopic fills a topic template such as "greenthumb/{device}/pump/set".
func FormatTopic(tmpl, deviceID string) string {
	return strings.NewReplacer("{device}", deviceID, "{device_id}", deviceID).Replace(tmpl)
}

// DeviceFromTopic extracts the device segment of "greenthumb/{device}/..." topics.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
