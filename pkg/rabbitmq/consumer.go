package rabbitmq

import (
	"context"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type handlerFunc = func(queue string, message mqtt.Message) error

// IConsumer interface defines the ConsumeMessage method with dependencies T
type IConsumer[T any] interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler func(queue string, message mqtt.Message) error)
}

// Consumer holds the client and topic for subscribing
type Consumer struct {
	client mqtt.Client
	topic  string
	log    *logrus.Entry

	mu      sync.RWMutex
	handler handlerFunc
}

// NewConsumer creates a new Consumer instance using the shared MQTT client and topic
func NewConsumer(client mqtt.Client, topic string, handler func(queue string, message mqtt.Message) error) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
		log:     logrus.WithFields(logrus.Fields{"component": "mqtt-consumer", "topic": topic}),
	}
}

// SetHandler replaces the handler; it applies to the next delivery.
func (c *Consumer) SetHandler(handler func(queue string, message mqtt.Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Consumer) currentHandler() handlerFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// QoSFor returns 1 for topics that carry state (telemetry, settings, commands),
// 0 otherwise.
func QoSFor(topic string) byte {
	t := strings.TrimSpace(topic)
	for _, suffix := range []string{"/monitor", "/settings", "/pump/set", "/decision"} {
		if strings.HasSuffix(t, suffix) {
			return 1
		}
	}
	return 0
}

func dispatch(log *logrus.Entry, topic string, handler func() handlerFunc) mqtt.MessageHandler {
	return func(_ mqtt.Client, message mqtt.Message) {
		h := handler()
		if h == nil {
			log.Warn("no handler set")
			return
		}
		if err := h(topic, message); err != nil {
			log.WithError(err).WithField("message_topic", message.Topic()).Warn("error handling message")
		}
	}
}

// ConsumeMessage subscribes to the topic and processes messages using the handler
// It blocks until the context is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	token := active.subscribe(c.client, c.topic, QoSFor(c.topic), dispatch(c.log, c.topic, c.currentHandler))
	if token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Error("error subscribing")
		active.forget(c.client, c.topic)
		return
	}
	c.log.Info("subscribed")

	<-ctx.Done()

	active.unsubscribe(c.client, c.topic).Wait()
}

// MultiConsumer subscribes one handler to several topics.
type MultiConsumer struct {
	client mqtt.Client
	topics []string
	log    *logrus.Entry

	mu      sync.RWMutex
	handler handlerFunc
}

func NewMultiConsumer(client mqtt.Client, topics []string, handler func(queue string, message mqtt.Message) error) *MultiConsumer {
	return &MultiConsumer{
		client:  client,
		topics:  topics,
		handler: handler,
		log:     logrus.WithField("component", "mqtt-consumer"),
	}
}

func (m *MultiConsumer) SetHandler(handler func(queue string, message mqtt.Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *MultiConsumer) currentHandler() handlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

func (m *MultiConsumer) ConsumeMessage(ctx context.Context) {
	for _, topic := range m.topics {
		log := m.log.WithField("topic", topic)
		token := active.subscribe(m.client, topic, QoSFor(topic), dispatch(log, topic, m.currentHandler))
		token.Wait()
		if token.Error() != nil {
			log.WithError(token.Error()).Error("error subscribing")
		} else {
			log.Info("subscribed")
		}
	}

	<-ctx.Done()

	active.unsubscribe(m.client, m.topics...)
}

/************* reconnect *************/

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// subscriptions remembers what each client subscribed to. Clients run with a
// clean session, so the broker drops them on every reconnect.
type subscriptions struct {
	mu       sync.Mutex
	byClient map[mqtt.Client]map[string]subscription
}

var active = &subscriptions{byClient: map[mqtt.Client]map[string]subscription{}}

func (s *subscriptions) subscribe(client mqtt.Client, topic string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	s.mu.Lock()
	subs, ok := s.byClient[client]
	if !ok {
		subs = map[string]subscription{}
		s.byClient[client] = subs
	}
	subs[topic] = subscription{qos: qos, handler: handler}
	s.mu.Unlock()
	return client.Subscribe(topic, qos, handler)
}

func (s *subscriptions) forget(client mqtt.Client, topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.byClient[client]
	for _, t := range topics {
		delete(subs, t)
	}
	if len(subs) == 0 {
		delete(s.byClient, client)
	}
}

func (s *subscriptions) unsubscribe(client mqtt.Client, topics ...string) mqtt.Token {
	s.forget(client, topics...)
	return client.Unsubscribe(topics...)
}

func (s *subscriptions) of(client mqtt.Client) map[string]subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]subscription, len(s.byClient[client]))
	for t, sub := range s.byClient[client] {
		out[t] = sub
	}
	return out
}

// Resubscribe restores every subscription a Consumer or MultiConsumer holds on
// client. Clients built from ClientOptions call it on each (re)connect.
func Resubscribe(client mqtt.Client, log *logrus.Entry) {
	for topic, sub := range active.of(client) {
		token := client.Subscribe(topic, sub.qos, sub.handler)
		if !token.WaitTimeout(10 * time.Second) {
			log.WithField("topic", topic).Warn("resubscribe timed out")
			continue
		}
		if err := token.Error(); err != nil {
			log.WithError(err).WithField("topic", topic).Error("resubscribe failed")
			continue
		}
		log.WithField("topic", topic).Info("resubscribed")
	}
}
