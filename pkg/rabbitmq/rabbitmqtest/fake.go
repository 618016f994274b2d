// Package rabbitmqtest provides in-memory stand-ins for the paho client used in tests.
package rabbitmqtest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message implements mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
	QoS       byte
	Retain    bool
	Dup       bool
	ID        uint16
}

func (m *Message) Duplicate() bool   { return m.Dup }
func (m *Message) Qos() byte         { return m.QoS }
func (m *Message) Retained() bool    { return m.Retain }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return m.ID }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}

// Token is an already-completed mqtt.Token.
type Token struct {
	Err     error
	Timeout bool
}

func (t *Token) Wait() bool { return !t.Timeout }

func (t *Token) WaitTimeout(time.Duration) bool { return !t.Timeout }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.Timeout {
		close(ch)
	}
	return ch
}

func (t *Token) Error() error { return t.Err }

// Published records one Publish call.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client is an in-memory mqtt.Client. Publish is recorded and delivered to any
// exact-topic or single-level wildcard subscriber.
type Client struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []Published
	connected bool

	// PublishErr, when set, fails every Publish.
	PublishErr error
	// PublishTimeout makes every Publish token time out.
	PublishTimeout bool
	// OnConnect runs after every Connect, as paho's connect handler does.
	OnConnect mqtt.OnConnectHandler
}

func NewClient() *Client {
	return &Client{handlers: map[string]mqtt.MessageHandler{}, connected: true}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	onConnect := c.OnConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(c)
	}
	return &Token{}
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Reconnect drops the connection and connects again with a clean session: every
// subscription is forgotten before OnConnect runs.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.connected = false
	c.handlers = map[string]mqtt.MessageHandler{}
	c.mu.Unlock()
	c.Connect()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	if c.PublishErr != nil || c.PublishTimeout {
		c.mu.Unlock()
		return &Token{Err: c.PublishErr, Timeout: c.PublishTimeout}
	}
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Retained: retained, Payload: body})
	c.mu.Unlock()

	c.deliver(&Message{TopicName: topic, Body: body, QoS: qos, Retain: retained})
	return &Token{}
}

// Redeliver hands payload to the subscribers of topic again with the DUP flag
// set, as a broker does for an unacknowledged QoS1 message.
func (c *Client) Redeliver(topic string, payload []byte) {
	c.deliver(&Message{TopicName: topic, Body: payload, QoS: 1, Dup: true})
}

func (c *Client) deliver(msg *Message) {
	c.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range c.handlers {
		if Match(filter, msg.TopicName) {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		h(c, msg)
	}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &Token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f := range filters {
		c.handlers[f] = callback
	}
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &Token{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Subscribed reports whether a handler is registered for filter.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[filter]
	return ok
}

// Published returns a copy of every recorded publish.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the publishes recorded for topic.
func (c *Client) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Match implements MQTT filter matching for '+' and a trailing '#'.
func Match(filter, topic string) bool {
	f := split(filter)
	t := split(topic)
	for i, seg := range f {
		if seg == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

func split(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
