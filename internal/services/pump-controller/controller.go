package pump_controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/pkg/dedup"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
)

// Actuator writes pump commands and reads the actuator state back.
type Actuator interface {
	WritePump(ctx context.Context, cmd model.PumpCommand) error
	ReadPump(ctx context.Context, deviceID string) (model.PumpState, error)
}

// Notifier fans settings and decision outcomes out to other subscribers.
type Notifier interface {
	PublishSettings(ctx context.Context, s model.Settings) error
	PublishDecision(ctx context.Context, evt model.PumpDecisionEvent) error
}

type SettingsStore interface {
	LoadSettings(ctx context.Context, deviceID string) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	SaveMonitor(ctx context.Context, snap model.MonitorSnapshot) error
}

type Options struct {
	Devices          []string
	MinGap           float64
	ActuationTimeout time.Duration
	ResyncTimeout    time.Duration
	QueueSize        int

	Dedup   *dedup.Deduper
	Metrics *Metrics
	Logger  *logrus.Entry
	Now     func() time.Time
	NewID   func() string
}

// DeviceStatus is the controller's view of one device.
type DeviceStatus struct {
	DeviceID        string                `json:"device_id"`
	Mode            model.Mode            `json:"mode"`
	IsAutoMode      bool                  `json:"isAutoMode"`
	Thresholds      model.ThresholdConfig `json:"thresholds"`
	Pump            model.PumpState       `json:"pump"`
	PumpStatus      bool                  `json:"pumpStatus"`
	Confirmed       model.PumpState       `json:"confirmed"`
	Reported        model.PumpState       `json:"reported"`
	Resyncing       bool                  `json:"resyncing"`
	ActuationActive bool                  `json:"actuationActive"`
	LastReading     *model.Reading        `json:"lastReading,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Controller runs one event loop that owns the state of every configured device.
// Readings, settings notifications, user intents and I/O results are all events
// on that loop and are processed in arrival order.
type Controller struct {
	opts     Options
	actuator Actuator
	store    SettingsStore
	notifier Notifier
	log      *logrus.Entry
	metrics  *Metrics

	known  map[string]struct{}
	events chan event
	outbox chan func(context.Context)
	done   chan struct{}
	ready  atomic.Bool

	// owned by the loop
	units map[string]*Unit
	disp  *dispatcher
}

func NewController(a Actuator, s SettingsStore, n Notifier, opts Options) (*Controller, error) {
	if a == nil {
		return nil, errors.New("actuator is nil")
	}
	if s == nil {
		return nil, errors.New("settings store is nil")
	}
	if len(opts.Devices) == 0 {
		return nil, errors.New("no devices configured")
	}
	if opts.ActuationTimeout <= 0 {
		opts.ActuationTimeout = 5 * time.Second
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 3 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "pump-controller")
	}

	known := make(map[string]struct{}, len(opts.Devices))
	for _, id := range opts.Devices {
		known[id] = struct{}{}
	}

	return &Controller{
		opts:     opts,
		actuator: a,
		store:    s,
		notifier: n,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		known:    known,
		events:   make(chan event, opts.QueueSize),
		outbox:   make(chan func(context.Context), opts.QueueSize),
		done:     make(chan struct{}),
		units:    make(map[string]*Unit, len(opts.Devices)),
		disp:     newDispatcher(),
	}, nil
}

// Run loads every device, then processes events until ctx is cancelled. It must
// be called once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	if err := c.bootstrap(ctx); err != nil {
		return err
	}

	go c.drainOutbox(ctx)

	c.ready.Store(true)
	defer c.ready.Store(false)
	c.log.WithField("devices", c.opts.Devices).Info("pump controller running")

	for {
		select {
		case <-ctx.Done():
			for _, j := range c.disp.drain() {
				j.release(ErrStopped)
			}
			c.log.Info("pump controller stopped")
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// Ready reports whether the loop is running.
func (c *Controller) Ready() bool { return c.ready.Load() }

func (c *Controller) Devices() []string {
	out := make([]string, len(c.opts.Devices))
	copy(out, c.opts.Devices)
	return out
}

func (c *Controller) bootstrap(ctx context.Context) error {
	for _, id := range c.opts.Devices {
		s, err := c.store.LoadSettings(ctx, id)
		if err != nil {
			return fmt.Errorf("load settings for %s: %w", id, err)
		}
		s.DeviceID = id
		log := c.log.WithField("device_id", id)
		if err := s.Thresholds.Validate(); err != nil {
			log.WithError(err).Warn("stored thresholds are invalid, no automatic commands until fixed")
		}

		rctx, cancel := context.WithTimeout(ctx, c.opts.ResyncTimeout)
		pump, err := c.actuator.ReadPump(rctx, id)
		cancel()
		if err != nil {
			log.WithError(err).Info("no pump state on record, assuming off")
			pump = model.PumpOff
		}

		c.units[id] = NewUnit(s, pump)
		log.WithFields(logrus.Fields{
			"mode":  s.Mode,
			"lower": s.Thresholds.Lower,
			"upper": s.Thresholds.Upper,
			"pump":  pump,
		}).Info("device loaded")
	}
	return nil
}

/************* public API *************/

// HandleSnapshot queues a device push. It does not wait for evaluation.
func (c *Controller) HandleSnapshot(ctx context.Context, snap model.MonitorSnapshot) error {
	if !c.knows(snap.DeviceID) {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, snap.DeviceID)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = c.opts.Now().UTC()
	}
	return c.send(ctx, snapshotEvent{snap: snap})
}

// HandleSettings queues a settings document received for deviceID.
func (c *Controller) HandleSettings(ctx context.Context, deviceID string, payload []byte) error {
	if !c.knows(deviceID) {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	return c.send(ctx, settingsEvent{deviceID: deviceID, payload: payload})
}

// SetMode switches the device mode. Switching to MANUAL waits for the forced OFF
// write and returns its outcome; the mode change itself always applies.
func (c *Controller) SetMode(ctx context.Context, deviceID string, mode model.Mode) error {
	if !c.knows(deviceID) {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	reply := make(chan error, 1)
	if err := c.send(ctx, modeEvent{deviceID: deviceID, mode: mode, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// TogglePump forwards a user pump command in MANUAL mode and waits for the write.
func (c *Controller) TogglePump(ctx context.Context, deviceID string, state model.PumpState) error {
	if !c.knows(deviceID) {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	if !state.Valid() {
		return fmt.Errorf("invalid pump state %q", state)
	}
	reply := make(chan error, 1)
	if err := c.send(ctx, pumpEvent{deviceID: deviceID, state: state, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// UpdateThresholds applies a partial threshold edit; nil leaves a bound unchanged.
func (c *Controller) UpdateThresholds(ctx context.Context, deviceID string, lower, upper *float64) (model.ThresholdConfig, error) {
	if !c.knows(deviceID) {
		return model.ThresholdConfig{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	reply := make(chan thresholdsResult, 1)
	if err := c.send(ctx, thresholdsEvent{deviceID: deviceID, lower: lower, upper: upper, reply: reply}); err != nil {
		return model.ThresholdConfig{}, err
	}
	select {
	case res := <-reply:
		return res.cfg, res.err
	case <-ctx.Done():
		return model.ThresholdConfig{}, ctx.Err()
	case <-c.done:
		return model.ThresholdConfig{}, ErrStopped
	}
}

func (c *Controller) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	if !c.knows(deviceID) {
		return DeviceStatus{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	reply := make(chan DeviceStatus, 1)
	if err := c.send(ctx, statusEvent{deviceID: deviceID, reply: reply}); err != nil {
		return DeviceStatus{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return DeviceStatus{}, ctx.Err()
	case <-c.done:
		return DeviceStatus{}, ErrStopped
	}
}

// HandleMessage is the MQTT handler for the monitor and settings subscriptions.
func (c *Controller) HandleMessage(_ string, msg mqtt.Message) error {
	topic := msg.Topic()
	if !c.opts.Dedup.ShouldProcessDelivery(topic, msg.Payload(), msg.Duplicate()) {
		return nil
	}
	deviceID := rabbitmq.DeviceFromTopic(topic)

	switch {
	case strings.HasSuffix(topic, "/monitor"):
		var snap model.MonitorSnapshot
		if err := json.Unmarshal(msg.Payload(), &snap); err != nil {
			return fmt.Errorf("bad monitor payload on %s: %w", topic, err)
		}
		if snap.DeviceID == "" {
			snap.DeviceID = deviceID
		}
		return c.HandleSnapshot(context.Background(), snap)
	case strings.HasSuffix(topic, "/settings"):
		return c.HandleSettings(context.Background(), deviceID, msg.Payload())
	}
	return nil
}

func (c *Controller) knows(deviceID string) bool {
	_, ok := c.known[deviceID]
	return ok
}

func (c *Controller) send(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// post hands I/O that must keep its order (store writes, notifications) to the
// outbox goroutine.
func (c *Controller) post(ctx context.Context, fn func(context.Context)) {
	select {
	case c.outbox <- fn:
	case <-ctx.Done():
	}
}

func (c *Controller) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.outbox:
			fn(ctx)
		}
	}
}
