package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/pkg/dedup"
	"github.com/LeonardoBeccarini/greenthumb/pkg/rabbitmq"
)

const pumpEventMeasurement = "pump_event"

// ErrInvalidRange is returned for history windows other than 1H, 1D, 7D, 15D.
var ErrInvalidRange = errors.New("invalid history range")

var ranges = map[string]time.Duration{
	"1H":  time.Hour,
	"1D":  24 * time.Hour,
	"7D":  7 * 24 * time.Hour,
	"15D": 15 * 24 * time.Hour,
}

// ParseRange maps a dashboard range label to a window. Empty means 1H.
func ParseRange(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		s = "1H"
	}
	d, ok := ranges[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q (want 1H, 1D, 7D or 15D)", ErrInvalidRange, s)
	}
	return d, nil
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type fluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxHistory is the append-only reading and pump event history.
type InfluxHistory struct {
	client      influxdb2.Client
	writer      pointWriter
	querier     fluxQuerier
	bucket      string
	measurement string
	log         *logrus.Entry
}

func NewInfluxHistory(cfg config.InfluxConfig, log *logrus.Entry) (*InfluxHistory, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	if log == nil {
		log = logrus.WithField("component", "history")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxHistory{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		querier:     client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: sanitizeMeasurement(firstNonEmpty(cfg.Measurement, "garden_reading")),
		log:         log,
	}, nil
}

func (h *InfluxHistory) Close() {
	if h.client != nil {
		h.client.Close()
	}
}

// Ping reports whether the InfluxDB server answers.
func (h *InfluxHistory) Ping(ctx context.Context) bool {
	if h.client == nil {
		return false
	}
	ok, err := h.client.Ping(ctx)
	return err == nil && ok
}

func (h *InfluxHistory) WriteReading(ctx context.Context, r model.Reading) error {
	if err := h.writer.WritePoint(ctx, readingPoint(h.measurement, r)); err != nil {
		return fmt.Errorf("write reading for %s: %w", r.DeviceID, err)
	}
	return nil
}

func (h *InfluxHistory) WritePumpEvent(ctx context.Context, evt model.PumpDecisionEvent) error {
	if err := h.writer.WritePoint(ctx, pumpEventPoint(evt)); err != nil {
		return fmt.Errorf("write pump event for %s: %w", evt.DeviceID, err)
	}
	return nil
}

// Range returns the readings of deviceID within the last window, oldest first.
func (h *InfluxHistory) Range(ctx context.Context, deviceID string, window time.Duration) ([]model.Reading, error) {
	res, err := h.querier.Query(ctx, buildHistoryFlux(h.bucket, h.measurement, deviceID, window))
	if err != nil {
		return nil, fmt.Errorf("history query for %s: %w", deviceID, err)
	}
	defer res.Close()

	out := make([]model.Reading, 0, 64)
	for res.Next() {
		rec := res.Record()
		out = append(out, model.Reading{
			DeviceID:    deviceID,
			Moisture:    toF64(rec.ValueByKey("moisture")),
			Temperature: toF64(rec.ValueByKey("temperature")),
			Humidity:    toF64(rec.ValueByKey("humidity")),
			Timestamp:   rec.Time().UTC(),
		})
	}
	if res.Err() != nil {
		return out, fmt.Errorf("history iterate for %s: %w", deviceID, res.Err())
	}
	return out, nil
}

// HandleMessage records monitor snapshots and decision events received over MQTT.
func (h *InfluxHistory) HandleMessage(_ string, msg mqtt.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := msg.Topic()
	switch {
	case strings.HasSuffix(topic, "/monitor"):
		var snap model.MonitorSnapshot
		if err := json.Unmarshal(msg.Payload(), &snap); err != nil {
			h.log.WithError(err).WithField("topic", topic).Warn("invalid JSON")
			return nil
		}
		if snap.DeviceID == "" {
			snap.DeviceID = rabbitmq.DeviceFromTopic(topic)
		}
		if snap.Timestamp.IsZero() {
			snap.Timestamp = time.Now().UTC()
		}
		if !model.ValidMoisture(snap.SoilMoisture) {
			h.log.WithField("device_id", snap.DeviceID).Warn("reading outside [0,100] not recorded")
			return nil
		}
		return h.WriteReading(ctx, snap.Reading())
	case strings.HasSuffix(topic, "/decision"):
		var evt model.PumpDecisionEvent
		if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
			h.log.WithError(err).WithField("topic", topic).Warn("invalid JSON")
			return nil
		}
		return h.WritePumpEvent(ctx, evt)
	}
	return nil
}

// Recorder wires the MQTT subscriptions to the history.
type Recorder struct {
	consumer rabbitmq.IConsumer[model.Reading]
	history  *InfluxHistory
	deduper  *dedup.Deduper
}

func NewRecorder(consumer rabbitmq.IConsumer[model.Reading], history *InfluxHistory, deduper *dedup.Deduper) *Recorder {
	return &Recorder{consumer: consumer, history: history, deduper: deduper}
}

// Start blocks until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.consumer.SetHandler(func(queue string, msg mqtt.Message) error {
		if !r.deduper.ShouldProcessDelivery(msg.Topic(), msg.Payload(), msg.Duplicate()) {
			return nil
		}
		return r.history.HandleMessage(queue, msg)
	})
	r.consumer.ConsumeMessage(ctx)
}

func readingPoint(measurement string, r model.Reading) *write.Point {
	t := r.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	return influxdb2.NewPoint(measurement,
		map[string]string{"device_id": r.DeviceID},
		map[string]interface{}{
			"moisture":    r.Moisture,
			"temperature": r.Temperature,
			"humidity":    r.Humidity,
		}, t)
}

func pumpEventPoint(evt model.PumpDecisionEvent) *write.Point {
	t := evt.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	fields := map[string]interface{}{
		"on":         evt.State == model.PumpOn,
		"moisture":   evt.Moisture,
		"lower":      evt.Lower,
		"upper":      evt.Upper,
		"command_id": evt.CommandID,
	}
	if evt.Reason != "" {
		fields["reason"] = evt.Reason
	}
	if evt.Error != "" {
		fields["error"] = evt.Error
	}
	return influxdb2.NewPoint(pumpEventMeasurement,
		map[string]string{
			"device_id": evt.DeviceID,
			"source":    string(evt.Source),
			"status":    evt.Status,
		}, fields, t)
}

func buildHistoryFlux(bucket, measurement, deviceID string, window time.Duration) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r.device_id == %q)
  |> filter(fn: (r) => r._field == "moisture" or r._field == "temperature" or r._field == "humidity")
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])
`, bucket, int64(window/time.Second), measurement, deviceID)
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func toF64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
