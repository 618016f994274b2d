// Package store keeps the realtime view of each garden node in Redis: the latest
// monitor snapshot and the per-device settings.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/config"
	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// ErrNotFound is returned when a device has no stored snapshot.
var ErrNotFound = errors.New("store: not found")

const (
	fieldAuto    = "isAutoMode"
	fieldLower   = "lowerMoistureThreshold"
	fieldUpper   = "upperMoistureThreshold"
	fieldUpdated = "updated_at"
)

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    *logrus.Entry
}

func NewRedisStore(client *redis.Client, prefix string, log *logrus.Entry) *RedisStore {
	if prefix == "" {
		prefix = "greenthumb"
	}
	if log == nil {
		log = logrus.WithField("component", "store")
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now, log: log}
}

func (s *RedisStore) settingsKey(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:settings", s.prefix, deviceID)
}

func (s *RedisStore) monitorKey(deviceID string) string {
	return fmt.Sprintf("%s:device:%s:monitor", s.prefix, deviceID)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadSettings returns the stored settings, writing defaults (AUTO, 30, 60) for
// every field that is missing.
func (s *RedisStore) LoadSettings(ctx context.Context, deviceID string) (model.Settings, error) {
	key := s.settingsKey(deviceID)
	def := model.DefaultSettings(deviceID)

	pipe := s.client.TxPipeline()
	created := pipe.HSetNX(ctx, key, fieldAuto, strconv.FormatBool(def.Mode.IsAuto()))
	pipe.HSetNX(ctx, key, fieldLower, formatFloat(def.Thresholds.Lower))
	pipe.HSetNX(ctx, key, fieldUpper, formatFloat(def.Thresholds.Upper))
	pipe.HSetNX(ctx, key, fieldUpdated, s.now().UTC().Format(time.RFC3339Nano))
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.Settings{}, fmt.Errorf("load settings for %s: %w", deviceID, err)
	}
	if created.Val() {
		s.log.WithField("device_id", deviceID).Info("mode flag missing, defaulted to auto")
	}

	return decodeSettings(deviceID, all.Val())
}

// SaveSettings overwrites every settings field.
func (s *RedisStore) SaveSettings(ctx context.Context, settings model.Settings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = s.now()
	}
	err := s.client.HSet(ctx, s.settingsKey(settings.DeviceID),
		fieldAuto, strconv.FormatBool(settings.Mode.IsAuto()),
		fieldLower, formatFloat(settings.Thresholds.Lower),
		fieldUpper, formatFloat(settings.Thresholds.Upper),
		fieldUpdated, settings.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", settings.DeviceID, err)
	}
	return nil
}

// SaveMonitor replaces the latest snapshot for the device.
func (s *RedisStore) SaveMonitor(ctx context.Context, snap model.MonitorSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.monitorKey(snap.DeviceID), b, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.DeviceID, err)
	}
	return nil
}

func (s *RedisStore) LatestMonitor(ctx context.Context, deviceID string) (model.MonitorSnapshot, error) {
	b, err := s.client.Get(ctx, s.monitorKey(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.MonitorSnapshot{}, fmt.Errorf("snapshot for %s: %w", deviceID, ErrNotFound)
		}
		return model.MonitorSnapshot{}, fmt.Errorf("read snapshot for %s: %w", deviceID, err)
	}
	var snap model.MonitorSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return model.MonitorSnapshot{}, fmt.Errorf("decode snapshot for %s: %w", deviceID, err)
	}
	return snap, nil
}

func decodeSettings(deviceID string, h map[string]string) (model.Settings, error) {
	out := model.DefaultSettings(deviceID)

	if v, ok := h[fieldAuto]; ok {
		auto, err := strconv.ParseBool(v)
		if err != nil {
			return out, fmt.Errorf("settings %s: bad %s %q: %w", deviceID, fieldAuto, v, err)
		}
		out.Mode = model.ModeFromAutoFlag(auto)
	}
	if v, ok := h[fieldLower]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return out, fmt.Errorf("settings %s: bad %s %q: %w", deviceID, fieldLower, v, err)
		}
		out.Thresholds.Lower = f
	}
	if v, ok := h[fieldUpper]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return out, fmt.Errorf("settings %s: bad %s %q: %w", deviceID, fieldUpper, v, err)
		}
		out.Thresholds.Upper = f
	}
	if v, ok := h[fieldUpdated]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			out.UpdatedAt = ts
		}
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
