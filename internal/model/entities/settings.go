package entities

import (
	"encoding/json"
	"time"
)

// Settings is the per-device configuration document. JSON names follow the
// realtime "settings" node the dashboard already reads.
type Settings struct {
	DeviceID   string
	Mode       Mode
	Thresholds ThresholdConfig
	UpdatedAt  time.Time
}

func DefaultSettings(deviceID string) Settings {
	return Settings{
		DeviceID:   deviceID,
		Mode:       ModeAuto,
		Thresholds: DefaultThresholds(),
	}
}

type settingsJSON struct {
	DeviceID  string    `json:"device_id,omitempty"`
	IsAuto    *bool     `json:"isAutoMode,omitempty"`
	Lower     *float64  `json:"lowerMoistureThreshold,omitempty"`
	Upper     *float64  `json:"upperMoistureThreshold,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	auto := s.Mode.IsAuto()
	lower, upper := s.Thresholds.Lower, s.Thresholds.Upper
	return json.Marshal(settingsJSON{
		DeviceID:  s.DeviceID,
		IsAuto:    &auto,
		Lower:     &lower,
		Upper:     &upper,
		UpdatedAt: s.UpdatedAt,
	})
}

// UnmarshalJSON fills only the fields present in b; absent fields keep the
// receiver's current values so partial documents can be merged onto defaults.
func (s *Settings) UnmarshalJSON(b []byte) error {
	var raw settingsJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.DeviceID != "" {
		s.DeviceID = raw.DeviceID
	}
	if raw.IsAuto != nil {
		s.Mode = ModeFromAutoFlag(*raw.IsAuto)
	}
	if raw.Lower != nil {
		s.Thresholds.Lower = *raw.Lower
	}
	if raw.Upper != nil {
		s.Thresholds.Upper = *raw.Upper
	}
	if !raw.UpdatedAt.IsZero() {
		s.UpdatedAt = raw.UpdatedAt
	}
	return nil
}
