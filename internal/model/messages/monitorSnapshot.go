package messages

import (
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model/entities"
)

// MonitorSnapshot is what a garden node pushes on greenthumb/{device}/monitor.
// Field names match the realtime "monitor" node (SoilMoisture, temp, humidity, pumpStatus).
type MonitorSnapshot struct {
	DeviceID     string    `json:"device_id"`
	SoilMoisture float64   `json:"SoilMoisture"`
	Temperature  float64   `json:"temp"`
	Humidity     float64   `json:"humidity"`
	PumpStatus   bool      `json:"pumpStatus"`
	Timestamp    time.Time `json:"timestamp"`
}

func (m MonitorSnapshot) Reading() Reading {
	return Reading{
		DeviceID:    m.DeviceID,
		Moisture:    m.SoilMoisture,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Timestamp:   m.Timestamp,
	}
}

func (m MonitorSnapshot) PumpState() entities.PumpState {
	return entities.PumpStateFromBool(m.PumpStatus)
}
