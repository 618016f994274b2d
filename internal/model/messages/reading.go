package messages

import "time"

// Reading is one immutable telemetry sample as appended to history.
type Reading struct {
	DeviceID    string    `json:"device_id"`
	Moisture    float64   `json:"moisture"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}
