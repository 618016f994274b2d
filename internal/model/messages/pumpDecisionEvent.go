package messages

import (
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model/entities"
)

// PumpDecisionEvent records the outcome of one actuation: what was asked, why,
// and whether the device link accepted it.
type PumpDecisionEvent struct {
	CommandID string             `json:"command_id"`
	DeviceID  string             `json:"device_id"`
	State     entities.PumpState `json:"state"`
	Source    CommandSource      `json:"source"`
	Reason    string             `json:"reason,omitempty"`
	Moisture  float64            `json:"moisture"`
	Lower     float64            `json:"lower_threshold"`
	Upper     float64            `json:"upper_threshold"`
	Status    string             `json:"status"` // "OK" | "FAIL"
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
