package messages

import (
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model/entities"
)

// CommandSource tells which path produced a pump command.
type CommandSource string

const (
	SourceAuto   CommandSource = "auto"   // threshold controller transition
	SourceManual CommandSource = "manual" // user toggle in manual mode
	SourceMode   CommandSource = "mode"   // safety OFF on switch to manual
)

// PumpCommand is published on greenthumb/{device}/pump/set.
type PumpCommand struct {
	CommandID string             `json:"command_id"`
	DeviceID  string             `json:"device_id"`
	State     entities.PumpState `json:"state"`
	Source    CommandSource      `json:"source"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
