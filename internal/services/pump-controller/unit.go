package pump_controller

import (
	"fmt"
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// Intent is a pump command before it is stamped with an id and a time.
type Intent struct {
	State  model.PumpState
	Source model.CommandSource
	Reason string
}

// Unit is the state the controller loop owns for one device. Its methods never
// block and never do I/O; they return the intent the loop must dispatch.
type Unit struct {
	DeviceID   string
	Gate       ModeGate
	Thresholds model.ThresholdConfig
	UpdatedAt  time.Time

	// Pump is the state the controller believes in, including an intent still
	// being written. Confirmed is the last state the device link acknowledged.
	Pump      model.PumpState
	Confirmed model.PumpState
	Reported  model.PumpState

	LastReading   *model.Reading
	LastDecision  Decision
	lastAppliedAt time.Time
}

func NewUnit(settings model.Settings, pump model.PumpState) *Unit {
	if !pump.Valid() {
		pump = model.PumpOff
	}
	return &Unit{
		DeviceID:   settings.DeviceID,
		Gate:       NewModeGate(settings.Mode),
		Thresholds: settings.Thresholds,
		UpdatedAt:  settings.UpdatedAt,
		Pump:       pump,
		Confirmed:  pump,
		Reported:   pump,
	}
}

func (u *Unit) Settings() model.Settings {
	return model.Settings{
		DeviceID:   u.DeviceID,
		Mode:       u.Gate.Mode(),
		Thresholds: u.Thresholds,
		UpdatedAt:  u.UpdatedAt,
	}
}

// ApplyReading records r and, when the gate allows it, evaluates the hysteresis
// rule. A transition updates Pump and yields exactly one intent.
func (u *Unit) ApplyReading(r model.Reading, reported model.PumpState) (*Intent, error) {
	if !model.ValidMoisture(r.Moisture) {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidReading, r.Moisture)
	}
	if r.Timestamp.Before(u.lastAppliedAt) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrder,
			r.Timestamp.Format(time.RFC3339Nano), u.lastAppliedAt.Format(time.RFC3339Nano))
	}
	u.lastAppliedAt = r.Timestamp
	u.LastReading = &r
	if reported.Valid() {
		u.Reported = reported
	}

	if !u.Gate.Evaluates() {
		return nil, nil
	}
	d, err := Decide(r.Moisture, u.Pump, u.Thresholds, u.Gate.Mode())
	if err != nil {
		return nil, err
	}
	u.LastDecision = d
	if !d.Changed {
		return nil, nil
	}
	u.Pump = d.Next
	return &Intent{State: d.Next, Source: model.SourceAuto, Reason: d.Reason}, nil
}

// SetMode switches the gate. Going to MANUAL forces the pump OFF and always yields
// an OFF intent. Going to AUTO yields no intent and reports that a resync read is
// needed.
func (u *Unit) SetMode(to model.Mode, at time.Time) (intent *Intent, resync bool) {
	switch u.Gate.Switch(to) {
	case GateForceOff:
		u.UpdatedAt = at
		u.Pump = model.PumpOff
		return &Intent{State: model.PumpOff, Source: model.SourceMode, Reason: "switched to manual"}, false
	case GateResync:
		u.UpdatedAt = at
		return nil, true
	}
	return nil, false
}

// CompleteResync adopts the state read back from the actuator as the new
// baseline. A failed read falls back to the last confirmed state. No transition
// is evaluated here.
func (u *Unit) CompleteResync(epoch uint64, read model.PumpState, err error) bool {
	if !u.Gate.CompleteResync(epoch) {
		return false
	}
	state := read
	if err != nil || !state.Valid() {
		state = u.Confirmed
	}
	u.Pump = state
	u.Confirmed = state
	return true
}

// ManualToggle forwards a user pump command. It is rejected in AUTO mode.
func (u *Unit) ManualToggle(state model.PumpState) (*Intent, error) {
	if err := u.Gate.AllowManual(); err != nil {
		return nil, err
	}
	if !state.Valid() {
		return nil, fmt.Errorf("invalid pump state %q", state)
	}
	u.Pump = state
	return &Intent{State: state, Source: model.SourceManual, Reason: "user command"}, nil
}

// EditThresholds applies a partial threshold update under the edit boundary.
// On error the thresholds are unchanged.
func (u *Unit) EditThresholds(lower, upper *float64, gap float64, at time.Time) (model.ThresholdConfig, error) {
	cfg := u.Thresholds
	var err error
	switch {
	case lower != nil && upper != nil:
		cfg, err = cfg.WithBounds(*lower, *upper, gap)
	case lower != nil:
		cfg, err = cfg.WithLower(*lower, gap)
	case upper != nil:
		cfg, err = cfg.WithUpper(*upper, gap)
	default:
		return cfg, fmt.Errorf("%w: no threshold given", model.ErrInvalidConfiguration)
	}
	if err != nil {
		return u.Thresholds, err
	}
	u.Thresholds = cfg
	u.UpdatedAt = at
	return cfg, nil
}

// ApplySettings merges a settings notification. Documents not newer than the
// current settings (our own retained echo included) are ignored. Thresholds that
// fail validation are rejected without touching the mode.
func (u *Unit) ApplySettings(s model.Settings, at time.Time) (intent *Intent, resync bool, err error) {
	if !s.UpdatedAt.IsZero() && !s.UpdatedAt.After(u.UpdatedAt) {
		return nil, false, nil
	}
	if s.Thresholds != u.Thresholds {
		if err := s.Thresholds.Validate(); err != nil {
			return nil, false, err
		}
		u.Thresholds = s.Thresholds
	}
	stamp := s.UpdatedAt
	if stamp.IsZero() {
		stamp = at
	}
	intent, resync = u.SetMode(s.Mode, stamp)
	u.UpdatedAt = stamp
	return intent, resync, nil
}

// ActuationDone records the outcome of a write. A success confirms the state; a
// failure reverts Pump to the confirmed state unless a newer intent is queued.
func (u *Unit) ActuationDone(state model.PumpState, err error, newerQueued bool) {
	if err == nil {
		u.Confirmed = state
		if !newerQueued {
			u.Pump = state
		}
		return
	}
	if !newerQueued {
		u.Pump = u.Confirmed
	}
}
