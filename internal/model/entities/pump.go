package entities

import (
	"fmt"
	"strings"
)

// PumpState indicates whether the garden pump is running.
type PumpState string

const (
	PumpOff PumpState = "off"
	PumpOn  PumpState = "on"
)

// PumpStateFromBool maps the realtime document's pumpStatus flag.
func PumpStateFromBool(on bool) PumpState {
	if on {
		return PumpOn
	}
	return PumpOff
}

func (p PumpState) Bool() bool { return p == PumpOn }

func (p PumpState) Valid() bool { return p == PumpOn || p == PumpOff }

// ParsePumpState accepts "on"/"off" in any case.
func ParsePumpState(s string) (PumpState, error) {
	switch PumpState(strings.ToLower(strings.TrimSpace(s))) {
	case PumpOn:
		return PumpOn, nil
	case PumpOff:
		return PumpOff, nil
	}
	return "", fmt.Errorf("invalid pump state %q", s)
}

// Mode selects who owns the pump: the threshold controller or the user.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

func ModeFromAutoFlag(auto bool) Mode {
	if auto {
		return ModeAuto
	}
	return ModeManual
}

func (m Mode) IsAuto() bool { return m == ModeAuto }

func (m Mode) Valid() bool { return m == ModeAuto || m == ModeManual }

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}
