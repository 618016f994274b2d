package model

import (
	"github.com/LeonardoBeccarini/greenthumb/internal/model/entities"
	"github.com/LeonardoBeccarini/greenthumb/internal/model/messages"
)

// Aliases so services import a single package.

type (
	PumpState         = entities.PumpState
	Mode              = entities.Mode
	ThresholdConfig   = entities.ThresholdConfig
	Settings          = entities.Settings
	Reading           = messages.Reading
	MonitorSnapshot   = messages.MonitorSnapshot
	PumpCommand       = messages.PumpCommand
	CommandSource     = messages.CommandSource
	PumpDecisionEvent = messages.PumpDecisionEvent
)

const (
	PumpOn  = entities.PumpOn
	PumpOff = entities.PumpOff

	ModeAuto   = entities.ModeAuto
	ModeManual = entities.ModeManual

	SourceAuto   = messages.SourceAuto
	SourceManual = messages.SourceManual
	SourceMode   = messages.SourceMode
)

var (
	ErrInvalidConfiguration = entities.ErrInvalidConfiguration
	ErrInvalidReading       = entities.ErrInvalidReading

	DefaultSettings   = entities.DefaultSettings
	DefaultThresholds = entities.DefaultThresholds
	PumpStateFromBool = entities.PumpStateFromBool
	ModeFromAutoFlag  = entities.ModeFromAutoFlag
	ParseMode         = entities.ParseMode
	ParsePumpState    = entities.ParsePumpState
	ValidMoisture     = entities.ValidMoisture
)
