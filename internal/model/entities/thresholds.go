package entities

import (
	"errors"
	"fmt"
	"math"
)

const (
	MoistureMin = 0.0
	MoistureMax = 100.0

	DefaultLowerThreshold = 30.0
	DefaultUpperThreshold = 60.0
)

var (
	// ErrInvalidConfiguration is returned for threshold pairs the controller must not evaluate.
	ErrInvalidConfiguration = errors.New("invalid threshold configuration")
	// ErrInvalidReading is returned for moisture values outside [0,100].
	ErrInvalidReading = errors.New("invalid moisture reading")
)

// ThresholdConfig holds the hysteresis band. The pump turns ON at or below Lower
// and OFF at or above Upper.
type ThresholdConfig struct {
	Lower float64 `json:"lowerMoistureThreshold"`
	Upper float64 `json:"upperMoistureThreshold"`
}

func DefaultThresholds() ThresholdConfig {
	return ThresholdConfig{Lower: DefaultLowerThreshold, Upper: DefaultUpperThreshold}
}

// Validate checks Lower < Upper and that both lie in the moisture range.
func (t ThresholdConfig) Validate() error {
	if !inRange(t.Lower) || !inRange(t.Upper) {
		return fmt.Errorf("%w: thresholds %.1f/%.1f outside [%.0f,%.0f]",
			ErrInvalidConfiguration, t.Lower, t.Upper, MoistureMin, MoistureMax)
	}
	if t.Lower >= t.Upper {
		return fmt.Errorf("%w: lower %.1f must be below upper %.1f", ErrInvalidConfiguration, t.Lower, t.Upper)
	}
	return nil
}

// WithLower is the edit boundary for the lower threshold: the new value must stay
// at least gap below the current upper threshold.
func (t ThresholdConfig) WithLower(v, gap float64) (ThresholdConfig, error) {
	if !inRange(v) {
		return t, fmt.Errorf("%w: lower %.1f outside [%.0f,%.0f]", ErrInvalidConfiguration, v, MoistureMin, MoistureMax)
	}
	if v > t.Upper-math.Max(gap, 0) || v >= t.Upper {
		return t, fmt.Errorf("%w: lower %.1f must stay below upper %.1f (gap %.1f)", ErrInvalidConfiguration, v, t.Upper, gap)
	}
	t.Lower = v
	return t, nil
}

// WithUpper mirrors WithLower for the upper threshold.
func (t ThresholdConfig) WithUpper(v, gap float64) (ThresholdConfig, error) {
	if !inRange(v) {
		return t, fmt.Errorf("%w: upper %.1f outside [%.0f,%.0f]", ErrInvalidConfiguration, v, MoistureMin, MoistureMax)
	}
	if v < t.Lower+math.Max(gap, 0) || v <= t.Lower {
		return t, fmt.Errorf("%w: upper %.1f must stay above lower %.1f (gap %.1f)", ErrInvalidConfiguration, v, t.Lower, gap)
	}
	t.Upper = v
	return t, nil
}

// WithBounds replaces both thresholds at once under the same gap rule.
func (t ThresholdConfig) WithBounds(lower, upper, gap float64) (ThresholdConfig, error) {
	next := ThresholdConfig{Lower: lower, Upper: upper}
	if err := next.Validate(); err != nil {
		return t, err
	}
	if upper-lower < math.Max(gap, 0) {
		return t, fmt.Errorf("%w: thresholds %.1f/%.1f closer than gap %.1f", ErrInvalidConfiguration, lower, upper, gap)
	}
	return next, nil
}

// ValidMoisture reports whether v is a usable moisture percentage.
func ValidMoisture(v float64) bool { return inRange(v) }

func inRange(v float64) bool {
	return !math.IsNaN(v) && v >= MoistureMin && v <= MoistureMax
}
