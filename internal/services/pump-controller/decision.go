package pump_controller

import (
	"fmt"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// Decision is the outcome of one evaluation of the hysteresis rule.
type Decision struct {
	Next    model.PumpState
	Changed bool
	Reason  string
}

// Decide applies the dual-threshold rule. In MANUAL mode nothing is computed and
// the current state is held. In AUTO mode the pump turns ON when moisture is at or
// below Lower while OFF, and OFF when moisture is at or above Upper while ON;
// every other case holds.
func Decide(moisture float64, current model.PumpState, cfg model.ThresholdConfig, mode model.Mode) (Decision, error) {
	hold := Decision{Next: current}
	if !mode.IsAuto() {
		hold.Reason = "manual mode"
		return hold, nil
	}
	if err := cfg.Validate(); err != nil {
		return hold, err
	}
	if !model.ValidMoisture(moisture) {
		return hold, fmt.Errorf("%w: %v", model.ErrInvalidReading, moisture)
	}

	switch {
	case moisture <= cfg.Lower && current == model.PumpOff:
		return Decision{
			Next:    model.PumpOn,
			Changed: true,
			Reason:  fmt.Sprintf("moisture %.1f%% <= lower %.1f%%", moisture, cfg.Lower),
		}, nil
	case moisture >= cfg.Upper && current == model.PumpOn:
		return Decision{
			Next:    model.PumpOff,
			Changed: true,
			Reason:  fmt.Sprintf("moisture %.1f%% >= upper %.1f%%", moisture, cfg.Upper),
		}, nil
	}
	hold.Reason = "hold"
	return hold, nil
}
