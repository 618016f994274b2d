package pump_controller

import "github.com/LeonardoBeccarini/greenthumb/internal/model"

// GateAction is what a mode switch asks of the caller.
type GateAction int

const (
	GateNoop     GateAction = iota
	GateForceOff            // AUTO -> MANUAL: write OFF unconditionally
	GateResync              // MANUAL -> AUTO: read the actuator and adopt its state
)

// ModeGate tracks who owns the pump. While a resync is pending readings are
// recorded but not evaluated.
type ModeGate struct {
	mode      model.Mode
	resyncing bool
	epoch     uint64
}

func NewModeGate(mode model.Mode) ModeGate {
	if !mode.Valid() {
		mode = model.ModeAuto
	}
	return ModeGate{mode: mode}
}

func (g *ModeGate) Mode() model.Mode { return g.mode }

func (g *ModeGate) Resyncing() bool { return g.resyncing }

// Epoch identifies the latest switch; a resync result from an older epoch is stale.
func (g *ModeGate) Epoch() uint64 { return g.epoch }

// Switch moves to mode and reports the action the switch requires.
func (g *ModeGate) Switch(to model.Mode) GateAction {
	if to == g.mode || !to.Valid() {
		return GateNoop
	}
	g.epoch++
	g.mode = to
	if to == model.ModeManual {
		g.resyncing = false
		return GateForceOff
	}
	g.resyncing = true
	return GateResync
}

// CompleteResync ends the pending resync for epoch. It returns false when the
// result belongs to an earlier switch.
func (g *ModeGate) CompleteResync(epoch uint64) bool {
	if !g.resyncing || epoch != g.epoch {
		return false
	}
	g.resyncing = false
	return true
}

// Evaluates reports whether readings go through Decide.
func (g *ModeGate) Evaluates() bool {
	return g.mode.IsAuto() && !g.resyncing
}

// AllowManual returns ErrAutoMode unless user pump commands are accepted.
func (g *ModeGate) AllowManual() error {
	if g.mode.IsAuto() {
		return ErrAutoMode
	}
	return nil
}
