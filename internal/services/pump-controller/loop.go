package pump_controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

type event interface{}

type snapshotEvent struct {
	snap model.MonitorSnapshot
}

type settingsEvent struct {
	deviceID string
	payload  []byte
}

type modeEvent struct {
	deviceID string
	mode     model.Mode
	reply    chan error
}

type pumpEvent struct {
	deviceID string
	state    model.PumpState
	reply    chan error
}

type thresholdsResult struct {
	cfg model.ThresholdConfig
	err error
}

type thresholdsEvent struct {
	deviceID     string
	lower, upper *float64
	reply        chan thresholdsResult
}

type statusEvent struct {
	deviceID string
	reply    chan DeviceStatus
}

type actuationDoneEvent struct {
	job *job
	err error
}

type resyncDoneEvent struct {
	deviceID string
	epoch    uint64
	state    model.PumpState
	err      error
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case snapshotEvent:
		c.onSnapshot(ctx, e)
	case settingsEvent:
		c.onSettings(ctx, e)
	case modeEvent:
		c.onMode(ctx, e)
	case pumpEvent:
		c.onPump(ctx, e)
	case thresholdsEvent:
		c.onThresholds(ctx, e)
	case statusEvent:
		c.onStatus(e)
	case actuationDoneEvent:
		c.onActuationDone(ctx, e)
	case resyncDoneEvent:
		c.onResyncDone(e)
	default:
		c.log.Errorf("unknown event %T", ev)
	}
}

func (c *Controller) onSnapshot(ctx context.Context, e snapshotEvent) {
	snap := e.snap
	u, ok := c.units[snap.DeviceID]
	if !ok {
		c.metrics.dropped("unknown_device")
		c.log.WithField("device_id", snap.DeviceID).Warn("reading from unknown device ignored")
		return
	}
	log := c.log.WithFields(logrus.Fields{"device_id": u.DeviceID, "moisture": snap.SoilMoisture})

	r := snap.Reading()
	intent, err := u.ApplyReading(r, snap.PumpState())
	switch {
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.dropped("out_of_order")
		log.WithError(err).Debug("reading dropped")
		return
	case errors.Is(err, model.ErrInvalidReading):
		c.metrics.dropped("invalid")
		log.WithError(err).Warn("reading dropped")
		return
	case err != nil:
		log.WithError(err).Warn("reading recorded but not evaluated")
	}

	c.metrics.reading(u.DeviceID)
	c.post(ctx, func(ctx context.Context) {
		if err := c.store.SaveMonitor(ctx, snap); err != nil {
			c.log.WithError(err).WithField("device_id", snap.DeviceID).Warn("save snapshot failed")
		}
	})

	if intent != nil {
		c.metrics.decision(u.DeviceID, string(intent.State))
		log.WithFields(logrus.Fields{"state": intent.State, "reason": intent.Reason}).Info("threshold transition")
		c.dispatch(ctx, u, *intent, nil)
	}
}

func (c *Controller) onSettings(ctx context.Context, e settingsEvent) {
	u, ok := c.units[e.deviceID]
	if !ok {
		return
	}
	log := c.log.WithField("device_id", u.DeviceID)

	merged := u.Settings()
	merged.UpdatedAt = time.Time{}
	if err := json.Unmarshal(e.payload, &merged); err != nil {
		log.WithError(err).Warn("bad settings payload")
		return
	}
	merged.DeviceID = u.DeviceID

	before := u.UpdatedAt
	intent, resync, err := u.ApplySettings(merged, c.opts.Now().UTC())
	if err != nil {
		log.WithError(err).Warn("settings rejected")
		return
	}
	if u.UpdatedAt.Equal(before) {
		return
	}
	log.WithFields(logrus.Fields{
		"mode":  u.Gate.Mode(),
		"lower": u.Thresholds.Lower,
		"upper": u.Thresholds.Upper,
	}).Info("settings applied")

	settings := u.Settings()
	c.post(ctx, func(ctx context.Context) {
		if err := c.store.SaveSettings(ctx, settings); err != nil {
			log.WithError(err).Warn("save settings failed")
		}
	})
	c.afterModeSwitch(ctx, u, intent, resync, nil)
}

func (c *Controller) onMode(ctx context.Context, e modeEvent) {
	u := c.units[e.deviceID]
	intent, resync := u.SetMode(e.mode, c.opts.Now().UTC())
	if intent == nil && !resync {
		e.reply <- nil
		return
	}
	c.log.WithFields(logrus.Fields{"device_id": u.DeviceID, "mode": e.mode}).Info("mode switched")
	c.persistSettings(ctx, u)
	c.afterModeSwitch(ctx, u, intent, resync, e.reply)
}

// afterModeSwitch dispatches the forced OFF or starts the resync read. reply, if
// set, is released when the forced OFF completes, or at once otherwise.
func (c *Controller) afterModeSwitch(ctx context.Context, u *Unit, intent *Intent, resync bool, reply chan error) {
	if intent != nil {
		c.dispatch(ctx, u, *intent, reply)
		reply = nil
	}
	if resync {
		c.startResync(ctx, u)
	}
	if reply != nil {
		reply <- nil
	}
}

func (c *Controller) onPump(ctx context.Context, e pumpEvent) {
	u := c.units[e.deviceID]
	intent, err := u.ManualToggle(e.state)
	if err != nil {
		e.reply <- err
		return
	}
	c.dispatch(ctx, u, *intent, e.reply)
}

func (c *Controller) onThresholds(ctx context.Context, e thresholdsEvent) {
	u := c.units[e.deviceID]
	cfg, err := u.EditThresholds(e.lower, e.upper, c.opts.MinGap, c.opts.Now().UTC())
	if err == nil {
		c.log.WithFields(logrus.Fields{"device_id": u.DeviceID, "lower": cfg.Lower, "upper": cfg.Upper}).Info("thresholds updated")
		c.persistSettings(ctx, u)
	}
	e.reply <- thresholdsResult{cfg: cfg, err: err}
}

func (c *Controller) onStatus(e statusEvent) {
	u := c.units[e.deviceID]
	st := DeviceStatus{
		DeviceID:        u.DeviceID,
		Mode:            u.Gate.Mode(),
		IsAutoMode:      u.Gate.Mode().IsAuto(),
		Thresholds:      u.Thresholds,
		Pump:            u.Pump,
		PumpStatus:      u.Pump.Bool(),
		Confirmed:       u.Confirmed,
		Reported:        u.Reported,
		Resyncing:       u.Gate.Resyncing(),
		ActuationActive: c.disp.busy(u.DeviceID),
		UpdatedAt:       u.UpdatedAt,
	}
	if u.LastReading != nil {
		r := *u.LastReading
		st.LastReading = &r
	}
	e.reply <- st
}

func (c *Controller) persistSettings(ctx context.Context, u *Unit) {
	settings := u.Settings()
	c.post(ctx, func(ctx context.Context) {
		log := c.log.WithField("device_id", settings.DeviceID)
		if err := c.store.SaveSettings(ctx, settings); err != nil {
			log.WithError(err).Warn("save settings failed")
		}
		if c.notifier != nil {
			if err := c.notifier.PublishSettings(ctx, settings); err != nil {
				log.WithError(err).Warn("publish settings failed")
			}
		}
	})
}

/************* actuation *************/

func (c *Controller) dispatch(ctx context.Context, u *Unit, intent Intent, reply chan error) {
	cmd := model.PumpCommand{
		CommandID: c.opts.NewID(),
		DeviceID:  u.DeviceID,
		State:     intent.State,
		Source:    intent.Source,
		Reason:    intent.Reason,
		Timestamp: c.opts.Now().UTC(),
	}
	j := &job{cmd: cmd, reply: reply}
	if u.LastReading != nil {
		j.moisture = u.LastReading.Moisture
	}

	start, superseded := c.disp.submit(j)
	if superseded != nil {
		c.metrics.superseded()
		c.log.WithFields(logrus.Fields{
			"device_id":  u.DeviceID,
			"command_id": superseded.cmd.CommandID,
			"by":         cmd.CommandID,
		}).Info("queued command superseded")
		superseded.release(ErrSuperseded)
	}
	if start != nil {
		c.startWrite(ctx, start)
	}
}

func (c *Controller) startWrite(ctx context.Context, j *job) {
	j.started = c.opts.Now()
	go func() {
		wctx, cancel := context.WithTimeout(ctx, c.opts.ActuationTimeout)
		err := c.actuator.WritePump(wctx, j.cmd)
		cancel()
		select {
		case c.events <- actuationDoneEvent{job: j, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onActuationDone(ctx context.Context, e actuationDoneEvent) {
	j := e.job
	id := j.cmd.DeviceID
	u := c.units[id]

	err := e.err
	if err != nil && !errors.Is(err, ErrActuationWrite) {
		err = fmt.Errorf("%w: %v", ErrActuationWrite, err)
	}
	queued := c.disp.hasQueued(id)
	u.ActuationDone(j.cmd.State, err, queued)
	c.metrics.command(id, string(j.cmd.Source), err, c.opts.Now().Sub(j.started))

	log := c.log.WithFields(logrus.Fields{
		"device_id":  id,
		"command_id": j.cmd.CommandID,
		"state":      j.cmd.State,
		"source":     j.cmd.Source,
	})
	evt := model.PumpDecisionEvent{
		CommandID: j.cmd.CommandID,
		DeviceID:  id,
		State:     j.cmd.State,
		Source:    j.cmd.Source,
		Reason:    j.cmd.Reason,
		Moisture:  j.moisture,
		Lower:     u.Thresholds.Lower,
		Upper:     u.Thresholds.Upper,
		Status:    "OK",
		Timestamp: c.opts.Now().UTC(),
	}
	if err != nil {
		evt.Status = "FAIL"
		evt.Error = err.Error()
		log.WithError(err).WithField("pump", u.Pump).Warn("pump command failed")
	} else {
		log.Info("pump command delivered")
	}
	if c.notifier != nil {
		c.post(ctx, func(ctx context.Context) {
			if err := c.notifier.PublishDecision(ctx, evt); err != nil {
				c.log.WithError(err).WithField("device_id", id).Warn("publish decision failed")
			}
		})
	}

	j.release(err)
	if next := c.disp.complete(id); next != nil {
		c.startWrite(ctx, next)
	}
}

/************* resync *************/

// startResync reads the actuator state once every snapshot handled before the
// switch has reached the store.
func (c *Controller) startResync(ctx context.Context, u *Unit) {
	id, epoch := u.DeviceID, u.Gate.Epoch()
	flushed := make(chan struct{})
	c.post(ctx, func(context.Context) { close(flushed) })
	go func() {
		select {
		case <-flushed:
		case <-ctx.Done():
			return
		}
		rctx, cancel := context.WithTimeout(ctx, c.opts.ResyncTimeout)
		state, err := c.actuator.ReadPump(rctx, id)
		cancel()
		if err != nil && !errors.Is(err, ErrStaleRead) {
			err = fmt.Errorf("%w: %v", ErrStaleRead, err)
		}
		select {
		case c.events <- resyncDoneEvent{deviceID: id, epoch: epoch, state: state, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onResyncDone(e resyncDoneEvent) {
	u := c.units[e.deviceID]
	log := c.log.WithField("device_id", e.deviceID)
	if !u.CompleteResync(e.epoch, e.state, e.err) {
		log.Debug("stale resync result ignored")
		return
	}
	if e.err != nil {
		log.WithError(e.err).WithField("pump", u.Pump).Warn("resync read failed, kept last confirmed state")
		return
	}
	log.WithField("pump", u.Pump).Info("resynced with actuator")
}
