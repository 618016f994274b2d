package pump_controller

import (
	"time"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// job is one pump command travelling through the dispatcher. reply, when set, is
// buffered and receives exactly one value.
type job struct {
	cmd      model.PumpCommand
	moisture float64
	reply    chan error
	started  time.Time
}

func (j *job) release(err error) {
	if j.reply != nil {
		j.reply <- err
	}
}

type slot struct {
	inFlight *job
	queued   *job
}

// dispatcher keeps at most one write in flight per device. A command submitted
// while one is in flight replaces whatever was queued (last intent wins). It is
// owned by the controller loop and not safe for concurrent use.
type dispatcher struct {
	slots map[string]*slot
}

func newDispatcher() *dispatcher {
	return &dispatcher{slots: make(map[string]*slot)}
}

func (d *dispatcher) slot(deviceID string) *slot {
	s, ok := d.slots[deviceID]
	if !ok {
		s = &slot{}
		d.slots[deviceID] = s
	}
	return s
}

// submit returns the job to start now (nil when one is already in flight) and the
// job it displaced from the queue, if any.
func (d *dispatcher) submit(j *job) (start, superseded *job) {
	s := d.slot(j.cmd.DeviceID)
	if s.inFlight == nil {
		s.inFlight = j
		return j, nil
	}
	superseded = s.queued
	s.queued = j
	return nil, superseded
}

// complete clears the in-flight write and promotes the queued job, returning it.
func (d *dispatcher) complete(deviceID string) (next *job) {
	s := d.slot(deviceID)
	s.inFlight = nil
	if s.queued != nil {
		next = s.queued
		s.queued = nil
		s.inFlight = next
	}
	return next
}

func (d *dispatcher) hasQueued(deviceID string) bool {
	s, ok := d.slots[deviceID]
	return ok && s.queued != nil
}

func (d *dispatcher) busy(deviceID string) bool {
	s, ok := d.slots[deviceID]
	return ok && s.inFlight != nil
}

// drain removes every queued job so their waiters can be released on shutdown.
func (d *dispatcher) drain() []*job {
	var out []*job
	for _, s := range d.slots {
		if s.queued != nil {
			out = append(out, s.queued)
			s.queued = nil
		}
	}
	return out
}
