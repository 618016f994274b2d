package pump_controller

import (
	"context"
	"sync"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// fakeActuator records writes. When results is set each write blocks until the
// test sends its outcome; otherwise writes succeed at once.
type fakeActuator struct {
	mu      sync.Mutex
	writes  []model.PumpCommand
	started chan model.PumpCommand
	results chan error

	readState model.PumpState
	readErr   error
	// readFrom, when set, answers reads from the latest stored snapshot.
	readFrom *fakeStore
}

func (f *fakeActuator) WritePump(ctx context.Context, cmd model.PumpCommand) error {
	f.mu.Lock()
	f.writes = append(f.writes, cmd)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- cmd
	}
	if f.results == nil {
		return nil
	}
	select {
	case err := <-f.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeActuator) ReadPump(_ context.Context, id string) (model.PumpState, error) {
	f.mu.Lock()
	store := f.readFrom
	f.mu.Unlock()
	if store != nil {
		snap, ok := store.Monitor(id)
		if !ok {
			return "", ErrStaleRead
		}
		return snap.PumpState(), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readState, f.readErr
}

func (f *fakeActuator) setRead(state model.PumpState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readState, f.readErr = state, err
}

func (f *fakeActuator) Writes() []model.PumpCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PumpCommand, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	settings map[string]model.Settings
	monitors map[string]model.MonitorSnapshot
	saves    int
	// hold, when set, blocks SaveMonitor until it is closed.
	hold chan struct{}
}

func newFakeStore(settings ...model.Settings) *fakeStore {
	s := &fakeStore{settings: map[string]model.Settings{}, monitors: map[string]model.MonitorSnapshot{}}
	for _, st := range settings {
		s.settings[st.DeviceID] = st
	}
	return s
}

func (s *fakeStore) LoadSettings(_ context.Context, id string) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.settings[id]; ok {
		return st, nil
	}
	st := model.DefaultSettings(id)
	s.settings[id] = st
	return st, nil
}

func (s *fakeStore) SaveSettings(_ context.Context, st model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.DeviceID] = st
	s.saves++
	return nil
}

func (s *fakeStore) SaveMonitor(_ context.Context, snap model.MonitorSnapshot) error {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[snap.DeviceID] = snap
	return nil
}

func (s *fakeStore) Settings(id string) model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[id]
}

func (s *fakeStore) Monitor(id string) (model.MonitorSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	return m, ok
}

type fakeNotifier struct {
	mu        sync.Mutex
	settings  []model.Settings
	decisions []model.PumpDecisionEvent
}

func (n *fakeNotifier) PublishSettings(_ context.Context, s model.Settings) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settings = append(n.settings, s)
	return nil
}

func (n *fakeNotifier) PublishDecision(_ context.Context, evt model.PumpDecisionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, evt)
	return nil
}

func (n *fakeNotifier) Decisions() []model.PumpDecisionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.PumpDecisionEvent, len(n.decisions))
	copy(out, n.decisions)
	return out
}

func (n *fakeNotifier) Settings() []model.Settings {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.Settings, len(n.settings))
	copy(out, n.settings)
	return out
}

func (s *fakeStore) holdMonitors() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	return s.hold
}
