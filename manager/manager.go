// Package manager implements the instance manager (spec §4.5): it
// creates one servo.Instance per configuration block, rejects a second
// instance bound to an already-claimed hardware clock, subscribes once
// to the feed's event notifications, and routes engine control messages
// to the named instance.
//
// Per-instance slot tracking is a plain mutex-guarded map — grounded on
// the teacher's eventloop/registry.go ID-keyed table, trimmed down since
// instances here are never garbage-collected concurrently with readers
// the way promises are.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/tsyncd/config"
	"github.com/joeycumines/tsyncd/driver"
	"github.com/joeycumines/tsyncd/feed"
	"github.com/joeycumines/tsyncd/servo"
	"github.com/joeycumines/tsyncd/tslog"
)

// ErrBusy is returned when a clock is already bound to a live instance
// (spec §4.5, "reject duplicates with BUSY").
var ErrBusy = errors.New("manager: clock already bound to an instance")

// ErrNotFound is returned when a control message names an unknown
// instance.
var ErrNotFound = errors.New("manager: instance not found")

// Manager owns every servo.Instance in the process.
type Manager struct {
	feedSvc *feed.Service
	log     *tslog.Logger

	mu        sync.Mutex
	instances map[string]*servo.Instance
	clocks    map[string]string // clock name -> instance name

	eventCh chan feed.Event
	wg      sync.WaitGroup
}

// New constructs a Manager bound to the given feed service.
func New(feedSvc *feed.Service, log *tslog.Logger) *Manager {
	if log == nil {
		log = tslog.Nop()
	}
	return &Manager{
		feedSvc:   feedSvc,
		log:       log,
		instances: make(map[string]*servo.Instance),
		clocks:    make(map[string]string),
	}
}

// AddInstance creates and starts a servo.Instance for cfg, bound to
// clock. If clock.Name() is already bound to a live instance, AddInstance
// returns ErrBusy (spec §4.5) and does not start anything.
func (m *Manager) AddInstance(ctx context.Context, cfg config.Instance, clock driver.Clock, tod driver.TimeOfDay, eng driver.Engine) (*servo.Instance, error) {
	m.mu.Lock()
	if _, busy := m.clocks[clock.Name()]; busy {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	if _, exists := m.instances[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: instance %q already exists", cfg.Name)
	}
	m.mu.Unlock()

	var feedSub *feed.Subscription
	if m.feedSvc != nil {
		// Requests a 1s (log2 0) per-source cadence; AddClock raises it to
		// the feed's global minimum when the global period is slower.
		src, err := m.feedSvc.AddClock(clock, 0)
		if err != nil {
			return nil, fmt.Errorf("manager: add clock %s: %w", clock.Name(), err)
		}
		feedSub, err = m.feedSvc.Subscribe(src)
		if err != nil {
			return nil, fmt.Errorf("manager: subscribe clock %s: %w", clock.Name(), err)
		}
	}

	ins, err := servo.New(cfg.Name, cfg, clock, tod, eng, m.feedSvc, feedSub, m.log)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[cfg.Name] = ins
	m.clocks[clock.Name()] = cfg.Name
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := ins.Run(ctx); err != nil {
			m.log.Warning().Str("instance", cfg.Name).Err(err).Log("instance loop exited")
		}
	}()

	return ins, nil
}

// RemoveInstance tears down and forgets a named instance.
func (m *Manager) RemoveInstance(ctx context.Context, name string) error {
	m.mu.Lock()
	ins, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.instances, name)
	for clock, inst := range m.clocks {
		if inst == name {
			delete(m.clocks, clock)
		}
	}
	m.mu.Unlock()

	return ins.Shutdown(ctx)
}

func (m *Manager) lookup(name string) (*servo.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.instances[name]
	if !ok {
		return nil, ErrNotFound
	}
	return ins, nil
}

// GetStatus routes a GET_STATUS message to the named instance.
func (m *Manager) GetStatus(name string) (servo.Status, error) {
	ins, err := m.lookup(name)
	if err != nil {
		return servo.Status{}, err
	}
	return ins.GetStatus()
}

// Control routes a CONTROL(mask, flags) message to the named instance.
func (m *Manager) Control(name string, mask, flags servo.ControlFlag) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.Control(mask, flags)
}

// StepClock routes a STEP_CLOCK(offset) message to the named instance.
func (m *Manager) StepClock(name string, offset time.Duration) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.StepClock(offset)
}

// SaveState routes a SAVE_STATE message to the named instance.
func (m *Manager) SaveState(name string) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.SaveState()
}

// ServoPIDAdjust multicasts SERVO_PID_ADJUST to every instance whose name
// is in names (spec §6: "a multicast SERVO_PID_ADJUST").
func (m *Manager) ServoPIDAdjust(names []string, kp, ki, kd float64, reset bool) error {
	var firstErr error
	for _, name := range names {
		ins, err := m.lookup(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := ins.ServoPIDAdjust(kp, ki, kd, reset); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogStats routes a LOG_STATS message to the named instance.
func (m *Manager) LogStats(name string, _ time.Time) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.LogStats()
}

// StatsEndPeriod routes a STATS_END_PERIOD message to the named
// instance.
func (m *Manager) StatsEndPeriod(name string, _ time.Time) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.StatsEndPeriod()
}

// WriteState routes a request for the persisted-state text (spec §6,
// the WriteState half of SAVE_STATE) to the named instance.
func (m *Manager) WriteState(name string, w io.Writer) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.WriteState(w)
}

// WriteTopology routes a WRITE_TOPOLOGY(stream) message to the named
// instance.
func (m *Manager) WriteTopology(name string, w io.Writer) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.WriteTopology(w)
}

// TestMode routes a TEST_MODE(id) message to the named instance.
func (m *Manager) TestMode(name string, id int) error {
	ins, err := m.lookup(name)
	if err != nil {
		return err
	}
	return ins.TestMode(id)
}

// Run subscribes once to the feed's SYNC_EVENT notifications and, on
// each one, ticks every live instance (spec §4.5). It blocks until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.feedSvc == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	m.eventCh = make(chan feed.Event, 1)
	if err := m.feedSvc.SubscribeEvents(m.eventCh); err != nil {
		return err
	}
	defer func() { _ = m.feedSvc.UnsubscribeEvents(m.eventCh) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.eventCh:
			m.tickAll()
		}
	}
}

func (m *Manager) tickAll() {
	m.mu.Lock()
	instances := make([]*servo.Instance, 0, len(m.instances))
	for _, ins := range m.instances {
		instances = append(instances, ins)
	}
	m.mu.Unlock()

	for _, ins := range instances {
		ins.Tick()
	}
}

// Shutdown tears down every instance and waits for their loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	instances := make([]*servo.Instance, 0, len(m.instances))
	for _, ins := range m.instances {
		instances = append(instances, ins)
	}
	m.mu.Unlock()

	var firstErr error
	for _, ins := range instances {
		if err := ins.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}
