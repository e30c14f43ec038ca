package driver

import (
	"sync"
	"time"
)

// FakeClock is a deterministic, in-process Clock used by tests and by
// cmd/tsyncd's demo mode. Events are pushed explicitly via PushEvent;
// Compare returns whatever Diff is currently set.
type FakeClock struct {
	mu sync.Mutex

	name       string
	id         string
	diffMethod string
	shmMethod  string

	diff    time.Duration
	diffErr error

	shmEnabled bool

	events    []fakeEvent
	freqPPB   float64
	freqCorr  float64
	maxFreqPB float64

	fd   int
	hasFD bool
}

type fakeEvent struct {
	seq uint32
	ts  time.Time
	err error
}

// NewFakeClock returns a FakeClock named name with the given maximum
// frequency adjustment (ppb).
func NewFakeClock(name string, maxFreqAdjustPPB float64) *FakeClock {
	return &FakeClock{
		name:       name,
		maxFreqPB:  maxFreqAdjustPPB,
		id:         name + "-id",
		diffMethod: "pps",
		shmMethod:  "shm",
	}
}

func (c *FakeClock) Name() string       { return c.name }
func (c *FakeClock) ID() string         { return c.id }
func (c *FakeClock) DiffMethod() string { return c.diffMethod }
func (c *FakeClock) SHMMethod() string  { return c.shmMethod }

// SetDiff sets the value the next Compare call(s) will return.
func (c *FakeClock) SetDiff(d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diff, c.diffErr = d, err
}

func (c *FakeClock) Compare() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diff, c.diffErr
}

func (c *FakeClock) EnableSHM() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shmEnabled = true
	return nil
}

func (c *FakeClock) DisableSHM() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shmEnabled = false
	return nil
}

// PushEvent queues a hardware timestamp edge for the next GetEvent call.
// Use driver.SeqNumUnused for seq when simulating a driver without a
// sequence-number concept.
func (c *FakeClock) PushEvent(seq uint32, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, fakeEvent{seq: seq, ts: ts})
}

// PushError queues a driver error for the next GetEvent call (use
// ErrAgain to simulate "no event").
func (c *FakeClock) PushError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, fakeEvent{err: err})
}

func (c *FakeClock) GetEvent() (uint32, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return 0, time.Time{}, ErrAgain
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e.seq, e.ts, e.err
}

// SetFD configures the descriptor FD() reports, if any.
func (c *FakeClock) SetFD(fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fd, c.hasFD = fd, true
}

func (c *FakeClock) FD() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd, c.hasFD
}

func (c *FakeClock) AdjustFrequency(ppb float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqPPB = ppb
	return nil
}

func (c *FakeClock) AdjustTime(time.Duration) error { return nil }

func (c *FakeClock) FreqCorrection() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqCorr, nil
}

func (c *FakeClock) SaveFreqCorrection(ppb float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqCorr = ppb
	return nil
}

func (c *FakeClock) MaxFrequencyAdjustment() float64 { return c.maxFreqPB }

// LastFrequency returns the most recent AdjustFrequency argument, for
// test assertions.
func (c *FakeClock) LastFrequency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqPPB
}

// FakeTimeOfDay is a settable TimeOfDay test double.
type FakeTimeOfDay struct {
	mu     sync.Mutex
	status TimeOfDayStatus
	err    error
}

func NewFakeTimeOfDay() *FakeTimeOfDay {
	return &FakeTimeOfDay{status: TimeOfDayStatus{State: ModuleListening}}
}

func (t *FakeTimeOfDay) Set(status TimeOfDayStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status, t.err = status, err
}

func (t *FakeTimeOfDay) Status() (TimeOfDayStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.err
}

// FakeEngine records every call made to it, for test assertions, and
// lets tests register peer TimeOfDay/sync-instance lookups.
type FakeEngine struct {
	mu sync.Mutex

	RTStats          []RTStats
	ClusteringInputs []ClusteringInput
	StateChanges     []string

	instances map[string]TimeOfDay
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{instances: make(map[string]TimeOfDay)}
}

func (e *FakeEngine) RegisterInstance(name string, tod TimeOfDay) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[name] = tod
}

func (e *FakeEngine) PostRTStats(stats RTStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RTStats = append(e.RTStats, stats)
}

func (e *FakeEngine) ClusteringInput(input ClusteringInput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ClusteringInputs = append(e.ClusteringInputs, input)
}

func (e *FakeEngine) SyncInstanceStateChanged(instance, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StateChanges = append(e.StateChanges, instance+":"+state)
}

func (e *FakeEngine) GetSyncInstanceByName(name string) (TimeOfDay, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tod, ok := e.instances[name]
	return tod, ok
}
