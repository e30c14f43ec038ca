// Package servo implements the SHM servo instance (spec §4.4): a
// per-clock state machine that consumes a hardware timestamp stream plus
// an external time-of-day source, gates the signal through the filter
// kit, and drives a PID controller to discipline a local reference
// clock.
//
// Each Instance owns its own github.com/joeycumines/go-eventloop Loop,
// mirroring the feed service's mailbox-thread idiom: control-plane
// operations (GetStatus, Control, StepClock, ...) are dispatched as
// Submit closures and run serially on the instance's own goroutine,
// alongside the housekeeping timer and any hardware-FD readiness
// callback.
package servo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/tsyncd/config"
	"github.com/joeycumines/tsyncd/driver"
	"github.com/joeycumines/tsyncd/feed"
	"github.com/joeycumines/tsyncd/filters"
	"github.com/joeycumines/tsyncd/internal/runstate"
	"github.com/joeycumines/tsyncd/stats"
	"github.com/joeycumines/tsyncd/tslog"
)

// Sync states (spec §4.4, "State machine").
const (
	StateListening uint32 = iota
	StateSlave
	StateFaulty
)

func stateString(s uint32) string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateSlave:
		return "SLAVE"
	case StateFaulty:
		return "FAULTY"
	default:
		return "UNKNOWN"
	}
}

// Alarm is a latched condition flag (spec §3, §7).
type Alarm uint32

const (
	AlarmNoSignal Alarm = 1 << iota
	AlarmSeqNumError
	AlarmBadSignal
	AlarmNoTimeOfDay
)

// ControlFlag is one bit of the servo's control-flag set (spec §3).
type ControlFlag uint32

const (
	FlagTimestampProcessing ControlFlag = 1 << iota
	FlagClockCtrl
	FlagSelected
	FlagClusteringDeterminant
)

// StepPolicy governs the step-vs-slew decision of spec §4.4 step 7. It
// is set at runtime via SetStepPolicy rather than static configuration;
// the default is StepAtStartup.
type StepPolicy int

const (
	StepNever StepPolicy = iota
	StepAtStartup
	StepForward
	StepSlewAndStep
)

// stepThreshold is the 500ms boundary of spec §4.4 step 7 / §9's
// resolved Open Question.
const stepThreshold = 500 * time.Millisecond

// TestIDBogusSHMEvents is the TEST_MODE id that toggles the instance's
// bogus-SHM-events test flag (spec §6, TEST_MODE(id)). The flag is only
// recorded: the event path does not read it, so no out-of-sequence
// events are injected.
const TestIDBogusSHMEvents = 1

// noSignalPeriod and resetPeriod are the SLAVE-state watchdog timings of
// spec §4.4's state machine.
const (
	noSignalPeriod = 1100 * time.Millisecond
	resetPeriod    = 60 * time.Second
	pulseHealth    = 8 * time.Second
	goodPeriodGate = 3
	housekeeping   = 100 * time.Millisecond
)

// Status is a snapshot of an Instance's externally-visible state,
// returned by GetStatus.
type Status struct {
	Name                string
	State               string
	Alarms              Alarm
	ControlFlags        ControlFlag
	OffsetFromMasterNS  float64
	FreqAdjustPPB       float64
	Synchronized        bool
	ClockSteps          uint64
	SeqNumErrors        uint64
	BadSignalErrors     uint64
	Outliers            uint64
	ConsecutiveGoodRuns int
	ClusteringScore     float64
}

// Instance is one SHM servo (spec §4.4).
type Instance struct {
	name string
	cfg  config.Instance

	clock driver.Clock
	tod   driver.TimeOfDay
	eng   driver.Engine
	log   *tslog.Logger

	feedSvc *feed.Service
	feedSub *feed.Subscription

	loop *eventloop.Loop

	notch  filters.Notch
	peirce *filters.Peirce
	fir    *filters.FIR
	pid    *filters.PID
	conv   *stats.Convergence
	window *stats.Window

	limiter *catrate.Limiter

	state  *runstate.Cell
	alarms Alarm

	controlFlags ControlFlag
	stepPolicy   StepPolicy

	prevSeq        uint32
	prevTimestamp  time.Time
	firstEventMono time.Time
	lastEventMono  time.Time
	lastPIDTime    time.Time

	consecutiveGoodPeriods int
	stepPending            bool
	servoActive            bool
	testBogusEvents        bool

	freqAdjustBase float64
	freqAdjustPPB  float64
	freqAdjustMax  float64

	offsetFromMasterNS float64
	synchronized       bool
	clusteringScore    float64

	lastTodOffset time.Duration
	lastTodState  driver.ModuleState
	lastTodOK     bool

	clockSteps      uint64
	seqNumErrors    uint64
	badSignalErrors uint64
	outliers        uint64

	housekeepingCycles uint64
}

// New constructs an Instance. feedSub, if non-nil, is this instance's
// subscription to its own clock's feed Source — used during the
// time-of-day poll to obtain the system↔NIC offset (spec §4.4,
// "Time-of-day poll").
func New(name string, cfg config.Instance, clock driver.Clock, tod driver.TimeOfDay, eng driver.Engine, feedSvc *feed.Service, feedSub *feed.Subscription, log *tslog.Logger) (*Instance, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = tslog.Nop()
	}

	conv := stats.DefaultConvergence()
	if cfg.SyncThresholdNS > 0 {
		conv.Threshold = time.Duration(cfg.SyncThresholdNS)
	}

	ins := &Instance{
		name:    name,
		cfg:     cfg,
		clock:   clock,
		tod:     tod,
		eng:     eng,
		log:     log,
		feedSvc: feedSvc,
		feedSub: feedSub,
		loop:    loop,
		notch:   filters.DefaultSHMNotch,
		fir:     filters.NewFIR(cfg.FIRFilterSize),
		pid:     filters.NewPID(cfg.PIDFilterP, cfg.PIDFilterI, clock.MaxFrequencyAdjustment()),
		conv:    conv,
		window:  stats.NewWindow(0.5, 0.9, 0.99),
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Minute: 5}),
		state:   runstate.New(StateListening),

		controlFlags: FlagTimestampProcessing | FlagClockCtrl,
		stepPolicy:   StepAtStartup,

		prevSeq: driver.SeqNumUnused,

		freqAdjustMax: clock.MaxFrequencyAdjustment(),
	}
	if cfg.OutlierFilterType == config.OutlierStdDev {
		ins.peirce = filters.NewPeirce(cfg.OutlierFilterSize, cfg.OutlierFilterAdaption)
	}
	if corr, err := clock.FreqCorrection(); err == nil {
		ins.freqAdjustBase = corr
	}
	return ins, nil
}

// Name returns the instance's configured name.
func (ins *Instance) Name() string { return ins.name }

// Run starts the instance's mailbox loop, housekeeping timer, and (when
// the driver exposes one) hardware-FD integration. It blocks until ctx
// is cancelled or Shutdown is called.
func (ins *Instance) Run(ctx context.Context) error {
	if fd, ok := ins.clock.FD(); ok {
		if err := ins.loop.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) {
			ins.poll()
		}); err != nil {
			ins.log.Warning().Str("instance", ins.name).Err(err).Log("failed to register clock fd")
		}
	}

	var tick func()
	tick = func() {
		ins.poll()
		ins.houseKeep()
		if err := ins.loop.ScheduleTimer(housekeeping, tick); err != nil {
			return
		}
	}
	if err := ins.loop.ScheduleTimer(housekeeping, tick); err != nil {
		return err
	}
	return ins.loop.Run(ctx)
}

// Shutdown releases the instance's driver handles and stops its loop
// (spec §5, "Resource discipline": scoped to the instance's lifetime
// with guaranteed release on all exit paths).
func (ins *Instance) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if err := ins.loop.Submit(func() {
		_ = ins.clock.DisableSHM()
		if ins.feedSvc != nil && ins.feedSub != nil {
			_ = ins.feedSvc.Unsubscribe(ins.feedSub)
		}
		close(done)
	}); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return ins.loop.Shutdown(ctx)
}

func (ins *Instance) submitSync(fn func()) error {
	done := make(chan struct{})
	if err := ins.loop.Submit(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Tick is called by the Instance Manager after a feed SYNC_EVENT (spec
// §4.5): it asks the loop to drain any pending hardware events. It is
// fire-and-forget, matching the "runs one tick per instance" contract
// without a reply.
func (ins *Instance) Tick() {
	_ = ins.loop.Submit(func() { ins.poll() })
}

// GetStatus returns a snapshot of the instance's externally-visible
// state.
func (ins *Instance) GetStatus() (Status, error) {
	var st Status
	err := ins.submitSync(func() {
		st = Status{
			Name:                ins.name,
			State:               stateString(ins.state.Load()),
			Alarms:              ins.alarms,
			ControlFlags:        ins.controlFlags,
			OffsetFromMasterNS:  ins.offsetFromMasterNS,
			FreqAdjustPPB:       ins.freqAdjustPPB,
			Synchronized:        ins.synchronized,
			ClockSteps:          ins.clockSteps,
			SeqNumErrors:        ins.seqNumErrors,
			BadSignalErrors:     ins.badSignalErrors,
			Outliers:            ins.outliers,
			ConsecutiveGoodRuns: ins.consecutiveGoodPeriods,
			ClusteringScore:     ins.clusteringScore,
		}
	})
	return st, err
}

// Control applies mask/flags to the control-flag set (spec §4.5/§6,
// CONTROL(mask, flags)): bits set in mask are overwritten with the
// corresponding bit of flags.
func (ins *Instance) Control(mask, flags ControlFlag) error {
	return ins.submitSync(func() {
		ins.controlFlags = (ins.controlFlags &^ mask) | (flags & mask)
	})
}

// SetStepPolicy changes the step-vs-slew policy (spec §4.4 step 7).
func (ins *Instance) SetStepPolicy(p StepPolicy) error {
	return ins.submitSync(func() { ins.stepPolicy = p })
}

// StepClock commands an immediate, explicit clock step (spec §6,
// STEP_CLOCK(offset)).
func (ins *Instance) StepClock(offset time.Duration) error {
	var rpcErr error
	_ = ins.submitSync(func() {
		rpcErr = ins.step(offset)
	})
	return rpcErr
}

// ServoPIDAdjust reconfigures the PID controller (spec §6,
// SERVO_PID_ADJUST(kp,ki,kd,reset,type_mask)).
func (ins *Instance) ServoPIDAdjust(kp, ki, kd float64, reset bool) error {
	return ins.submitSync(func() {
		ins.pid.Kp, ins.pid.Ki, ins.pid.Kd = kp, ki, kd
		if reset {
			ins.pid.Reset()
		}
	})
}

// SaveState persists the current frequency adjustment to the driver as
// the clock's saved correction, mirroring the original's conditional
// save: only while the instance is synchronized with CLOCK_CTRL enabled
// (spec §6, SAVE_STATE).
func (ins *Instance) SaveState() error {
	var rpcErr error
	_ = ins.submitSync(func() {
		if ins.synchronized && ins.controlFlags&FlagClockCtrl != 0 {
			rpcErr = ins.clock.SaveFreqCorrection(ins.freqAdjustPPB)
		}
	})
	return rpcErr
}

// WriteState writes the instance's persisted-state text to w (spec §6:
// "instance name, clock name and id, state text, alarm list,
// control-flag list, interface, offset, freq adjustment, in-sync flag,
// clustering score, diff-method, shm-method").
func (ins *Instance) WriteState(w io.Writer) error {
	var rpcErr error
	_ = ins.submitSync(func() {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "instance: %s\n", ins.name)
		fmt.Fprintf(&buf, "clock-name: %s\n", ins.clock.Name())
		fmt.Fprintf(&buf, "clock-id: %s\n", ins.clock.ID())
		fmt.Fprintf(&buf, "state: %s\n", stateString(ins.state.Load()))
		fmt.Fprintf(&buf, "alarms: %s\n", alarmsText(ins.alarms))
		fmt.Fprintf(&buf, "control-flags: %s\n", controlFlagsText(ins.controlFlags))
		fmt.Fprintf(&buf, "interface: %s\n", ins.cfg.Interface)
		fmt.Fprintf(&buf, "offset: %g\n", ins.offsetFromMasterNS)
		fmt.Fprintf(&buf, "freq-adjust: %g\n", ins.freqAdjustPPB)
		fmt.Fprintf(&buf, "in-sync: %t\n", ins.synchronized)
		fmt.Fprintf(&buf, "clustering-score: %g\n", ins.clusteringScore)
		fmt.Fprintf(&buf, "diff-method: %s\n", ins.clock.DiffMethod())
		fmt.Fprintf(&buf, "shm-method: %s\n", ins.clock.SHMMethod())
		_, rpcErr = w.Write(buf.Bytes())
	})
	return rpcErr
}

// WriteTopology writes a one-line topology summary to w (spec §6,
// WRITE_TOPOLOGY(stream)).
func (ins *Instance) WriteTopology(w io.Writer) error {
	var rpcErr error
	_ = ins.submitSync(func() {
		_, rpcErr = fmt.Fprintf(w, "%s: %s via %s (%s)\n", ins.name, ins.clock.Name(), ins.cfg.Interface, stateString(ins.state.Load()))
	})
	return rpcErr
}

// TestMode toggles an engine-side test behaviour by id (spec §6,
// TEST_MODE(id)). Currently only TestIDBogusSHMEvents is defined; other
// ids are accepted as no-ops.
func (ins *Instance) TestMode(id int) error {
	return ins.submitSync(func() {
		if id == TestIDBogusSHMEvents {
			ins.testBogusEvents = !ins.testBogusEvents
		}
	})
}

// LogStats routes a LOG_STATS message to the instance, re-emitting its
// current rolling-window statistics to the engine without waiting for
// the next hardware event (spec §6, LOG_STATS(time)).
func (ins *Instance) LogStats() error {
	return ins.submitSync(func() {
		ins.postStats()
	})
}

// StatsEndPeriod closes out the current statistics period: it posts the
// final rolling-window report, then resets the window for the next
// period (spec §6, STATS_END_PERIOD(time)).
func (ins *Instance) StatsEndPeriod() error {
	return ins.submitSync(func() {
		ins.postStats()
		ins.window.Reset()
	})
}

func alarmsText(a Alarm) string {
	if a == 0 {
		return "none"
	}
	var names []string
	if a&AlarmNoSignal != 0 {
		names = append(names, "NO_SIGNAL")
	}
	if a&AlarmSeqNumError != 0 {
		names = append(names, "SEQ_NUM_ERROR")
	}
	if a&AlarmBadSignal != 0 {
		names = append(names, "BAD_SIGNAL")
	}
	if a&AlarmNoTimeOfDay != 0 {
		names = append(names, "NO_TIME_OF_DAY")
	}
	return strings.Join(names, ",")
}

func controlFlagsText(f ControlFlag) string {
	if f == 0 {
		return "none"
	}
	var names []string
	if f&FlagTimestampProcessing != 0 {
		names = append(names, "TIMESTAMP_PROCESSING")
	}
	if f&FlagClockCtrl != 0 {
		names = append(names, "CLOCK_CTRL")
	}
	if f&FlagSelected != 0 {
		names = append(names, "SELECTED")
	}
	if f&FlagClusteringDeterminant != 0 {
		names = append(names, "CLUSTERING_DETERMINANT")
	}
	return strings.Join(names, ",")
}

func (ins *Instance) step(offset time.Duration) error {
	if err := ins.clock.AdjustTime(offset); err != nil {
		return err
	}
	ins.resetFilters()
	ins.stepPending = true
	ins.clockSteps++
	ins.servoActive = true
	return nil
}

func (ins *Instance) resetFilters() {
	ins.fir.Reset()
	ins.pid.Reset()
	if ins.peirce != nil {
		ins.peirce.Reset()
	}
	ins.consecutiveGoodPeriods = 0
	ins.prevTimestamp = time.Time{}
}

func (ins *Instance) resetAll() {
	ins.resetFilters()
	ins.prevSeq = driver.SeqNumUnused
	ins.alarms = 0
	ins.conv.Reset()
}

func (ins *Instance) raiseAlarm(a Alarm) {
	if ins.alarms&a == 0 && ins.limiter != nil {
		if _, ok := ins.limiter.Allow(a); ok {
			ins.log.Warning().Str("instance", ins.name).Str("alarm", alarmsText(a)).Log("alarm raised")
		}
	}
	ins.alarms |= a
}

func (ins *Instance) clearAlarm(a Alarm) { ins.alarms &^= a }

// poll drains every pending hardware event (spec §5, "drained greedily
// each wake-up").
func (ins *Instance) poll() {
	for {
		seq, ts, err := ins.clock.GetEvent()
		if err != nil {
			if errors.Is(err, driver.ErrAgain) {
				return
			}
			ins.toFaulty(err)
			return
		}
		ins.handleEvent(seq, ts)
	}
}

func (ins *Instance) toFaulty(err error) {
	ins.state.TransitionAny(StateFaulty)
	ins.log.Err().Err(err).Str("instance", ins.name).Log("servo transitioning to FAULTY")
	ins.notifyStateChanged()
}

func (ins *Instance) notifyStateChanged() {
	if ins.eng != nil {
		ins.eng.SyncInstanceStateChanged(ins.name, stateString(ins.state.Load()))
	}
}

func (ins *Instance) handleEvent(seq uint32, ts time.Time) {
	now := time.Now()
	ins.lastEventMono = now
	if ins.firstEventMono.IsZero() {
		ins.firstEventMono = now
	}

	// Step 1: sequence-number discontinuity.
	if ins.prevSeq != driver.SeqNumUnused && seq != ins.prevSeq+1 {
		ins.raiseAlarm(AlarmSeqNumError)
		ins.seqNumErrors++
	} else {
		ins.clearAlarm(AlarmSeqNumError)
	}
	ins.prevSeq = seq

	if ins.state.TryTransition(StateFaulty, StateListening) {
		ins.resetAll()
		ins.notifyStateChanged()
	}
	if ins.state.TryTransition(StateListening, StateSlave) {
		ins.notifyStateChanged()
	}

	// Step 2: payload handling gated on TIMESTAMP_PROCESSING.
	if ins.controlFlags&FlagTimestampProcessing == 0 {
		return
	}

	// Step 3: a pending step consumes this event as the new anchor.
	if ins.stepPending {
		ins.prevTimestamp = ts
		ins.stepPending = false
		return
	}

	// Step 4: period + notch gate.
	if ins.prevTimestamp.IsZero() {
		ins.prevTimestamp = ts
		return
	}
	period := ts.Sub(ins.prevTimestamp)
	ins.prevTimestamp = ts
	if !ins.notch.Test(float64(period.Nanoseconds())) {
		ins.raiseAlarm(AlarmBadSignal)
		ins.consecutiveGoodPeriods = 0
		ins.badSignalErrors++
		return
	}
	ins.consecutiveGoodPeriods++

	// Step 5: outlier gate, once the signal has proven itself.
	if ins.consecutiveGoodPeriods >= goodPeriodGate {
		ins.clearAlarm(AlarmBadSignal)
		if ins.peirce != nil && !ins.peirce.Update(float64(period.Nanoseconds())) {
			ins.outliers++
			return
		}
	}

	// Step 6: synchronization offset.
	ins.offsetFromMasterNS = ins.computeOffset(ts)

	// Step 7: step decision.
	if ins.shouldStep() {
		absOffset := math.Abs(ins.offsetFromMasterNS)
		if absOffset >= float64(stepThreshold) && ins.controlFlags&FlagClockCtrl != 0 {
			if err := ins.step(time.Duration(int64(ins.offsetFromMasterNS))); err != nil {
				ins.log.Warning().Str("instance", ins.name).Err(err).Log("clock step failed")
			}
			return
		}
	}

	// Step 8: slew path.
	firOut := ins.fir.Update(ins.offsetFromMasterNS)
	dt := 1.0
	if !ins.lastPIDTime.IsZero() {
		dt = now.Sub(ins.lastPIDTime).Seconds()
	}
	ins.lastPIDTime = now
	pidOut := ins.pid.Update(firOut, dt)
	freq := ins.freqAdjustBase + pidOut
	if freq > ins.freqAdjustMax {
		freq = ins.freqAdjustMax
	}
	if freq < -ins.freqAdjustMax {
		freq = -ins.freqAdjustMax
	}
	ins.freqAdjustPPB = freq
	if ins.controlFlags&FlagClockCtrl != 0 {
		if err := ins.clock.AdjustFrequency(freq); err != nil {
			ins.log.Warning().Str("instance", ins.name).Err(err).Log("frequency adjust failed")
		} else {
			ins.servoActive = true
		}
	}

	// Step 9: stats emission.
	ins.emitStats(now)
}

func (ins *Instance) shouldStep() bool {
	switch ins.stepPolicy {
	case StepSlewAndStep:
		return true
	case StepAtStartup:
		return !ins.servoActive
	case StepForward:
		return ins.offsetFromMasterNS < 0
	default:
		return false
	}
}

// computeOffset combines the hardware timestamp's nanosecond phase with
// time-of-day's whole seconds (spec §4.4 step 6). Per §9's resolved Open
// Question, the combination is undefined when |tod_offset| >= 500ms —
// the step path intercepts that case first via the same threshold, so
// no special case is needed here.
func (ins *Instance) computeOffset(ts time.Time) float64 {
	secs := math.Round(ins.lastTodOffset.Seconds())
	nanos := float64(ts.Nanosecond())
	if nanos >= 5e8 {
		secs -= 1
	}
	combined := secs*1e9 + nanos
	return combined - float64(ins.cfg.SHMDelayNS)
}

func (ins *Instance) emitStats(now time.Time) {
	ins.window.Update(ins.offsetFromMasterNS)

	eligible := ins.state.Load() == StateSlave && ins.alarms == 0 && ins.controlFlags&FlagTimestampProcessing != 0
	converged := ins.conv.Sample(now, time.Duration(int64(ins.offsetFromMasterNS)), eligible)
	ins.synchronized = eligible && converged

	ins.postStats()
}

// postStats reports the current rolling-window statistics and
// clustering input to the engine. Split out of emitStats so LogStats and
// StatsEndPeriod can re-report on demand without a fresh hardware event
// (spec §6, LOG_STATS/STATS_END_PERIOD).
func (ins *Instance) postStats() {
	if ins.eng == nil {
		return
	}
	ins.eng.PostRTStats(driver.RTStats{
		Instance:      ins.name,
		OffsetNS:      ins.offsetFromMasterNS,
		OffsetMinNS:   ins.window.Min(),
		OffsetMaxNS:   ins.window.Max(),
		OffsetMeanNS:  ins.window.Mean(),
		FreqAdjustPPB: ins.freqAdjustPPB,
		InSync:        ins.synchronized,
		ClockSteps:    ins.clockSteps,
	})
	ins.eng.ClusteringInput(driver.ClusteringInput{
		Instance: ins.name,
		OffsetNS: ins.offsetFromMasterNS,
		Clock:    ins.clock.Name(),
	})
}

// houseKeep runs the watchdogs that don't depend on event arrival:
// NO_SIGNAL timeouts, the pulse-health timer, and the once-per-second
// time-of-day poll (spec §4.4, "Time-of-day poll" / "Pulse-health
// timer").
func (ins *Instance) houseKeep() {
	now := time.Now()
	ins.housekeepingCycles++

	if ins.state.Load() == StateSlave && !ins.lastEventMono.IsZero() {
		since := now.Sub(ins.lastEventMono)
		if since >= resetPeriod {
			ins.state.TransitionAny(StateListening)
			ins.resetAll()
			ins.lastEventMono = time.Time{}
			ins.firstEventMono = time.Time{}
			ins.notifyStateChanged()
		} else if since >= noSignalPeriod {
			ins.raiseAlarm(AlarmNoSignal)
		}
	}

	if !ins.firstEventMono.IsZero() && ins.consecutiveGoodPeriods < goodPeriodGate && now.Sub(ins.firstEventMono) >= pulseHealth {
		ins.raiseAlarm(AlarmNoSignal)
	}

	// Time-of-day poll cadence: once per second.
	if ins.housekeepingCycles%uint64((time.Second)/housekeeping) == 0 {
		ins.pollTimeOfDay()
	}
}

func (ins *Instance) pollTimeOfDay() {
	if ins.tod == nil {
		ins.raiseAlarm(AlarmNoTimeOfDay)
		ins.lastTodOK = false
		return
	}
	status, err := ins.tod.Status()
	if err != nil {
		ins.raiseAlarm(AlarmNoTimeOfDay)
		ins.lastTodOK = false
		return
	}
	ins.lastTodState = status.State
	if status.State != driver.ModuleSlave && status.State != driver.ModuleSelection {
		ins.raiseAlarm(AlarmNoTimeOfDay)
		ins.lastTodOK = false
		return
	}
	ins.clearAlarm(AlarmNoTimeOfDay)
	ins.lastTodOK = true

	offset := status.OffsetFromMaster
	if offset != 0 && ins.feedSvc != nil {
		if res, err := ins.feedSvc.Compare(ins.feedSub, nil); err == nil {
			offset += res.Diff
		}
	}
	ins.lastTodOffset = offset
}
