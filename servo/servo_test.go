package servo

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/tsyncd/config"
	"github.com/joeycumines/tsyncd/driver"
)

func testConfig() config.Instance {
	cfg := config.Default()
	cfg.Name = "test0"
	cfg.Interface = "eth0"
	cfg.PIDFilterP = 0.7
	cfg.PIDFilterI = 0.3
	cfg.SHMDelayNS = 0
	return cfg
}

func newTestInstance(t *testing.T, cfg config.Instance, clock driver.Clock, tod driver.TimeOfDay, eng driver.Engine) *Instance {
	t.Helper()
	ins, err := New("test0", cfg, clock, tod, eng, nil, nil, nil)
	require.NoError(t, err)
	return ins
}

func TestInstance_SeqNumDiscontinuityRaisesAlarm(t *testing.T) {
	clock := driver.NewFakeClock("c0", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	base := time.Unix(1000, 2000)
	ins.handleEvent(0, base)
	ins.handleEvent(2, base.Add(time.Second)) // skipped seq 1

	assert.NotZero(t, ins.alarms&AlarmSeqNumError)
	assert.EqualValues(t, 1, ins.seqNumErrors)

	ins.handleEvent(3, base.Add(2*time.Second)) // back to contiguous
	assert.Zero(t, ins.alarms&AlarmSeqNumError)
}

func TestInstance_BadSignalRejectionScenario(t *testing.T) {
	clock := driver.NewFakeClock("c1", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	base := time.Unix(2000, 0)
	ins.handleEvent(0, base) // establishes anchor, no period yet

	for i := 1; i <= 3; i++ {
		ts := base.Add(time.Duration(i) * 1300 * time.Millisecond) // 1.3s period: notch rejects
		ins.handleEvent(uint32(i), ts)
	}

	assert.NotZero(t, ins.alarms&AlarmBadSignal)
	assert.Equal(t, 0, ins.consecutiveGoodPeriods)
	assert.EqualValues(t, 3, ins.badSignalErrors)
	assert.Equal(t, 0.0, clock.LastFrequency())
}

func TestInstance_EntersSlaveOnFirstEvent(t *testing.T) {
	clock := driver.NewFakeClock("c2", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	assert.Equal(t, StateListening, ins.state.Load())
	ins.handleEvent(0, time.Unix(3000, 0))
	assert.Equal(t, StateSlave, ins.state.Load())
}

func TestInstance_GoodPeriodsDriveFrequencyAdjust(t *testing.T) {
	clock := driver.NewFakeClock("c3", 5e5)
	eng := driver.NewFakeEngine()
	ins := newTestInstance(t, testConfig(), clock, nil, eng)

	base := time.Unix(4000, 2000) // 2000ns phase, 1s cadence: passes the default notch
	for i := 0; i <= 6; i++ {
		ins.handleEvent(uint32(i), base.Add(time.Duration(i)*time.Second))
	}

	assert.GreaterOrEqual(t, ins.consecutiveGoodPeriods, goodPeriodGate)
	assert.NotEmpty(t, eng.RTStats)
	assert.LessOrEqual(t, ins.freqAdjustPPB, ins.freqAdjustMax+1e-9)
	assert.GreaterOrEqual(t, ins.freqAdjustPPB, -ins.freqAdjustMax-1e-9)
}

func TestInstance_LargeInitialOffsetSteps(t *testing.T) {
	clock := driver.NewFakeClock("c4", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)
	ins.stepPolicy = StepSlewAndStep
	ins.lastTodOffset = time.Second // combined with the 200ms ns-phase below yields 1.2s

	// Every edge lands at the same 200ms sub-second phase, so consecutive
	// periods still read as a clean 1s (notch passes); the large,
	// constant offset comes entirely from time-of-day's whole seconds.
	base := time.Unix(5000, 200_000_000)
	ins.handleEvent(0, base) // anchor
	ins.handleEvent(1, base.Add(time.Second))

	assert.EqualValues(t, 1, ins.clockSteps)
	assert.True(t, ins.servoActive)
	assert.True(t, ins.stepPending)

	// the next event is consumed purely as the new anchor.
	ins.handleEvent(2, base.Add(2*time.Second))
	assert.False(t, ins.stepPending)
}

func TestInstance_FreqAdjustSaturatesAtMax(t *testing.T) {
	clock := driver.NewFakeClock("c5", 100) // tiny cap: 100ppb
	cfg := testConfig()
	cfg.PIDFilterP = 1
	cfg.PIDFilterI = 1
	ins := newTestInstance(t, cfg, clock, nil, nil)
	ins.lastTodOffset = 0

	base := time.Unix(6000, 500_000_000) // 500ms phase: -500ms offset, steps once at startup, then slews
	for i := 0; i <= 6; i++ {
		ins.handleEvent(uint32(i), base.Add(time.Duration(i)*time.Second))
	}

	assert.LessOrEqual(t, ins.freqAdjustPPB, 100.0+1e-9)
	assert.GreaterOrEqual(t, ins.freqAdjustPPB, -100.0-1e-9)
}

func TestInstance_TimeOfDayLossRaisesAlarm(t *testing.T) {
	clock := driver.NewFakeClock("c6", 5e5)
	tod := driver.NewFakeTimeOfDay()
	tod.Set(driver.TimeOfDayStatus{State: driver.ModuleSlave}, nil)
	ins := newTestInstance(t, testConfig(), clock, tod, nil)

	ins.pollTimeOfDay()
	assert.Zero(t, ins.alarms&AlarmNoTimeOfDay)

	tod.Set(driver.TimeOfDayStatus{State: driver.ModuleListening}, nil)
	ins.pollTimeOfDay()
	assert.NotZero(t, ins.alarms&AlarmNoTimeOfDay)
}

func TestInstance_FaultyResetsOnSuccessfulEvent(t *testing.T) {
	clock := driver.NewFakeClock("c7", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)
	ins.handleEvent(0, time.Unix(7000, 0))
	ins.toFaulty(assertError{})
	assert.Equal(t, StateFaulty, ins.state.Load())

	ins.handleEvent(5, time.Unix(7010, 0))
	assert.Equal(t, StateSlave, ins.state.Load())
}

type assertError struct{}

func (assertError) Error() string { return "fake driver error" }

func TestInstance_SyncThresholdWiredFromConfig(t *testing.T) {
	clock := driver.NewFakeClock("c9", 5e5)
	cfg := testConfig()
	cfg.SyncThresholdNS = 5_000_000 // 5ms, far from the 100us default
	ins := newTestInstance(t, cfg, clock, nil, nil)

	assert.Equal(t, 5*time.Millisecond, ins.conv.Threshold)
}

func TestInstance_SynchronizedFalseUnderAlarm(t *testing.T) {
	clock := driver.NewFakeClock("c10", 5e5)
	eng := driver.NewFakeEngine()
	ins := newTestInstance(t, testConfig(), clock, nil, eng)
	ins.conv.MinPeriod = 0 // force convergence on the first in-sync sample

	now := time.Now()
	ins.state.Store(StateSlave)
	ins.offsetFromMasterNS = 10 // well inside the default 100us threshold
	ins.emitStats(now)
	require.True(t, ins.synchronized)

	// An alarm makes the instance ineligible; synchronized must drop to
	// false, but the convergence accumulator must stay intact (spec
	// scenario 6).
	ins.alarms = AlarmNoTimeOfDay
	ins.emitStats(now.Add(time.Millisecond))
	assert.False(t, ins.synchronized)
	assert.True(t, ins.conv.Converged())
}

func TestInstance_WriteStateAndTopology(t *testing.T) {
	clock := driver.NewFakeClock("c11", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	var state bytes.Buffer
	require.NoError(t, ins.WriteState(&state))
	out := state.String()
	assert.Contains(t, out, "instance: test0")
	assert.Contains(t, out, "clock-name: c11")
	assert.Contains(t, out, "clock-id: c11-id")
	assert.Contains(t, out, "diff-method: pps")
	assert.Contains(t, out, "shm-method: shm")

	var topo bytes.Buffer
	require.NoError(t, ins.WriteTopology(&topo))
	assert.Contains(t, topo.String(), "test0: c11 via eth0")
}

func TestInstance_TestModeTogglesBogusEvents(t *testing.T) {
	clock := driver.NewFakeClock("c12", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	require.NoError(t, ins.TestMode(TestIDBogusSHMEvents))
	assert.True(t, ins.testBogusEvents)
	require.NoError(t, ins.TestMode(TestIDBogusSHMEvents))
	assert.False(t, ins.testBogusEvents)
}

func TestInstance_GetStatusAndControlRoundTrip(t *testing.T) {
	clock := driver.NewFakeClock("c8", 5e5)
	ins := newTestInstance(t, testConfig(), clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ins.Run(ctx)
		close(done)
	}()
	defer func() {
		_ = ins.Shutdown(context.Background())
		cancel()
		<-done
	}()

	st, err := ins.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "test0", st.Name)
	assert.Equal(t, "LISTENING", st.State)

	require.NoError(t, ins.Control(FlagClockCtrl, 0))
	st, err = ins.GetStatus()
	require.NoError(t, err)
	assert.Zero(t, st.ControlFlags&FlagClockCtrl)
}
