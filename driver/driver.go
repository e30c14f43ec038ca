// Package driver defines the upstream collaborators the core consumes:
// the per-interface clock driver, the time-of-day module, and the engine
// that arbitrates across sync modules (spec §6, "Upstream"). None of
// these are implemented here beyond the Fake* test doubles in fake.go;
// real implementations are driver-specific and out of scope (spec §1
// Non-goals).
package driver

import (
	"errors"
	"time"
)

// ErrAgain is returned by Clock.GetEvent when no event is currently
// available; the caller (servo) must treat this as "no event", not a
// fault.
var ErrAgain = errors.New("driver: eagain")

// SeqNumUnused is the sentinel a driver returns from GetEvent when it has
// no sequence-number concept at all; the servo must not treat repeated
// SeqNumUnused values as a discontinuity (spec §4.4 step 1).
const SeqNumUnused = ^uint32(0)

// Clock is the per-interface hardware clock collaborator.
type Clock interface {
	// Name identifies the clock for logs and persisted state.
	Name() string

	// ID is the clock's hardware identifier (e.g. a PTP device path),
	// reported alongside Name in persisted state (spec §6).
	ID() string

	// DiffMethod and SHMMethod report the clock's offset-measurement and
	// SHM-discipline methods, for persisted state (spec §6).
	DiffMethod() string
	SHMMethod() string

	// Compare returns hw_clock - sys_clock at the time of the call.
	Compare() (diff time.Duration, err error)

	// EnableSHM / DisableSHM scope the SHM event stream to the servo
	// instance's lifetime; DisableSHM must be safe to call even if
	// EnableSHM was never called or already failed.
	EnableSHM() error
	DisableSHM() error

	// GetEvent retrieves the next hardware timestamp edge. Returns
	// ErrAgain if none is currently available.
	GetEvent() (seq uint32, ts time.Time, err error)

	// FD returns a descriptor that becomes readable when a new event is
	// available, if the driver exposes one. ok is false if the driver
	// has no FD-based notification (poll-only).
	FD() (fd int, ok bool)

	AdjustFrequency(ppb float64) error
	AdjustTime(offset time.Duration) error
	FreqCorrection() (ppb float64, err error)
	SaveFreqCorrection(ppb float64) error
	MaxFrequencyAdjustment() float64
}

// ModuleState mirrors the sync state of an upstream sync module (time-of-
// day module, or a peer instance looked up via the engine).
type ModuleState int

const (
	ModuleListening ModuleState = iota
	ModuleSlave
	ModuleSelection
	ModuleFaulty
)

func (s ModuleState) String() string {
	switch s {
	case ModuleListening:
		return "listening"
	case ModuleSlave:
		return "slave"
	case ModuleSelection:
		return "selection"
	case ModuleFaulty:
		return "faulty"
	default:
		return "unknown"
	}
}

// TimeOfDayStatus is the result of a TimeOfDay.Status poll.
type TimeOfDayStatus struct {
	State            ModuleState
	OffsetFromMaster time.Duration
}

// TimeOfDay is the external module supplying whole-second wall-clock
// time (spec GLOSSARY: "ToD").
type TimeOfDay interface {
	Status() (TimeOfDayStatus, error)
}

// RTStats is the per-tick statistics report handed to the engine. The
// Offset range fields carry the rolling-window min/max/mean (spec §4.6)
// that the original reports as a RANGE stat alongside the instantaneous
// offset.
type RTStats struct {
	Instance      string
	OffsetNS      float64
	OffsetMinNS   float64
	OffsetMaxNS   float64
	OffsetMeanNS  float64
	FreqAdjustPPB float64
	InSync        bool
	ClockSteps    uint64
}

// ClusteringInput is the per-tick clustering sample handed to the engine.
type ClusteringInput struct {
	Instance string
	OffsetNS float64
	Clock    string
}

// Engine is the arbiter that owns multiple sync modules; the servo and
// instance manager report to it and occasionally look up peers through
// it (spec §6, "Engine").
type Engine interface {
	PostRTStats(stats RTStats)
	ClusteringInput(input ClusteringInput)
	SyncInstanceStateChanged(instance, state string)
	GetSyncInstanceByName(name string) (TimeOfDay, bool)
}
