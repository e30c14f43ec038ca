// Package config parses the TOML configuration described in spec §6:
// one [[instance]] table per SHM servo instance, plus a [feed] table for
// the clock-feed's global poll cadence. Field names and defaults are a
// direct transcription of the spec's enumerated option list.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// OutlierFilterType enumerates the outlier_filter_type option.
type OutlierFilterType string

const (
	OutlierDisabled OutlierFilterType = "disabled"
	OutlierStdDev   OutlierFilterType = "std-dev"
)

// MasterClockClass enumerates master_clock_class.
type MasterClockClass string

const (
	ClassLocked      MasterClockClass = "locked"
	ClassHoldover    MasterClockClass = "holdover"
	ClassFreerunning MasterClockClass = "freerunning"
)

// MasterTimeSource enumerates master_time_source.
type MasterTimeSource string

const (
	SourceAtomic     MasterTimeSource = "atomic"
	SourceGPS        MasterTimeSource = "gps"
	SourcePTP        MasterTimeSource = "ptp"
	SourceNTP        MasterTimeSource = "ntp"
	SourceOscillator MasterTimeSource = "oscillator"
)

// SHMSourceType enumerates shm_source_type.
type SHMSourceType string

const (
	SourceComplete SHMSourceType = "complete"
	SourceTOD      SHMSourceType = "tod"
	SourcePPS      SHMSourceType = "pps"
)

// Feed holds the global clock-feed options.
type Feed struct {
	// PollPeriodLog2 is the global minimum poll period, expressed as
	// log2 seconds (spec §4.2, §9 "Timer cadence").
	PollPeriodLog2 int `toml:"poll_period_log2"`
}

// Instance is one [[instance]] table: the configuration of a single SHM
// servo instance (spec §6, "Configuration options (SHM instance)").
type Instance struct {
	Name string `toml:"name"`

	Interface  string `toml:"interface"`
	Priority   int    `toml:"priority"`

	SyncThresholdNS int64 `toml:"sync_threshold"`

	SHMSourceType SHMSourceType `toml:"shm_source_type"`
	TimeOfDay     string        `toml:"time_of_day"`

	MasterClockClass   MasterClockClass `toml:"master_clock_class"`
	MasterTimeSource   MasterTimeSource `toml:"master_time_source"`
	MasterAccuracy     string           `toml:"master_accuracy"`
	MasterTraceability []string         `toml:"master_traceability"`
	StepsRemoved       int              `toml:"steps_removed"`

	SHMDelayNS int64 `toml:"shm_delay"`

	PIDFilterP float64 `toml:"pid_filter_p"`
	PIDFilterI float64 `toml:"pid_filter_i"`

	OutlierFilterType     OutlierFilterType `toml:"outlier_filter_type"`
	OutlierFilterSize     int               `toml:"outlier_filter_size"`
	OutlierFilterAdaption float64           `toml:"outlier_filter_adaption"`

	FIRFilterSize int `toml:"fir_filter_size"`
}

// Config is the top-level document.
type Config struct {
	Feed      Feed       `toml:"feed"`
	Instances []Instance `toml:"instance"`
}

// Default returns an Instance populated with the spec's documented
// defaults, so a TOML document only needs to override what it cares
// about.
func Default() Instance {
	return Instance{
		Priority:              128,
		SyncThresholdNS:       100_000,
		SHMSourceType:         SourceComplete,
		TimeOfDay:             "auto",
		StepsRemoved:          1,
		OutlierFilterType:     OutlierDisabled,
		OutlierFilterSize:     30,
		OutlierFilterAdaption: 1,
		FIRFilterSize:         4,
	}
}

// Load parses path into a Config. Every instance is run through
// applyDefaults after decoding, so a document only needs to set the
// fields it wants to override; zero-valued fields take the spec's
// documented defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	for i := range cfg.Instances {
		applyDefaults(&cfg.Instances[i])
		if err := Validate(cfg.Instances[i]); err != nil {
			return Config{}, fmt.Errorf("config: instance[%d] (%s): %w", i, cfg.Instances[i].Name, err)
		}
	}
	return cfg, nil
}

// applyDefaults fills any zero-valued field of inst from Default().
func applyDefaults(inst *Instance) {
	d := Default()
	if inst.Priority == 0 {
		inst.Priority = d.Priority
	}
	if inst.SyncThresholdNS == 0 {
		inst.SyncThresholdNS = d.SyncThresholdNS
	}
	if inst.SHMSourceType == "" {
		inst.SHMSourceType = d.SHMSourceType
	}
	if inst.TimeOfDay == "" {
		inst.TimeOfDay = d.TimeOfDay
	}
	if inst.StepsRemoved == 0 {
		inst.StepsRemoved = d.StepsRemoved
	}
	if inst.OutlierFilterType == "" {
		inst.OutlierFilterType = d.OutlierFilterType
	}
	if inst.OutlierFilterSize == 0 {
		inst.OutlierFilterSize = d.OutlierFilterSize
	}
	if inst.OutlierFilterAdaption == 0 {
		inst.OutlierFilterAdaption = d.OutlierFilterAdaption
	}
	if inst.FIRFilterSize == 0 {
		inst.FIRFilterSize = d.FIRFilterSize
	}
}

// Validate checks the range/enum constraints the spec calls out.
func Validate(inst Instance) error {
	if inst.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if inst.PIDFilterP < 0 || inst.PIDFilterP > 1 {
		return fmt.Errorf("pid_filter_p out of [0,1]: %v", inst.PIDFilterP)
	}
	if inst.PIDFilterI < 0 || inst.PIDFilterI > 1 {
		return fmt.Errorf("pid_filter_i out of [0,1]: %v", inst.PIDFilterI)
	}
	switch inst.OutlierFilterType {
	case OutlierDisabled, OutlierStdDev:
	default:
		return fmt.Errorf("outlier_filter_type invalid: %v", inst.OutlierFilterType)
	}
	if inst.OutlierFilterType == OutlierStdDev {
		if inst.OutlierFilterSize < 5 || inst.OutlierFilterSize > 60 {
			return fmt.Errorf("outlier_filter_size out of [5,60]: %v", inst.OutlierFilterSize)
		}
		if inst.OutlierFilterAdaption < 0 || inst.OutlierFilterAdaption > 1 {
			return fmt.Errorf("outlier_filter_adaption out of [0,1]: %v", inst.OutlierFilterAdaption)
		}
	}
	if inst.FIRFilterSize < 1 || inst.FIRFilterSize > 64 {
		return fmt.Errorf("fir_filter_size out of [1,64]: %v", inst.FIRFilterSize)
	}
	return nil
}
