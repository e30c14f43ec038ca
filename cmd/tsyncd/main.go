// Command tsyncd runs the SHM servo core as a standalone daemon.
//
// Real per-interface clock drivers, a real time-of-day source, and a
// real arbitration engine are out of scope (spec §1 Non-goals): this
// binary wires the core against driver.Fake* doubles in a "demo"
// configuration, one fake clock and time-of-day source per configured
// instance, which is enough to exercise the full feed/servo/manager
// pipeline end to end against a config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/joeycumines/tsyncd/config"
	"github.com/joeycumines/tsyncd/driver"
	"github.com/joeycumines/tsyncd/feed"
	"github.com/joeycumines/tsyncd/manager"
	"github.com/joeycumines/tsyncd/tslog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tsyncd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		// No cgroup memory limit (e.g. running outside a container): not
		// fatal, GOMEMLIMIT just stays at the runtime default.
		_ = err
	}

	log := tslog.New(os.Stdout)

	if *configPath == "" {
		return fmt.Errorf("missing required -config flag")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Instances) == 0 {
		return fmt.Errorf("config has no [[instance]] entries")
	}

	feedSvc, err := feed.NewService(cfg.Feed.PollPeriodLog2, log)
	if err != nil {
		return fmt.Errorf("start clock feed: %w", err)
	}

	mgr := manager.New(feedSvc, log)
	eng := driver.NewFakeEngine()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feedDone := make(chan error, 1)
	go func() { feedDone <- feedSvc.Run(ctx) }()

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(ctx) }()

	for _, inst := range cfg.Instances {
		clock := driver.NewFakeClock(inst.Name+"-hw", maxFreqAdjustPPB)
		tod := driver.NewFakeTimeOfDay()
		eng.RegisterInstance(inst.Name, tod)

		if _, err := mgr.AddInstance(ctx, inst, clock, tod, eng); err != nil {
			stop()
			return fmt.Errorf("add instance %s: %w", inst.Name, err)
		}
		log.Notice().Str("instance", inst.Name).Str("interface", inst.Interface).Log("instance started")

		go demoPulse(ctx, clock, tod)
	}

	<-ctx.Done()
	log.Notice().Log("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warning().Err(err).Log("manager shutdown error")
	}
	if err := feedSvc.Shutdown(shutdownCtx); err != nil {
		log.Warning().Err(err).Log("feed shutdown error")
	}

	<-feedDone
	<-mgrDone
	return nil
}

// maxFreqAdjustPPB is the simulated clock's frequency adjustment range;
// a mid-grade oscillator typically tolerates a few hundred ppm.
const maxFreqAdjustPPB = 5e5

// demoPulse feeds driver.FakeClock/FakeTimeOfDay a steady, gently jittered
// 1Hz edge stream so the servo instance has something to converge against
// when no real hardware driver is wired in.
func demoPulse(ctx context.Context, clock *driver.FakeClock, tod *driver.FakeTimeOfDay) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var seq uint32
	tod.Set(driver.TimeOfDayStatus{State: driver.ModuleSlave}, nil)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			jitter := time.Duration(rand.Int63n(int64(2 * time.Millisecond))) - time.Millisecond
			clock.PushEvent(seq, now.Add(jitter))
			seq++
		}
	}
}
