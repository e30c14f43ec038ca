// Package feed implements the clock-feed service (spec §4.2): a single
// mailbox thread that polls registered hardware clocks into per-source
// ring buffers and serves concurrent compare queries.
//
// The mailbox itself is github.com/joeycumines/go-eventloop's Loop:
// registration mutations (add/remove/subscribe/...) are dispatched as
// Loop.Submit closures and run serially on the loop's own goroutine,
// which is exactly the "single mailbox thread" the teacher's own
// eventloop.Loop already implements — reused here as a real dependency
// rather than reimplemented. Compare, by contrast, never touches the
// loop: it runs on the caller's goroutine and reads the ring.Store
// directly, per spec §5's "this is the only cross-thread memory access".
package feed

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/joeycumines/tsyncd/driver"
	"github.com/joeycumines/tsyncd/ring"
	"github.com/joeycumines/tsyncd/tslog"
)

// MaxEventSubscribers is the cap on concurrent SYNC_EVENT subscribers
// (spec §4.2).
const MaxEventSubscribers = 4

var (
	// ErrNotFound is returned when an operation names an unknown or
	// already-reaped Source.
	ErrNotFound = errors.New("feed: not found")
	// ErrAlreadyInactive is returned by RemoveClock on a Source already
	// marked inactive.
	ErrAlreadyInactive = errors.New("feed: clock already inactive")
	// ErrNoSpace is returned when the event-subscriber table is full.
	ErrNoSpace = errors.New("feed: no event-subscriber space")
)

// Source is a registered hardware clock (spec §3, "Source"). Its
// identity is the pointer itself; callers hold it as an opaque handle.
type Source struct {
	clock          driver.Clock
	name           string
	pollPeriodLog2 int

	store *ring.Store

	cycles uint64

	// inactive is read from the caller's goroutine inside Compare's fast
	// path, so it's atomic even though every write to it happens on the
	// feed's loop goroutine.
	inactive atomic.Bool

	// subscribers is mutated only on the feed's loop goroutine.
	subscribers map[*Subscription]struct{}
}

// Name returns the clock's driver-reported name.
func (s *Source) Name() string { return s.name }

// Subscription is a consumer handle to a Source's ring (spec §3,
// "Subscription"). A nil *Subscription represents the system clock and
// bypasses all ring logic.
type Subscription struct {
	source *Source

	readCounter  atomic.Int64 // -1 before any successful read
	minCounter   atomic.Int64
	maxAgeNS     atomic.Int64 // 0 = unset
	maxAgeDiffNS atomic.Int64 // 0 = unset
}

// Event is delivered to event subscribers once per poll cycle, after all
// sample writes for that cycle have been published (spec §5, ordering
// guarantees).
type Event struct {
	Time time.Time
}

// CompareResult is the result of Compare.
type CompareResult struct {
	// Diff is diff_A - diff_B (signed offset A-B).
	Diff time.Duration
	// MonoA, MonoB are the monotonic readings the two legs were sampled
	// at (zero for a nil/system-clock leg).
	MonoA, MonoB time.Time
}

// Service is the clock-feed service.
type Service struct {
	loop   *eventloop.Loop
	logger *tslog.Logger

	globalPollLog2 int

	sources  map[*Source]struct{}
	eventSubs []chan<- Event
}

// NewService constructs a Service polling at a global cadence of
// 2^globalPollPeriodLog2 seconds (spec §4.2, §9 "Timer cadence").
func NewService(globalPollPeriodLog2 int, logger *tslog.Logger) (*Service, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = tslog.Nop()
	}
	return &Service{
		loop:           loop,
		logger:         logger,
		globalPollLog2: globalPollPeriodLog2,
		sources:        make(map[*Source]struct{}),
	}, nil
}

func periodFromLog2(log2 int) time.Duration {
	return time.Duration(math.Ldexp(float64(time.Second), log2))
}

// Run starts the poll timer and runs the feed's mailbox loop until ctx
// is cancelled or Shutdown is called. It blocks.
func (s *Service) Run(ctx context.Context) error {
	var tick func()
	tick = func() {
		s.poll()
		if err := s.loop.ScheduleTimer(periodFromLog2(s.globalPollLog2), tick); err != nil {
			return
		}
	}
	if err := s.loop.ScheduleTimer(periodFromLog2(s.globalPollLog2), tick); err != nil {
		return err
	}
	return s.loop.Run(ctx)
}

// Shutdown forces teardown of every live subscription and source (spec
// §9's Open Question: prefer a forced-teardown policy over a silent
// leak), then stops the loop.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.loop.Submit(func() {
		for src := range s.sources {
			for sub := range src.subscribers {
				delete(src.subscribers, sub)
			}
			delete(s.sources, src)
		}
		close(done)
	}); err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return s.loop.Shutdown(ctx)
}

// submitSync runs fn on the loop goroutine and blocks until it
// completes — the synchronous request/reply RPC spec §4.2 describes for
// every registration operation.
func (s *Service) submitSync(fn func()) error {
	done := make(chan struct{})
	if err := s.loop.Submit(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// AddClock registers a hardware clock. pollPeriodLog2 is coerced up to
// the feed's global minimum if it would poll faster than the global
// cadence (spec §4.2, §9 "Timer cadence").
func (s *Service) AddClock(clock driver.Clock, pollPeriodLog2 int) (*Source, error) {
	if pollPeriodLog2 < s.globalPollLog2 {
		s.logger.Warning().Str("clock", clock.Name()).Log("poll_period_log2 below global minimum, coerced up")
		pollPeriodLog2 = s.globalPollLog2
	}

	var src *Source
	if err := s.submitSync(func() {
		src = &Source{
			clock:          clock,
			name:           clock.Name(),
			pollPeriodLog2: pollPeriodLog2,
			store:          ring.NewStore(),
			subscribers:    make(map[*Subscription]struct{}),
		}
		s.sources[src] = struct{}{}
	}); err != nil {
		return nil, err
	}
	return src, nil
}

// RemoveClock tombstones a Source. The Source is reaped immediately if
// it has no subscribers, otherwise readers see OwnerDead until the last
// Subscription is released.
func (s *Service) RemoveClock(src *Source) error {
	var rpcErr error
	if err := s.submitSync(func() {
		if _, ok := s.sources[src]; !ok {
			rpcErr = ErrNotFound
			return
		}
		if src.inactive.Load() {
			rpcErr = ErrAlreadyInactive
			return
		}
		src.inactive.Store(true)
		s.reapIfDead(src)
	}); err != nil {
		return err
	}
	return rpcErr
}

func (s *Service) reapIfDead(src *Source) {
	if src.inactive.Load() && len(src.subscribers) == 0 {
		delete(s.sources, src)
	}
}

// Subscribe returns a handle to src's ring. A nil src represents the
// system clock and always succeeds with a nil Subscription. Subscribing
// to an already-inactive source succeeds with a warning (spec §4.2,
// "Tie-breaks & edge cases").
func (s *Service) Subscribe(src *Source) (*Subscription, error) {
	if src == nil {
		return nil, nil
	}

	var sub *Subscription
	var rpcErr error
	if err := s.submitSync(func() {
		if _, ok := s.sources[src]; !ok {
			rpcErr = ErrNotFound
			return
		}
		if src.inactive.Load() {
			s.logger.Warning().Str("clock", src.name).Log("subscribing to an inactive source")
		}
		sub = &Subscription{source: src}
		sub.readCounter.Store(-1)
		src.subscribers[sub] = struct{}{}
	}); err != nil {
		return nil, err
	}
	return sub, rpcErr
}

// Unsubscribe releases a Subscription. If it empties an inactive
// Source, that Source is reaped immediately.
func (s *Service) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return s.submitSync(func() {
		src := sub.source
		delete(src.subscribers, sub)
		s.reapIfDead(src)
	})
}

// SubscribeEvents registers ch to receive a SYNC_EVENT after every poll
// cycle, up to MaxEventSubscribers concurrent subscribers.
func (s *Service) SubscribeEvents(ch chan<- Event) error {
	var rpcErr error
	if err := s.submitSync(func() {
		if len(s.eventSubs) >= MaxEventSubscribers {
			rpcErr = ErrNoSpace
			return
		}
		s.eventSubs = append(s.eventSubs, ch)
	}); err != nil {
		return err
	}
	return rpcErr
}

// UnsubscribeEvents removes ch from the event-subscriber table, if
// present.
func (s *Service) UnsubscribeEvents(ch chan<- Event) error {
	return s.submitSync(func() {
		for i, c := range s.eventSubs {
			if c == ch {
				s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
				return
			}
		}
	})
}

// RequireFresh sets min_counter = read_counter + 1, demanding a fresher
// sample on the next read. Per spec §9 ("Message-pump bridging"), this
// mutates only atomic subscription fields, so it's safe to call
// directly without a mailbox round-trip.
func RequireFresh(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.minCounter.Store(sub.readCounter.Load() + 1)
}

// SetMaxAge configures the subscription's max_age constraint (0
// disables it).
func SetMaxAge(sub *Subscription, d time.Duration) {
	if sub == nil {
		return
	}
	sub.maxAgeNS.Store(int64(d))
}

// SetMaxAgeDiff configures the subscription's max_age_diff constraint
// (0 disables it).
func SetMaxAgeDiff(sub *Subscription, d time.Duration) {
	if sub == nil {
		return
	}
	sub.maxAgeDiffNS.Store(int64(d))
}

// readLeg resolves one side of a Compare call.
func readLeg(sub *Subscription) (diff time.Duration, mono time.Time, err error) {
	if sub == nil {
		return 0, time.Time{}, nil
	}
	src := sub.source
	if src.inactive.Load() {
		return 0, time.Time{}, ring.OwnerDead
	}

	sample, code := src.store.Latest()
	if code != ring.OK {
		return 0, time.Time{}, code
	}
	if int64(sample.Seq) < sub.minCounter.Load() {
		return 0, time.Time{}, ring.Stale
	}
	if maxAge := sub.maxAgeNS.Load(); maxAge > 0 && time.Since(sample.Mono) > time.Duration(maxAge) {
		return 0, time.Time{}, ring.Stale
	}

	sub.readCounter.Store(int64(sample.Seq))

	if sample.RC != ring.OK {
		// rc != 0 on the sample itself: zero diff, no error.
		return 0, sample.Mono, nil
	}
	return sample.Snapshot.Sub(sample.System), sample.Mono, nil
}

// Compare returns diff_A - diff_B for two subscriptions (either may be
// nil for the system clock), per the algorithm in spec §4.2.
func (s *Service) Compare(a, b *Subscription) (CompareResult, error) {
	diffA, monoA, err := readLeg(a)
	if err != nil {
		return CompareResult{}, err
	}
	diffB, monoB, err := readLeg(b)
	if err != nil {
		return CompareResult{}, err
	}

	if a != nil && b != nil {
		maxA, maxB := a.maxAgeDiffNS.Load(), b.maxAgeDiffNS.Load()
		if maxA > 0 && maxB > 0 {
			limit := maxA
			if maxB < limit {
				limit = maxB
			}
			delta := monoA.Sub(monoB)
			if delta < -time.Duration(limit) || delta > time.Duration(limit) {
				return CompareResult{}, ring.Stale
			}
		}
	}

	return CompareResult{Diff: diffA - diffB, MonoA: monoA, MonoB: monoB}, nil
}

// poll runs on the loop goroutine once per global tick: it samples every
// due source, then notifies event subscribers (spec §4.2, "Poll
// algorithm").
func (s *Service) poll() {
	now := time.Now()
	for src := range s.sources {
		if src.inactive.Load() {
			continue
		}
		src.cycles++
		divisor := uint64(1) << uint(src.pollPeriodLog2-s.globalPollLog2)
		if src.cycles%divisor != 0 {
			continue
		}

		var sample ring.Sample
		sample.Mono = now
		sample.System = now
		if diff, err := src.clock.Compare(); err != nil {
			sample.RC = ring.NotActive
			s.logger.Warning().Str("clock", src.name).Err(err).Log("clock compare failed")
		} else {
			sample.RC = ring.OK
			sample.Snapshot = now.Add(diff)
		}
		src.store.Write(sample)
	}

	s.notifyEventSubscribers(now)
}

func (s *Service) notifyEventSubscribers(now time.Time) {
	for _, ch := range s.eventSubs {
		select {
		case ch <- Event{Time: now}:
		default:
			s.logger.Notice().Log("event subscriber channel full, dropping SYNC_EVENT")
		}
	}
}
