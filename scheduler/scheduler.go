package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is the tick cadence.
const DefaultInterval = time.Second

// Handler runs on a tick with the tick time.
type Handler func(now time.Time)

// Options configures a Scheduler.
type Options struct {
	Clock    clock.Clock
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	return out
}

// Scheduler fans one periodic tick out to registered handlers. Start handlers
// run once, before the periodic handlers of the first tick. The owning event
// loop reads Ticker and calls Fire, so handlers never run concurrently.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration

	onStart []Handler
	onTick  []Handler
	started bool
}

// New returns a scheduler with no handlers.
func New(opts Options) *Scheduler {
	cfg := opts.withDefaults()
	return &Scheduler{
		clock:    cfg.Clock,
		interval: cfg.Interval,
	}
}

// OnStart registers a handler for the first tick only.
func (s *Scheduler) OnStart(handler Handler) {
	s.onStart = append(s.onStart, handler)
}

// OnTick registers a handler for every tick.
func (s *Scheduler) OnTick(handler Handler) {
	s.onTick = append(s.onTick, handler)
}

// Ticker returns a ticker at the configured interval. The caller stops it.
func (s *Scheduler) Ticker() *clock.Ticker {
	return s.clock.Ticker(s.interval)
}

// Interval returns the tick cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Fire runs one tick.
func (s *Scheduler) Fire(now time.Time) {
	if !s.started {
		s.started = true
		for _, handler := range s.onStart {
			handler(now)
		}
	}
	for _, handler := range s.onTick {
		handler(now)
	}
}
