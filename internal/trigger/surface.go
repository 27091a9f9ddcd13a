// Package trigger decides when the drainer runs. Every trigger funnels into one loop per
// process, so drains started here never overlap.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tally-sync/internal/telemetry"
	"tally-sync/internal/worker"
)

// Trigger names, also used as metric labels.
const (
	Manual          = "manual"
	NetworkRestored = "network_restored"
	Periodic        = "periodic"
	Push            = "drain_now"
	Load            = "load"
)

// Drainer is what every trigger ends up invoking.
type Drainer interface {
	Drain(ctx context.Context) (worker.Result, error)
}

// Forwarder hands a drain request to a background worker. An error means nobody took it.
type Forwarder interface {
	RequestDrain(ctx context.Context) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context) error

func (f ForwarderFunc) RequestDrain(ctx context.Context) error { return f(ctx) }

// Config tunes a Surface.
type Config struct {
	// PeriodicInterval enables the periodic trigger when > 0.
	PeriodicInterval time.Duration
	// After a pass with transient failures the periodic wait backs off between these.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DrainOnLoad drains once when Run starts.
	DrainOnLoad bool
	// Forward, when set, is tried before draining locally. The operator API sets it so a
	// live background worker does the work and the page only drains as a fallback.
	Forward Forwarder
}

// Surface serializes triggers into drains.
type Surface struct {
	drainer  Drainer
	cfg      Config
	logger   *slog.Logger
	requests chan string
	results  chan Outcome
}

// Outcome reports one trigger that ran.
type Outcome struct {
	Trigger   string
	Forwarded bool
	Result    worker.Result
	Err       error
}

func NewSurface(d Drainer, cfg Config, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Surface{
		drainer:  d,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan string, 1),
		results:  make(chan Outcome, 16),
	}
}

// Request queues a drain. Requests made while one is already queued coalesce; it returns
// false in that case.
func (s *Surface) Request(trigger string) bool {
	select {
	case s.requests <- trigger:
		return true
	default:
		return false
	}
}

// RequestDrain is the manual trigger. It never blocks.
func (s *Surface) RequestDrain(context.Context) error {
	s.Request(Manual)
	return nil
}

// Outcomes exposes what ran, for observers and tests. Old outcomes are dropped when nobody
// reads them.
func (s *Surface) Outcomes() <-chan Outcome {
	return s.results
}

// Run processes triggers until ctx is done.
func (s *Surface) Run(ctx context.Context) {
	failures := 0
	var tick <-chan time.Time
	var timer *time.Timer
	resetTimer := func() {
		if s.cfg.PeriodicInterval <= 0 {
			return
		}
		wait := s.cfg.PeriodicInterval
		if failures > 0 {
			wait = backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, failures)
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		tick = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	record := func(o Outcome) {
		if o.Err != nil || o.Result.Transient > 0 {
			failures++
		} else if !o.Forwarded && !o.Result.Skipped {
			failures = 0
		}
		select {
		case s.results <- o:
		default:
		}
	}

	if s.cfg.DrainOnLoad {
		record(s.fire(ctx, Load))
	}
	resetTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case trig := <-s.requests:
			record(s.fire(ctx, trig))
		case <-tick:
			record(s.fire(ctx, Periodic))
			resetTimer()
		}
	}
}

func (s *Surface) fire(ctx context.Context, trig string) Outcome {
	out := Outcome{Trigger: trig}

	// Periodic drains belong to whoever runs them; everything else prefers the worker.
	if s.cfg.Forward != nil && trig != Periodic && trig != Push {
		err := s.cfg.Forward.RequestDrain(ctx)
		if err == nil {
			out.Forwarded = true
			s.logger.Debug("drain forwarded to background worker", "trigger", trig)
			return out
		}
		s.logger.Info("background worker unavailable, draining in foreground", "trigger", trig, "reason", errorText(err))
	}

	telemetry.DrainRuns.WithLabelValues(trig).Inc()
	out.Result, out.Err = s.drainer.Drain(ctx)
	if out.Err != nil && !errors.Is(out.Err, context.Canceled) {
		s.logger.Error("drain failed", "trigger", trig, "error", out.Err)
	} else if out.Result.Attempted > 0 {
		s.logger.Info("drain finished", "trigger", trig,
			"attempted", out.Result.Attempted,
			"succeeded", out.Result.Succeeded,
			"conflicts", out.Result.Conflicts,
			"auth_blocked", out.Result.AuthBlocked,
			"transient", out.Result.Transient,
			"deferred", out.Result.Deferred)
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
