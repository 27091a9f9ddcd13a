package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tally-sync/internal/models"
	"tally-sync/internal/ratelimit"
	"tally-sync/internal/submit"
	"tally-sync/internal/telemetry"
)

// Store is the slice of the durable queue the drainer mutates.
type Store interface {
	List(ctx context.Context) ([]models.Record, error)
	Get(ctx context.Context, id int64) (models.Record, bool, error)
	Update(ctx context.Context, id int64, p models.Patch) error
	Remove(ctx context.Context, id int64) error
}

// Executor performs one submission attempt.
type Executor interface {
	Attempt(ctx context.Context, payload map[string]any, credential string) submit.Result
}

// Notifier is told about conflicts that need an operator decision.
type Notifier interface {
	NeedsConfirm(ctx context.Context, recordID int64, message string) error
}

// Lease serializes drains across processes sharing one store.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Limiter paces replays against the tally server.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Result summarizes a Drain call.
type Result struct {
	Pending     int  `json:"pending"`
	Attempted   int  `json:"attempted"`
	Succeeded   int  `json:"succeeded"`
	Conflicts   int  `json:"conflicts"`
	AuthBlocked int  `json:"auth_blocked"`
	Transient   int  `json:"transient"`
	Deferred    int  `json:"deferred"`
	Skipped     bool `json:"skipped"`
}

func (r *Result) add(o Result) {
	r.Pending += o.Pending
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Conflicts += o.Conflicts
	r.AuthBlocked += o.AuthBlocked
	r.Transient += o.Transient
	r.Deferred += o.Deferred
	r.Skipped = r.Skipped || o.Skipped
}

// Options configures optional collaborators of a Drainer.
type Options struct {
	Notifier Notifier
	Lease    Lease
	Limiter  Limiter
	// LeaseBestEffort runs a pass without the lease when the lease backend cannot be reached.
	// A lease held by another process still skips the pass. Only the interactive context sets
	// it; the background worker stays strict, so during an outage the page is the one replayer.
	LeaseBestEffort bool
	// AttemptTimeout bounds each executor call on top of the client's own timeout.
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Drainer replays pending records one at a time. The same Drainer type runs in the background
// worker and, as a fallback, inside the operator API.
type Drainer struct {
	store    Store
	exec     Executor
	notifier Notifier
	lease    Lease
	limiter  Limiter
	timeout  time.Duration
	logger   *slog.Logger

	leaseBestEffort bool

	mu      sync.Mutex
	running bool
	rerun   bool
}

// NewDrainer wires a drainer over a store and an executor.
func NewDrainer(st Store, exec Executor, opts Options) *Drainer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		store:    st,
		exec:     exec,
		notifier: opts.Notifier,
		lease:    opts.Lease,
		limiter:  opts.Limiter,
		timeout:  opts.AttemptTimeout,
		logger:   logger,

		leaseBestEffort: opts.LeaseBestEffort,
	}
}

// SetNotifier swaps the conflict notifier. Used when the notifier is built after the drainer.
func (d *Drainer) SetNotifier(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

// Running reports whether a drain is in progress in this process.
func (d *Drainer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Drain replays every pending record. A call made while another drain is running returns at
// once with Skipped set; the running drain then makes one more pass so the request is honored.
// Only a failure to read the queue snapshot is returned as an error.
func (d *Drainer) Drain(ctx context.Context) (Result, error) {
	d.mu.Lock()
	if d.running {
		d.rerun = true
		d.mu.Unlock()
		telemetry.DrainSkipped.Inc()
		return Result{Skipped: true}, nil
	}
	d.running = true
	d.mu.Unlock()

	var total Result
	for {
		res, err := d.pass(ctx)
		total.add(res)

		d.mu.Lock()
		if err != nil || !d.rerun || ctx.Err() != nil {
			d.running = false
			d.rerun = false
			d.mu.Unlock()
			return total, err
		}
		d.rerun = false
		d.mu.Unlock()
	}
}

func (d *Drainer) pass(ctx context.Context) (Result, error) {
	var res Result

	if d.lease != nil {
		release, ok, err := d.lease.Acquire(ctx)
		switch {
		case err != nil && d.leaseBestEffort:
			telemetry.LeaseUnavailable.Inc()
			d.logger.Warn("drain lease unreachable, draining without it", "error", err)
		case err != nil:
			return res, fmt.Errorf("drain lease: %w", err)
		case !ok:
			d.logger.Debug("drain already running in another process")
			res.Skipped = true
			return res, nil
		default:
			defer release()
		}
	}

	all, err := d.store.List(ctx)
	if err != nil {
		telemetry.StoreErrors.Inc()
		return res, fmt.Errorf("snapshot queue: %w", err)
	}
	pending := make([]models.Record, 0, len(all))
	for _, rec := range all {
		if rec.Eligible() {
			pending = append(pending, rec)
		}
	}
	res.Pending = len(pending)
	telemetry.PendingGauge.Set(float64(len(pending)))
	if len(pending) == 0 {
		return res, nil
	}
	d.logger.Info("draining queue", "pending", len(pending))

	for i, snap := range pending {
		if ctx.Err() != nil {
			res.Deferred += len(pending) - i
			break
		}
		if d.limiter != nil {
			dec, err := d.limiter.Allow(ctx, "replay")
			if err != nil {
				d.logger.Warn("replay limiter unavailable, continuing unpaced", "error", err)
			} else if !dec.Allowed {
				telemetry.RateLimitRejects.Inc()
				res.Deferred += len(pending) - i
				d.logger.Info("replay rate limited, deferring rest of queue", "deferred", len(pending)-i)
				break
			}
		}

		// The snapshot may be stale: another actor can have resolved or removed the record.
		rec, ok, err := d.store.Get(ctx, snap.ID)
		if err != nil {
			telemetry.StoreErrors.Inc()
			d.logger.Error("re-read queued record", "record_id", snap.ID, "error", err)
			continue
		}
		if !ok || !rec.Eligible() {
			continue
		}

		res.Attempted++
		out := d.attempt(ctx, rec)
		d.apply(ctx, rec, out, &res)
	}
	return res, nil
}

func (d *Drainer) attempt(ctx context.Context, rec models.Record) submit.Result {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.exec.Attempt(ctx, rec.Payload, rec.Credential)
}

func (d *Drainer) apply(ctx context.Context, rec models.Record, out submit.Result, res *Result) {
	telemetry.ReplayOutcomes.WithLabelValues(string(out.Kind)).Inc()
	log := d.logger.With("record_id", rec.ID, "outcome", string(out.Kind), "http_status", out.Status)

	attempts := rec.Attempts + 1
	lastStatus := out.Status
	lastError := out.Describe()
	patch := models.Patch{LastStatus: &lastStatus, LastError: &lastError, Attempts: &attempts}

	switch out.Kind {
	case submit.Success:
		res.Succeeded++
		if err := d.store.Remove(ctx, rec.ID); err != nil {
			telemetry.StoreErrors.Inc()
			log.Error("remove delivered record", "error", err)
			return
		}
		log.Info("queued submission delivered")

	case submit.Conflict:
		res.Conflicts++
		status := models.StatusNeedsConfirm
		patch.Status = &status
		if err := d.store.Update(ctx, rec.ID, patch); err != nil {
			telemetry.StoreErrors.Inc()
			log.Error("flag record for confirmation", "error", err)
			return
		}
		log.Info("mesa already finalized, asking operator", "message", out.Message)
		d.mu.Lock()
		n := d.notifier
		d.mu.Unlock()
		if n == nil {
			return
		}
		if err := n.NeedsConfirm(ctx, rec.ID, out.Message); err != nil {
			// The record stays needs_confirm; the page picks it up when it recovers.
			log.Warn("confirmation notification not sent", "error", err)
		}

	case submit.AuthBlock:
		res.AuthBlocked++
		status := models.StatusBlockedAuth
		patch.Status = &status
		if err := d.store.Update(ctx, rec.ID, patch); err != nil {
			telemetry.StoreErrors.Inc()
			log.Error("block record on auth failure", "error", err)
			return
		}
		log.Warn("credential rejected, record blocked until re-authenticated")

	default:
		res.Transient++
		// Stays eligible: pending is re-affirmed so the record is never stuck.
		status := models.StatusPending
		patch.Status = &status
		if err := d.store.Update(ctx, rec.ID, patch); err != nil {
			telemetry.StoreErrors.Inc()
			log.Error("record transient failure", "error", err)
			return
		}
		log.Info("attempt failed, will retry", "error", lastError, "attempts", attempts)
	}
}
