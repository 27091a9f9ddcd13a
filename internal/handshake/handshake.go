// Package handshake holds the operator side of conflict resolution. A conflicted record waits
// in needs_confirm until an operator decides; nothing here decides on its own.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tally-sync/internal/models"
	"tally-sync/internal/submit"
	"tally-sync/internal/telemetry"
)

var (
	// ErrNotFound is returned when the record no longer exists.
	ErrNotFound = errors.New("queued record not found")
	// ErrNotAwaitingDecision is returned when the record is not in needs_confirm.
	ErrNotAwaitingDecision = errors.New("record is not awaiting a decision")
)

// Store is the slice of the queue the handshake reads and writes.
type Store interface {
	List(ctx context.Context) ([]models.Record, error)
	Get(ctx context.Context, id int64) (models.Record, bool, error)
	Update(ctx context.Context, id int64, p models.Patch) error
}

// DrainRequester re-triggers a drain after an overwrite decision.
type DrainRequester interface {
	RequestDrain(ctx context.Context) error
}

// Prompt is one open question to the operator.
type Prompt struct {
	RecordID   int64     `json:"record_id"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Handshake tracks open prompts, at most one per record, and writes decisions back.
type Handshake struct {
	store  Store
	drain  DrainRequester
	logger *slog.Logger

	mu      sync.Mutex
	prompts map[int64]Prompt
	notify  chan struct{}
}

// New builds a handshake. drain may be nil when the caller re-triggers drains itself.
func New(st Store, drain DrainRequester, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{
		store:   st,
		drain:   drain,
		logger:  logger,
		prompts: make(map[int64]Prompt),
		notify:  make(chan struct{}, 1),
	}
}

// SetDrainRequester wires the drain trigger once it exists.
func (h *Handshake) SetDrainRequester(d DrainRequester) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drain = d
}

// Receive opens a prompt for the record. A second notification for a record that already has
// an open prompt is ignored.
func (h *Handshake) Receive(recordID int64, message string) bool {
	if message == "" {
		message = submit.DefaultConflictMessage
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.prompts[recordID]; open {
		return false
	}
	h.prompts[recordID] = Prompt{RecordID: recordID, Message: message, ReceivedAt: time.Now().UTC()}
	telemetry.ConfirmationsOpen.Set(float64(len(h.prompts)))
	select {
	case h.notify <- struct{}{}:
	default:
	}
	h.logger.Info("confirmation requested", "record_id", recordID, "message", message)
	return true
}

// NeedsConfirm lets the handshake act as the drainer's notifier when the drain runs in the
// same process as the operator API.
func (h *Handshake) NeedsConfirm(_ context.Context, recordID int64, message string) error {
	h.Receive(recordID, message)
	return nil
}

// Updates signals (coalesced) whenever a new prompt opens.
func (h *Handshake) Updates() <-chan struct{} {
	return h.notify
}

// Pending lists open prompts ordered by record id.
func (h *Handshake) Pending() []Prompt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Prompt, 0, len(h.prompts))
	for _, p := range h.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out
}

// Recover opens prompts for needs_confirm records that were flagged while no operator was
// reachable. It returns how many prompts were opened.
func (h *Handshake) Recover(ctx context.Context) (int, error) {
	recs, err := h.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover confirmations: %w", err)
	}
	opened := 0
	for _, rec := range recs {
		if rec.Status != models.StatusNeedsConfirm {
			continue
		}
		msg := rec.LastError
		if msg == "" {
			msg = submit.DefaultConflictMessage
		}
		if h.Receive(rec.ID, msg) {
			opened++
		}
	}
	return opened, nil
}

// Resolve applies the operator's decision. overwrite=true marks the payload to replace the
// finalized mesa, returns the record to pending and re-triggers a drain. overwrite=false
// cancels the record and keeps it for inspection.
func (h *Handshake) Resolve(ctx context.Context, recordID int64, overwrite bool) (models.Record, error) {
	rec, ok, err := h.store.Get(ctx, recordID)
	if err != nil {
		return models.Record{}, fmt.Errorf("load record %d: %w", recordID, err)
	}
	if !ok {
		h.close(recordID)
		return models.Record{}, ErrNotFound
	}
	if rec.Status != models.StatusNeedsConfirm {
		h.close(recordID)
		return rec, ErrNotAwaitingDecision
	}

	var patch models.Patch
	if overwrite {
		rec.Payload = models.WithOverwrite(rec.Payload)
		rec.Status = models.StatusPending
		patch = models.Patch{Status: &rec.Status, Payload: rec.Payload}
	} else {
		rec.Status = models.StatusCancelled
		patch = models.Patch{Status: &rec.Status}
	}
	if err := h.store.Update(ctx, recordID, patch); err != nil {
		return models.Record{}, fmt.Errorf("write decision for record %d: %w", recordID, err)
	}
	h.close(recordID)
	h.logger.Info("confirmation resolved", "record_id", recordID, "overwrite", overwrite)

	if overwrite {
		h.mu.Lock()
		d := h.drain
		h.mu.Unlock()
		if d != nil {
			if err := d.RequestDrain(ctx); err != nil {
				// The record is pending again; the next trigger will pick it up.
				h.logger.Warn("drain after overwrite not triggered", "record_id", recordID, "error", err)
			}
		}
	}
	return rec, nil
}

func (h *Handshake) close(recordID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.prompts, recordID)
	telemetry.ConfirmationsOpen.Set(float64(len(h.prompts)))
}
