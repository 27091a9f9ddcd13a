// Package bus carries push messages between the operator API and the background worker over
// Redis pub/sub, and tracks which worker (if any) is alive to act on them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message types.
const (
	DrainNow     = "DRAIN_NOW"
	NeedsConfirm = "NEEDS_CONFIRM"
)

// ErrNoWorker is returned when a message needs a live background worker and none is registered.
var ErrNoWorker = errors.New("no background worker registered")

// Message is one push notification. RecordID and Text are only set on NEEDS_CONFIRM.
type Message struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	RecordID int64     `json:"record_id,omitempty"`
	Text     string    `json:"message,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Bus publishes and receives queue messages. Messages flow on two channels: DRAIN_NOW towards
// the worker, NEEDS_CONFIRM towards the operator API.
type Bus struct {
	client       *redis.Client
	prefix       string
	logger       *slog.Logger
	heartbeatTTL time.Duration
}

// New builds a bus on an existing client. prefix namespaces every key and channel.
func New(client *redis.Client, prefix string, heartbeatTTL time.Duration, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = "tally"
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, prefix: prefix, logger: logger, heartbeatTTL: heartbeatTTL}
}

func (b *Bus) workerChannel() string { return b.prefix + ":worker" }
func (b *Bus) pageChannel() string   { return b.prefix + ":page" }
func (b *Bus) aliveKey() string      { return b.prefix + ":worker:alive" }
func (b *Bus) leaseKey() string      { return b.prefix + ":drain:lease" }

func (b *Bus) publish(ctx context.Context, channel string, msg Message) (int64, error) {
	msg.ID = uuid.NewString()
	msg.SentAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	n, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return n, nil
}

// RequestDrain asks the background worker to drain now. It returns ErrNoWorker when nobody
// is subscribed, so the caller can fall back to draining itself.
func (b *Bus) RequestDrain(ctx context.Context) error {
	n, err := b.publish(ctx, b.workerChannel(), Message{Type: DrainNow})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoWorker
	}
	return nil
}

// ForwardDrain hands a drain to the background worker only when its heartbeat is current.
// A subscriber without a heartbeat is shutting down and may miss the message.
func (b *Bus) ForwardDrain(ctx context.Context) error {
	alive, err := b.WorkerAlive(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return ErrNoWorker
	}
	return b.RequestDrain(ctx)
}

// NeedsConfirm pushes a conflict notification to the operator API. Delivery is one-shot: with
// no subscriber the message is dropped and the record simply stays needs_confirm.
func (b *Bus) NeedsConfirm(ctx context.Context, recordID int64, text string) error {
	n, err := b.publish(ctx, b.pageChannel(), Message{Type: NeedsConfirm, RecordID: recordID, Text: text})
	if err != nil {
		return err
	}
	if n == 0 {
		b.logger.Info("no operator page listening for confirmation", "record_id", recordID)
	}
	return nil
}

// SubscribeWorker delivers DRAIN_NOW messages to fn until ctx is done.
func (b *Bus) SubscribeWorker(ctx context.Context, fn func(Message)) error {
	return b.subscribe(ctx, b.workerChannel(), fn)
}

// SubscribePage delivers NEEDS_CONFIRM messages to fn until ctx is done.
func (b *Bus) SubscribePage(ctx context.Context, fn func(Message)) error {
	return b.subscribe(ctx, b.pageChannel(), fn)
}

// subscribe blocks until the subscription is confirmed, then dispatches in a goroutine.
func (b *Bus) subscribe(ctx context.Context, channel string, fn func(Message)) error {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.logger.Warn("dropping malformed bus message", "channel", channel, "error", err)
					continue
				}
				fn(msg)
			}
		}
	}()
	return nil
}

// Heartbeat registers a live worker and refreshes the registration until ctx is done.
func (b *Bus) Heartbeat(ctx context.Context, workerID string) {
	beat := func() {
		if err := b.client.Set(ctx, b.aliveKey(), workerID, b.heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			b.logger.Warn("worker heartbeat failed", "worker_id", workerID, "error", err)
		}
	}
	beat()
	ticker := time.NewTicker(b.heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best effort: a stale key expires on its own.
			_ = b.client.Del(context.Background(), b.aliveKey()).Err()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// WorkerAlive reports whether a background worker registration is current.
func (b *Bus) WorkerAlive(ctx context.Context) (bool, error) {
	n, err := b.client.Exists(ctx, b.aliveKey()).Result()
	if err != nil {
		return false, fmt.Errorf("check worker heartbeat: %w", err)
	}
	return n > 0, nil
}
