package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chirp/internal/bus"
	"github.com/matheus3301/chirp/internal/model"
	"github.com/matheus3301/chirp/internal/store"
)

const (
	DefaultBaseDelay    = time.Second
	DefaultMaxAttempts  = 5
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrNotStuck reports that a manual retry targeted a message that is not in
// the stuck-pending state: it is absent, already confirmed, or still queued.
var ErrNotStuck = errors.New("outbox: message is not stuck")

// MessageSender is the interface for writing a message to the remote store.
type MessageSender interface {
	SendMessage(ctx context.Context, m *model.Message) (remoteID string, err error)
}

// Result is the outcome of one queue-processing pass.
type Result struct {
	Sent   int
	Failed int
}

// Config tunes the processor. Zero values select the defaults.
type Config struct {
	BaseDelay    time.Duration // first backoff step
	MaxAttempts  int           // failures until a message is declared stuck
	PollInterval time.Duration // queue poll cadence
}

// Processor drains the outbox: it persists outgoing messages as pending,
// attempts remote writes for every due entry, and schedules retries with
// exponential backoff. A message that exhausts its attempts keeps its
// pending row but loses its bookkeeping, awaiting a manual retry.
type Processor struct {
	db     *store.DB
	sender MessageSender
	bus    *bus.Bus
	clock  clockwork.Clock
	logger *zap.Logger

	base        time.Duration
	maxAttempts int
	interval    time.Duration

	group  singleflight.Group
	cancel context.CancelFunc
}

// NewProcessor creates an outbox processor.
func NewProcessor(db *store.DB, sender MessageSender, b *bus.Bus, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Processor{
		db:          db,
		sender:      sender,
		bus:         b,
		clock:       clock,
		logger:      logger,
		base:        cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.PollInterval,
	}
}

// Enqueue persists an outgoing message as pending and makes it immediately
// eligible for the next pass. The local id is assigned here if absent. It
// fails only when the local write fails; no remote call happens yet.
func (p *Processor) Enqueue(ctx context.Context, m *model.Message) (*model.Message, error) {
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.SentAt == 0 {
		m.SentAt = p.clock.Now().UnixMilli()
	}
	m.RemoteID = ""
	m.State = model.SendPending

	if err := p.db.UpsertMessage(m); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	now := p.clock.Now().UnixMilli()
	entry := &model.OutboxEntry{LocalID: m.LocalID, NextAttemptAt: now, CreatedAt: now}
	if err := p.db.PutOutbox(entry); err != nil {
		return nil, fmt.Errorf("persist bookkeeping: %w", err)
	}

	p.publish("outbox.enqueued", map[string]string{
		"local_id": m.LocalID,
		"chat_id":  m.ChatID,
	})
	return m, nil
}

// ProcessQueue runs one pass over the due bookkeeping rows. Concurrent
// calls collapse into a single pass and share its result. Per-message
// failures are counted, never returned.
func (p *Processor) ProcessQueue(ctx context.Context) (Result, error) {
	v, err, _ := p.group.Do("pass", func() (any, error) {
		return p.pass(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Processor) pass(ctx context.Context) (Result, error) {
	var res Result
	due, err := p.db.DueOutbox(p.clock.Now().UnixMilli())
	if err != nil {
		return res, fmt.Errorf("read due bookkeeping: %w", err)
	}
	for _, entry := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		msg, err := p.db.GetMessage(entry.LocalID)
		if err != nil {
			p.logger.Error("load queued message", zap.String("local_id", entry.LocalID), zap.Error(err))
			res.Failed++
			continue
		}
		if msg == nil || msg.IsConfirmed() {
			// Confirmed by a subscription echo in the meantime, or the
			// row is gone. The bookkeeping is stale either way.
			_ = p.db.DeleteOutbox(entry.LocalID)
			continue
		}
		if p.attempt(ctx, msg, entry) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func (p *Processor) attempt(ctx context.Context, msg *model.Message, entry model.OutboxEntry) bool {
	remoteID, err := p.sender.SendMessage(ctx, msg)
	if err == nil {
		if err := p.db.ConfirmMessage(msg.LocalID, remoteID); err != nil {
			p.logger.Error("confirm sent message", zap.String("local_id", msg.LocalID), zap.Error(err))
		}
		if err := p.db.DeleteOutbox(msg.LocalID); err != nil {
			p.logger.Error("clear bookkeeping", zap.String("local_id", msg.LocalID), zap.Error(err))
		}
		p.logger.Info("message sent",
			zap.String("local_id", msg.LocalID),
			zap.String("remote_id", remoteID))
		p.publish("message.send_ack", map[string]string{
			"local_id":  msg.LocalID,
			"remote_id": remoteID,
			"chat_id":   msg.ChatID,
		})
		return true
	}

	attempts := entry.Attempts + 1
	now := p.clock.Now().UnixMilli()

	if attempts >= p.maxAttempts {
		_ = p.db.DeleteOutbox(msg.LocalID)
		p.logger.Warn("message stuck, retries exhausted",
			zap.String("local_id", msg.LocalID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		p.publish("message.send_stuck", map[string]string{
			"local_id": msg.LocalID,
			"chat_id":  msg.ChatID,
			"error":    err.Error(),
		})
		return false
	}

	delay := p.base << (attempts - 1)
	next := &model.OutboxEntry{
		LocalID:       msg.LocalID,
		Attempts:      attempts,
		LastAttemptAt: now,
		NextAttemptAt: now + delay.Milliseconds(),
		CreatedAt:     entry.CreatedAt,
	}
	if err := p.db.PutOutbox(next); err != nil {
		p.logger.Error("schedule retry", zap.String("local_id", msg.LocalID), zap.Error(err))
	}
	p.logger.Warn("send failed, retry scheduled",
		zap.String("local_id", msg.LocalID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	p.publish("message.send_failed", map[string]string{
		"local_id": msg.LocalID,
		"chat_id":  msg.ChatID,
		"error":    err.Error(),
	})
	return false
}

// RetryFailed makes every queued entry immediately eligible and runs a
// pass, ignoring backoff windows. Stuck messages are not touched.
func (p *Processor) RetryFailed(ctx context.Context) (Result, error) {
	if err := p.db.ResetOutboxBackoff(p.clock.Now().UnixMilli()); err != nil {
		return Result{}, fmt.Errorf("reset backoff: %w", err)
	}
	return p.ProcessQueue(ctx)
}

// RetryStuck re-creates the bookkeeping for a message whose retries were
// exhausted, making it eligible again with a fresh attempt budget.
func (p *Processor) RetryStuck(ctx context.Context, localID string) error {
	msg, err := p.db.GetMessage(localID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil || msg.IsConfirmed() {
		return ErrNotStuck
	}
	entry, err := p.db.GetOutbox(localID)
	if err != nil {
		return fmt.Errorf("load bookkeeping: %w", err)
	}
	if entry != nil {
		return ErrNotStuck
	}
	now := p.clock.Now().UnixMilli()
	if err := p.db.PutOutbox(&model.OutboxEntry{LocalID: localID, NextAttemptAt: now, CreatedAt: now}); err != nil {
		return fmt.Errorf("persist bookkeeping: %w", err)
	}
	p.publish("outbox.enqueued", map[string]string{
		"local_id": localID,
		"chat_id":  msg.ChatID,
	})
	return nil
}

// Start begins polling the queue. A net.online bus event triggers an
// immediate pass so reconnects flush the queue without waiting for the
// ticker.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the polling loop.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Processor) loop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	events, unsub := p.bus.Subscribe("net.", 8)
	defer unsub()

	for {
		select {
		case <-ticker.Chan():
			p.runPass(ctx)
		case evt := <-events:
			if evt.Kind == "net.online" {
				p.runPass(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) runPass(ctx context.Context) {
	if _, err := p.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("queue pass failed", zap.Error(err))
	}
}

func (p *Processor) publish(kind string, payload map[string]string) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: p.clock.Now(), Payload: payload})
}
