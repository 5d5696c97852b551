package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SendFunc delivers an outbox message over the transport and returns the
// provider's message identifier.
type SendFunc func(ctx context.Context, msg OutboxMessage) (externalID string, err error)

// OutboxSender drains the outbox table. Messages are claimed in small
// batches, sent one at a time, and retried with linear backoff until
// their attempts run out.
type OutboxSender struct {
	repo OutboxRepo
	send SendFunc

	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	BackoffBase  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewOutboxSender creates a sender that delivers messages via send.
func NewOutboxSender(repo OutboxRepo, send SendFunc) *OutboxSender {
	return &OutboxSender{
		repo:         repo,
		send:         send,
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		StaleAfter:   5 * time.Minute,
		BackoffBase:  3 * time.Second,
	}
}

// Start begins polling and recovers messages stuck in the sending state.
func (o *OutboxSender) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	n, err := o.repo.RequeueStaleSendingMessages(time.Now().Add(-o.StaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.Start: recovered stale messages", "count", n)
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	go o.loop(runCtx)
	return nil
}

// Stop cancels the poll loop and waits for the current batch to finish.
func (o *OutboxSender) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()
	cancel()
	<-done
}

func (o *OutboxSender) loop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()
	staleTicker := time.NewTicker(o.StaleAfter)
	defer staleTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			if n, err := o.repo.RequeueStaleSendingMessages(time.Now().Add(-o.StaleAfter)); err != nil {
				slog.Error("OutboxSender: stale requeue failed", "error", err)
			} else if n > 0 {
				slog.Warn("OutboxSender: requeued stale messages", "count", n)
			}
		case <-ticker.C:
			o.drain(ctx)
		}
	}
}

func (o *OutboxSender) drain(ctx context.Context) {
	msgs, err := o.repo.ClaimDueOutboxMessages(time.Now(), o.BatchSize)
	if err != nil {
		slog.Error("OutboxSender: claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		o.deliver(ctx, msg)
	}
}

func (o *OutboxSender) deliver(ctx context.Context, msg OutboxMessage) {
	externalID, err := o.send(ctx, msg)
	if err == nil {
		if merr := o.repo.MarkOutboxMessageSent(msg.ID, externalID); merr != nil {
			slog.Error("OutboxSender: sent update failed", "error", merr, "outboxID", msg.ID)
		}
		return
	}
	if msg.Attempts >= msg.MaxAttempts {
		slog.Error("OutboxSender: giving up on message", "outboxID", msg.ID, "attempts", msg.Attempts, "error", err)
		if merr := o.repo.MarkOutboxMessageFailed(msg.ID, err.Error()); merr != nil {
			slog.Error("OutboxSender: failed update failed", "error", merr, "outboxID", msg.ID)
		}
		return
	}
	nextAttempt := time.Now().Add(o.BackoffBase * time.Duration(msg.Attempts))
	slog.Warn("OutboxSender: send failed, will retry", "outboxID", msg.ID, "attempt", msg.Attempts, "error", err)
	if merr := o.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); merr != nil {
		slog.Error("OutboxSender: retry update failed", "error", merr, "outboxID", msg.ID)
	}
}
