// Package notify delivers task-completion notifications. A notification is
// recorded as an outbox entity in the same transaction that makes the task
// final, then published after the commit; the outbox entry is deleted on
// successful publish, and a periodic sweep retries whatever is left over.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/taskfarm/go/db"
	"go.skia.org/taskfarm/go/types"
)

const (
	// inlinePublishTimeout bounds the post-commit publish attempt; beyond
	// it the outbox sweep takes over. Kept short so a pub/sub outage does
	// not stall finalizing callers.
	inlinePublishTimeout = 5 * time.Second

	// inlinePublishRetries is how many times the inline publish retries
	// after the first failure. The outbox sweep carries the rest.
	inlinePublishRetries = 1

	// sweepBatchSize is how many outbox records one sweep retries.
	sweepBatchSize = 100

	// sweepMinAge keeps the sweep from racing the inline publish of a
	// just-committed notification.
	sweepMinAge = 2 * time.Minute

	// maxAttempts is the number of sweep deliveries before a notification
	// is dropped.
	maxAttempts = 20
)

// Publisher sends one message to a topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error
}

// Message is the JSON payload sent when a task reaches a final state.
type Message struct {
	TaskID          string `json:"taskId"`
	State           string `json:"state"`
	TryNumber       int    `json:"tryNumber"`
	Failure         bool   `json:"failure"`
	InternalFailure bool   `json:"internalFailure"`
	DedupedFrom     string `json:"dedupedFrom,omitempty"`
}

// Notifier builds and delivers completion notifications.
type Notifier struct {
	store db.Store
	pub   Publisher

	// inlineTimeout bounds the post-commit publish attempt.
	inlineTimeout time.Duration
}

// New returns a Notifier publishing through pub.
func New(store db.Store, pub Publisher) *Notifier {
	return &Notifier{store: store, pub: pub, inlineTimeout: inlinePublishTimeout}
}

// EnqueueCompletion records a notification for the now-final summary inside
// tx and schedules its delivery for after the commit. No-op if the request
// has no topic.
func (n *Notifier) EnqueueCompletion(ctx context.Context, tx db.Tx, req *types.TaskRequest, sum *types.TaskResultSummary) error {
	if req.PubSubTopic == "" {
		return nil
	}
	payload, err := json.Marshal(Message{
		TaskID:          sum.RequestID.String(),
		State:           string(sum.State),
		TryNumber:       sum.TryNumber,
		Failure:         sum.Failure,
		InternalFailure: sum.InternalFailure,
		DedupedFrom:     sum.DedupedFrom,
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	rec := &types.OutboxRecord{
		ID:        uuid.New().String(),
		Topic:     req.PubSubTopic,
		Payload:   payload,
		Attrs:     map[string]string{"taskId": sum.RequestID.String()},
		Created:   now.Now(ctx),
		RequestID: sum.RequestID,
	}
	if err := tx.PutOutbox(rec); err != nil {
		return skerr.Wrap(err)
	}
	tx.Defer(func(ctx context.Context) {
		n.deliver(ctx, rec)
	})
	return nil
}

// deliver publishes rec with a short retry budget and deletes the outbox
// record on success. Failures are left for FlushOutbox.
func (n *Notifier) deliver(ctx context.Context, rec *types.OutboxRecord) {
	ctx, cancel := context.WithTimeout(ctx, n.inlineTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), inlinePublishRetries), ctx)
	err := backoff.Retry(func() error {
		return n.pub.Publish(ctx, rec.Topic, rec.Payload, rec.Attrs)
	}, b)
	if err != nil {
		sklog.Warningf("Failed to publish notification for task %s; leaving it to the outbox sweep: %s", rec.RequestID, err)
		metrics2.GetCounter("taskfarm_notify_deferred").Inc(1)
		return
	}
	n.markDelivered(ctx, rec.ID)
	metrics2.GetCounter("taskfarm_notify_sent").Inc(1)
}

func (n *Notifier) markDelivered(ctx context.Context, id string) {
	err := n.store.RunTransaction(ctx, "notify-delivered", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
		return tx.DeleteOutbox(id)
	})
	if err != nil {
		sklog.Warningf("Failed to delete delivered outbox record %s; the sweep may redeliver: %s", id, err)
	}
}

// FlushOutbox retries undelivered notifications. Notifications delivered via
// the outbox may arrive more than once; subscribers are expected to
// deduplicate on task id.
func (n *Notifier) FlushOutbox(ctx context.Context) error {
	recs, err := n.store.ListOutbox(ctx, sweepBatchSize)
	if err != nil {
		return skerr.Wrap(err)
	}
	cutoff := now.Now(ctx).Add(-sweepMinAge)
	for _, rec := range recs {
		if rec.Created.After(cutoff) {
			continue
		}
		if rec.Attempts >= maxAttempts {
			sklog.Errorf("Dropping notification for task %s after %d attempts.", rec.RequestID, rec.Attempts)
			n.markDelivered(ctx, rec.ID)
			metrics2.GetCounter("taskfarm_notify_dropped").Inc(1)
			continue
		}
		if err := n.pub.Publish(ctx, rec.Topic, rec.Payload, rec.Attrs); err != nil {
			sklog.Warningf("Outbox publish for task %s failed: %s", rec.RequestID, err)
			rec := rec
			if err := n.store.RunTransaction(ctx, "notify-attempt", db.DefaultTxnRetries, func(ctx context.Context, tx db.Tx) error {
				rec.Attempts++
				return tx.PutOutbox(rec)
			}); err != nil {
				sklog.Warningf("Failed to bump attempt count for outbox record %s: %s", rec.ID, err)
			}
			continue
		}
		n.markDelivered(ctx, rec.ID)
		metrics2.GetCounter("taskfarm_notify_sent").Inc(1)
	}
	return nil
}
