// Package points implements the fire-and-forget points ledger collaborator:
// deltas are enqueued as background tasks and applied to durable storage by a
// separate worker, so no orchestration path ever waits on the ledger.
package points

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeApplyDelta is the task type for a single points mutation.
const TypeApplyDelta = "points:apply"

// ApplyDeltaPayload is the task payload for TypeApplyDelta.
type ApplyDeltaPayload struct {
	UserID string `json:"userId"`
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// NewApplyDeltaTask builds the asynq task for a points mutation.
//
// Precondition: userID and reason must be non-empty.
func NewApplyDeltaTask(userID string, delta int, reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(ApplyDeltaPayload{UserID: userID, Delta: delta, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshalling points payload: %w", err)
	}
	return asynq.NewTask(TypeApplyDelta, payload, asynq.MaxRetry(5)), nil
}

// AsynqLedger enqueues points deltas onto the task queue. It satisfies the
// challenge.Ledger contract.
type AsynqLedger struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewAsynqLedger creates an AsynqLedger.
//
// Precondition: client and logger must be non-nil.
func NewAsynqLedger(client *asynq.Client, logger *zap.Logger) *AsynqLedger {
	return &AsynqLedger{client: client, logger: logger}
}

// ApplyDelta enqueues the delta for background application.
//
// Postcondition: Returns a non-nil error only if the task could not be
// enqueued; application itself happens later in the worker.
func (l *AsynqLedger) ApplyDelta(ctx context.Context, userID string, delta int, reason string) error {
	task, err := NewApplyDeltaTask(userID, delta, reason)
	if err != nil {
		return err
	}
	info, err := l.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueueing points delta: %w", err)
	}
	l.logger.Debug("points delta enqueued",
		zap.String("task_id", info.ID),
		zap.String("user_id", userID),
		zap.Int("delta", delta),
		zap.String("reason", reason),
	)
	return nil
}

// NopLedger discards all deltas. Useful in tests and when running without a
// broker.
type NopLedger struct{}

// ApplyDelta discards the delta.
func (NopLedger) ApplyDelta(context.Context, string, int, string) error { return nil }

// Applier is the storage side of the ledger, implemented by
// postgres.PointsRepository.
type Applier interface {
	Apply(ctx context.Context, userID string, delta int, reason string) error
}

// Handler applies dequeued points tasks to storage. It satisfies
// asynq.Handler.
type Handler struct {
	applier Applier
	logger  *zap.Logger
}

// NewHandler creates a Handler.
//
// Precondition: applier and logger must be non-nil.
func NewHandler(applier Applier, logger *zap.Logger) *Handler {
	return &Handler{applier: applier, logger: logger}
}

// ProcessTask decodes and applies one points delta.
//
// Postcondition: Returns a non-nil error to trigger asynq's retry policy.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ApplyDeltaPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decoding points payload: %w", err)
	}
	if err := h.applier.Apply(ctx, p.UserID, p.Delta, p.Reason); err != nil {
		return fmt.Errorf("applying points delta for %s: %w", p.UserID, err)
	}
	h.logger.Debug("points delta applied",
		zap.String("user_id", p.UserID),
		zap.Int("delta", p.Delta),
		zap.String("reason", p.Reason),
	)
	return nil
}
