// Package queue holds writes that could not reach the backend yet. Each
// operation is retried with exponential backoff until it is acknowledged or
// runs out of attempts, at which point it is dead-lettered and kept for
// inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"dukapos/internal/domain"
)

var (
	ErrDuplicateOperation = errors.New("operation already queued")
	ErrNotFound           = errors.New("operation not found")
	ErrInvalidOperation   = errors.New("invalid operation")
)

type Store interface {
	Insert(ctx context.Context, op domain.PendingOperation) error
	Get(ctx context.Context, id string) (*domain.PendingOperation, error)
	// List returns operations in replay order. Synced operations are only
	// included when includeSynced is set.
	List(ctx context.Context, includeSynced bool, limit int) ([]domain.PendingOperation, error)
	// Due returns live operations whose next attempt is not after now,
	// highest priority first, then oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]domain.PendingOperation, error)
	MarkSynced(ctx context.Context, ids []string, at time.Time) error
	UpdateFailure(ctx context.Context, id string, attempts int, reason string, nextAttemptAt time.Time, dead bool) error
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each delay by up to ±Jitter of its value (0.0 to 1.0).
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     30 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Backoff returns the delay before the given attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

type Queue struct {
	store  Store
	policy RetryPolicy
	now    func() time.Time
}

func New(store Store, policy RetryPolicy) *Queue {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Queue{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source; tests use it to step past backoff.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Enqueue fills in id, timestamp and priority when absent and stores the
// operation as immediately due.
func (q *Queue) Enqueue(ctx context.Context, op domain.PendingOperation) (domain.PendingOperation, error) {
	return q.insert(ctx, op, 0)
}

// Reserve stores op like Enqueue but holds it back from replay for hold. The
// caller applies the write itself and then calls Ack, or Fail so the queue
// takes over. A second Reserve or Enqueue of the same id reports
// ErrDuplicateOperation, which makes the id a once-only claim.
func (q *Queue) Reserve(ctx context.Context, op domain.PendingOperation, hold time.Duration) (domain.PendingOperation, error) {
	if hold < 0 {
		hold = 0
	}
	return q.insert(ctx, op, hold)
}

func (q *Queue) insert(ctx context.Context, op domain.PendingOperation, hold time.Duration) (domain.PendingOperation, error) {
	if !op.EntityType.Valid() || !op.Kind.Valid() {
		return domain.PendingOperation{}, fmt.Errorf("%w: unknown entity or kind %s/%s", ErrInvalidOperation, op.EntityType, op.Kind)
	}
	if len(op.Payload) == 0 || !json.Valid(op.Payload) {
		return domain.PendingOperation{}, fmt.Errorf("%w: payload must be valid json", ErrInvalidOperation)
	}

	now := q.now()
	op.ID = strings.TrimSpace(op.ID)
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}
	if op.Priority == 0 {
		op.Priority = domain.DefaultPriority(op.EntityType)
	}
	op.Attempts = 0
	op.Synced = false
	op.SyncedAt = nil
	op.Dead = false
	op.LastError = ""
	op.NextAttemptAt = now.Add(hold)

	if err := q.store.Insert(ctx, op); err != nil {
		return domain.PendingOperation{}, err
	}
	return op, nil
}

func (q *Queue) Due(ctx context.Context, limit int) ([]domain.PendingOperation, error) {
	return q.store.Due(ctx, q.now(), limit)
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.PendingOperation, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, includeSynced bool, limit int) ([]domain.PendingOperation, error) {
	return q.store.List(ctx, includeSynced, limit)
}

func (q *Queue) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.store.MarkSynced(ctx, ids, q.now())
}

// Fail records a failed attempt. The returned operation reflects the new
// state; Dead is set once the policy's attempt budget is spent.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*domain.PendingOperation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Synced || op.Dead {
		return op, nil
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	op.Attempts++
	op.LastError = reason
	op.Dead = op.Attempts >= q.policy.MaxAttempts
	op.NextAttemptAt = q.now().Add(q.policy.Backoff(op.Attempts))

	if err := q.store.UpdateFailure(ctx, op.ID, op.Attempts, op.LastError, op.NextAttemptAt, op.Dead); err != nil {
		return nil, err
	}
	return op, nil
}

// Reject dead-letters an operation that can never succeed, such as one whose
// payload does not decode.
func (q *Queue) Reject(ctx context.Context, id string, cause error) (*domain.PendingOperation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Synced || op.Dead {
		return op, nil
	}

	op.Attempts++
	op.LastError = "rejected"
	if cause != nil {
		op.LastError = cause.Error()
	}
	op.Dead = true
	op.NextAttemptAt = q.now()

	if err := q.store.UpdateFailure(ctx, op.ID, op.Attempts, op.LastError, op.NextAttemptAt, true); err != nil {
		return nil, err
	}
	return op, nil
}

func (q *Queue) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.PurgeSynced(ctx, q.now().Add(-olderThan))
}

func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.store.Stats(ctx)
}
