// Package syncer drains the pending operation queue into the backend. Each
// flush folds what it can, writes the result, and acknowledges or fails every
// source operation according to the outcome of the write that carried it.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dukapos/internal/cache"
	"dukapos/internal/domain"
	"dukapos/internal/metrics"
	"dukapos/internal/offline"
	"dukapos/internal/queue"
	"dukapos/internal/realtime"
	"dukapos/internal/store"
)

var ErrFlushInProgress = errors.New("flush already in progress")

var errUnsupported = errors.New("unsupported operation")

const (
	outcomeSynced    = "synced"
	outcomeDuplicate = "duplicate"
	outcomeMarked    = "marked"
	outcomeFailed    = "failed"
	outcomeDead      = "dead"
)

type Config struct {
	Markers   cache.ReplayMarkers
	Publisher realtime.Publisher
	// BatchSize caps the operations loaded per flush; 0 means all due.
	BatchSize int
	MarkerTTL time.Duration
}

type Replayer struct {
	repo      store.Repository
	queue     *queue.Queue
	markers   cache.ReplayMarkers
	publisher realtime.Publisher
	batchSize int
	markerTTL time.Duration
	now       func() time.Time

	mu sync.Mutex
}

func NewReplayer(repo store.Repository, q *queue.Queue, cfg Config) *Replayer {
	if cfg.Markers == nil {
		cfg.Markers = cache.NoopReplayMarkers{}
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 24 * time.Hour
	}
	return &Replayer{
		repo:      repo,
		queue:     q,
		markers:   cfg.Markers,
		publisher: cfg.Publisher,
		batchSize: cfg.BatchSize,
		markerTTL: cfg.MarkerTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// write is one backend call and the queued operations it settles.
type write struct {
	entity   domain.EntityType
	key      string
	priority int
	sources  []string
	apply    func(ctx context.Context) (*realtime.Change, error)
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Flush replays every due operation once. Only one flush runs at a time;
// a concurrent call returns ErrFlushInProgress without waiting.
func (r *Replayer) Flush(ctx context.Context) (domain.FlushReport, error) {
	if !r.mu.TryLock() {
		return domain.FlushReport{}, ErrFlushInProgress
	}
	defer r.mu.Unlock()

	report, err := r.flush(ctx)
	report.FinishedAt = r.now()
	metrics.RecordFlush(report, err)
	if stats, statsErr := r.queue.Stats(ctx); statsErr == nil {
		metrics.RecordQueueStats(stats)
	}
	return report, err
}

func (r *Replayer) flush(ctx context.Context) (domain.FlushReport, error) {
	report := domain.FlushReport{StartedAt: r.now()}

	due, err := r.queue.Due(ctx, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("load due operations: %w", err)
	}
	report.Considered = len(due)
	if len(due) == 0 {
		return report, nil
	}

	priorities := make(map[string]int, len(due))
	for _, op := range due {
		priorities[op.ID] = op.Priority
	}

	sales := offline.AggregateSales(due)
	inventory := offline.AggregateInventory(sales.Remaining)
	report.Skipped = append(report.Skipped, sales.Skipped...)
	report.Skipped = append(report.Skipped, inventory.Skipped...)

	writes := make([]write, 0, len(sales.Aggregated)+len(inventory.Operations)+len(inventory.Remaining))
	for _, agg := range sales.Aggregated {
		writes = append(writes, r.aggregatedSaleWrite(agg, maxPriority(priorities, agg.OperationIDs)))
		metrics.RecordAbsorbed(domain.EntitySale, len(agg.OperationIDs)-1)
	}
	report.AggregatedSales = len(sales.Aggregated)

	for _, op := range inventory.Operations {
		writes = append(writes, r.operationWrite(op))
		if len(op.SourceIDs) > 0 {
			report.AggregatedInventory++
			metrics.RecordAbsorbed(domain.EntityInventory, len(op.SourceIDs)-1)
		}
	}
	for _, op := range inventory.Remaining {
		writes = append(writes, r.operationWrite(op))
	}

	// referenced records land before the writes that point at them
	sort.SliceStable(writes, func(i, j int) bool {
		return writes[i].priority > writes[j].priority
	})

	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Writes++
		if err := r.replay(ctx, w, &report); err != nil {
			return report, err
		}
	}

	log.Info().
		Int("considered", report.Considered).
		Int("writes", report.Writes).
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("dead", report.DeadLettered).
		Msg("queue flushed")
	return report, nil
}

// replay runs one write and settles its sources. The returned error is only
// set when the queue itself could not be updated.
func (r *Replayer) replay(ctx context.Context, w write, report *domain.FlushReport) error {
	seen, err := r.markers.Seen(ctx, w.key)
	if err != nil {
		log.Warn().Err(err).Str("key", w.key).Msg("replay marker lookup failed")
	}
	if seen {
		if err := r.queue.Ack(ctx, w.sources); err != nil {
			return fmt.Errorf("ack %s: %w", w.key, err)
		}
		report.Synced += len(w.sources)
		metrics.RecordReplay(w.entity, outcomeMarked, len(w.sources))
		return nil
	}

	change, applyErr := w.apply(ctx)
	outcome := outcomeSynced
	if errors.Is(applyErr, store.ErrDuplicate) {
		applyErr = nil
		outcome = outcomeDuplicate
	}

	if applyErr == nil {
		if err := r.queue.Ack(ctx, w.sources); err != nil {
			return fmt.Errorf("ack %s: %w", w.key, err)
		}
		report.Synced += len(w.sources)
		metrics.RecordReplay(w.entity, outcome, len(w.sources))
		if err := r.markers.Mark(ctx, w.key, r.markerTTL); err != nil {
			log.Warn().Err(err).Str("key", w.key).Msg("replay marker write failed")
		}
		if change != nil && outcome == outcomeSynced && r.publisher != nil {
			r.publisher.Publish(*change)
		}
		return nil
	}

	var perm permanentError
	isPermanent := errors.As(applyErr, &perm) || errors.Is(applyErr, store.ErrInvalidRecord)
	log.Warn().Err(applyErr).Str("key", w.key).Bool("permanent", isPermanent).Msg("replay failed")

	for _, id := range w.sources {
		var (
			op  *domain.PendingOperation
			err error
		)
		if isPermanent {
			op, err = r.queue.Reject(ctx, id, applyErr)
		} else {
			op, err = r.queue.Fail(ctx, id, applyErr)
		}
		if err != nil {
			return fmt.Errorf("record failure for %s: %w", id, err)
		}
		report.Failed++
		if op.Dead {
			report.DeadLettered++
			metrics.RecordReplay(w.entity, outcomeDead, 1)
		} else {
			metrics.RecordReplay(w.entity, outcomeFailed, 1)
		}
	}
	return nil
}

func (r *Replayer) aggregatedSaleWrite(agg domain.AggregatedSale, priority int) write {
	return write{
		entity:   domain.EntitySale,
		key:      "sale:" + agg.ClientSaleID,
		priority: priority,
		sources:  agg.OperationIDs,
		apply: func(ctx context.Context) (*realtime.Change, error) {
			created, err := r.repo.CreateSale(ctx, offline.SaleFromAggregate(agg))
			if err != nil {
				return nil, err
			}
			change := realtime.RecordChange(domain.EntitySale, realtime.ActionInsert, created.ID, created)
			return &change, nil
		},
	}
}

func (r *Replayer) operationWrite(op domain.PendingOperation) write {
	sources := op.SourceIDs
	if len(sources) == 0 {
		sources = []string{op.ID}
	}
	w := write{
		entity:   op.EntityType,
		key:      markerKey(op),
		priority: op.Priority,
		sources:  sources,
	}
	w.apply = func(ctx context.Context) (*realtime.Change, error) {
		return r.applyOperation(ctx, op)
	}
	return w
}

// markerKey keys sale creates on the client sale id, the same key an
// aggregated sale uses, so a sale replayed under another operation id is
// still recognised.
func markerKey(op domain.PendingOperation) string {
	if op.EntityType == domain.EntitySale && op.Kind == domain.OpCreate {
		clientSaleID := op.ID
		if payload, err := offline.DecodeSale(op); err == nil && payload.ClientSaleID != "" {
			clientSaleID = payload.ClientSaleID
		}
		return "sale:" + clientSaleID
	}
	return string(op.EntityType) + ":" + string(op.Kind) + ":" + op.ID
}

func (r *Replayer) applyOperation(ctx context.Context, op domain.PendingOperation) (*realtime.Change, error) {
	switch op.EntityType {
	case domain.EntitySale:
		return r.applySale(ctx, op)
	case domain.EntityInventory:
		return r.applyInventory(ctx, op)
	case domain.EntityProduct:
		return r.applyProduct(ctx, op)
	case domain.EntityCustomer:
		return r.applyCustomer(ctx, op)
	default:
		return nil, permanent(fmt.Errorf("%w: entity %q", errUnsupported, op.EntityType))
	}
}

func (r *Replayer) applySale(ctx context.Context, op domain.PendingOperation) (*realtime.Change, error) {
	switch op.Kind {
	case domain.OpCreate:
		payload, err := offline.DecodeSale(op)
		if err != nil {
			return nil, permanent(err)
		}
		created, err := r.repo.CreateSale(ctx, offline.SaleFromPayload(op.ID, op.Timestamp, payload))
		if err != nil {
			return nil, err
		}
		change := realtime.RecordChange(domain.EntitySale, realtime.ActionInsert, created.ID, created)
		return &change, nil
	case domain.OpDelete:
		id, err := decodeID(op)
		if err != nil {
			return nil, permanent(err)
		}
		return deleted(domain.EntitySale, id, r.repo.DeleteSale(ctx, id))
	default:
		return nil, permanent(fmt.Errorf("%w: sales are append-only", errUnsupported))
	}
}

func (r *Replayer) applyInventory(ctx context.Context, op domain.PendingOperation) (*realtime.Change, error) {
	if op.Kind != domain.OpUpdate {
		return nil, permanent(fmt.Errorf("%w: inventory %s", errUnsupported, op.Kind))
	}
	payload, err := offline.DecodeInventory(op)
	if err != nil {
		return nil, permanent(err)
	}
	product, err := r.repo.AdjustInventory(ctx, domain.InventoryAdjustment{
		ProductID:      payload.ProductID,
		QuantityChange: payload.QuantityChange,
		Stock:          payload.Stock,
		At:             op.Timestamp,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, permanent(err)
		}
		return nil, err
	}
	change := realtime.RecordChange(domain.EntityProduct, realtime.ActionUpdate, product.ID, product)
	return &change, nil
}

func (r *Replayer) applyProduct(ctx context.Context, op domain.PendingOperation) (*realtime.Change, error) {
	if op.Kind == domain.OpDelete {
		id, err := decodeID(op)
		if err != nil {
			return nil, permanent(err)
		}
		return deleted(domain.EntityProduct, id, r.repo.DeleteProduct(ctx, id))
	}

	var product domain.Product
	if err := json.Unmarshal(op.Payload, &product); err != nil {
		return nil, permanent(err)
	}
	saved, err := r.repo.UpsertProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	change := realtime.RecordChange(domain.EntityProduct, actionFor(op.Kind), saved.ID, saved)
	return &change, nil
}

func (r *Replayer) applyCustomer(ctx context.Context, op domain.PendingOperation) (*realtime.Change, error) {
	if op.Kind == domain.OpDelete {
		id, err := decodeID(op)
		if err != nil {
			return nil, permanent(err)
		}
		return deleted(domain.EntityCustomer, id, r.repo.DeleteCustomer(ctx, id))
	}

	var customer domain.Customer
	if err := json.Unmarshal(op.Payload, &customer); err != nil {
		return nil, permanent(err)
	}
	saved, err := r.repo.UpsertCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	change := realtime.RecordChange(domain.EntityCustomer, actionFor(op.Kind), saved.ID, saved)
	return &change, nil
}

// deleted treats a missing record as already deleted.
func deleted(entity domain.EntityType, id string, err error) (*realtime.Change, error) {
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	change := realtime.RecordChange(entity, realtime.ActionDelete, id, nil)
	return &change, nil
}

func decodeID(op domain.PendingOperation) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &body); err != nil {
		return "", err
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		return "", errors.New("missing id")
	}
	return id, nil
}

func actionFor(kind domain.OperationKind) string {
	if kind == domain.OpCreate {
		return realtime.ActionInsert
	}
	return realtime.ActionUpdate
}

func maxPriority(priorities map[string]int, ids []string) int {
	best := 0
	for _, id := range ids {
		if p := priorities[id]; p > best {
			best = p
		}
	}
	return best
}
