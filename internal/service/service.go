package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dukapos/internal/domain"
	"dukapos/internal/metrics"
	"dukapos/internal/offline"
	"dukapos/internal/queue"
	"dukapos/internal/realtime"
	"dukapos/internal/splitpay"
	"dukapos/internal/store"
	"dukapos/internal/syncer"
)

var (
	ErrInvalidSplit = errors.New("invalid split payment")
	ErrForbidden    = errors.New("admin role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Flusher interface {
	Flush(ctx context.Context) (domain.FlushReport, error)
}

type Service struct {
	repo      store.Repository
	queue     *queue.Queue
	flusher   Flusher
	publisher realtime.Publisher
	now       func() time.Time
}

func New(repo store.Repository, q *queue.Queue, flusher Flusher, publisher realtime.Publisher) *Service {
	return &Service{
		repo:      repo,
		queue:     q,
		flusher:   flusher,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ValidateSplitPayment(group domain.SplitGroup) domain.ValidationResult {
	return splitpay.ValidateGroup(group)
}

// RecordSplitSale stores one leg per payment entry and takes the sold
// quantity out of stock once for the whole group. Legs the backend refuses
// for transient reasons, or every leg when the terminal is offline, are
// queued for replay instead.
//
// When a leg fails outright the legs before it stay written or queued, stock
// is still taken for the group, and the error is returned with the partial
// response. Retrying the same reference completes the missing legs without
// touching stock again.
func (s *Service) RecordSplitSale(ctx context.Context, req domain.SplitSaleRequest) (domain.SplitSaleResponse, error) {
	group := req.SplitGroup
	group.ProductID = strings.TrimSpace(group.ProductID)
	group.CustomerID = strings.TrimSpace(group.CustomerID)

	if !req.Offline && (group.ProductName == "" || group.SellingPrice.IsZero()) {
		s.fillFromCatalogue(ctx, &group)
	}
	if result := splitpay.ValidateGroup(group); !result.IsValid {
		return domain.SplitSaleResponse{}, fmt.Errorf("%w: %s", ErrInvalidSplit, result.Error)
	}
	if group.Reference == "" {
		group.Reference = splitpay.GenerateReference()
	}
	if group.SoldAt.IsZero() {
		group.SoldAt = s.now()
	}

	legs := splitpay.BuildSales(group)
	resp := domain.SplitSaleResponse{
		Reference: group.Reference,
		Legs:      make([]domain.SplitLegResult, 0, len(legs)),
	}

	var legErr error
	recorded, queued := 0, 0
	for _, leg := range legs {
		result, err := s.recordLeg(ctx, leg, req.Offline)
		if err != nil {
			legErr = err
			break
		}
		switch result.Status {
		case domain.LegStatusRecorded:
			recorded++
		case domain.LegStatusQueued:
			queued++
		}
		resp.Legs = append(resp.Legs, result)
	}

	if recorded+queued > 0 {
		s.takeStock(ctx, group, recorded > 0)
	}
	if legErr != nil {
		log.Warn().Err(legErr).
			Str("reference", group.Reference).
			Int("recorded", recorded).
			Int("queued", queued).
			Msg("split sale stopped after a failed leg")
		return resp, legErr
	}

	log.Info().
		Str("reference", group.Reference).
		Int("legs", len(legs)).
		Int("recorded", recorded).
		Int("queued", queued).
		Msg("split sale recorded")
	return resp, nil
}

func (s *Service) recordLeg(ctx context.Context, leg domain.Sale, offlineMode bool) (domain.SplitLegResult, error) {
	if !offlineMode {
		created, err := s.repo.CreateSale(ctx, leg)
		switch {
		case err == nil:
			s.publish(realtime.RecordChange(domain.EntitySale, realtime.ActionInsert, created.ID, created))
			return domain.SplitLegResult{Sale: *created, Status: domain.LegStatusRecorded}, nil
		case errors.Is(err, store.ErrDuplicate):
			if existing, findErr := s.repo.FindSaleByClientID(ctx, leg.ClientSaleID); findErr == nil {
				leg = *existing
			}
			return domain.SplitLegResult{Sale: leg, Status: domain.LegStatusDuplicate}, nil
		case errors.Is(err, store.ErrInvalidRecord):
			return domain.SplitLegResult{}, fmt.Errorf("record leg %s: %w", leg.ClientSaleID, err)
		default:
			log.Warn().Err(err).Str("client_sale_id", leg.ClientSaleID).Msg("backend write failed, queueing leg")
			result, qErr := s.queueLeg(ctx, leg)
			result.Reason = err.Error()
			return result, qErr
		}
	}
	return s.queueLeg(ctx, leg)
}

func (s *Service) queueLeg(ctx context.Context, leg domain.Sale) (domain.SplitLegResult, error) {
	_, err := s.queue.Enqueue(ctx, domain.PendingOperation{
		ID:         leg.ClientSaleID,
		EntityType: domain.EntitySale,
		Kind:       domain.OpCreate,
		Payload:    mustJSON(offline.PayloadFromSale(leg)),
		Timestamp:  leg.CreatedAt,
	})
	switch {
	case err == nil:
		return domain.SplitLegResult{Sale: leg, Status: domain.LegStatusQueued}, nil
	case errors.Is(err, queue.ErrDuplicateOperation):
		return domain.SplitLegResult{Sale: leg, Status: domain.LegStatusDuplicate}, nil
	default:
		return domain.SplitLegResult{}, fmt.Errorf("queue leg %s: %w", leg.ClientSaleID, err)
	}
}

// StockClaimID names the queue entry that takes stock for a split group.
// The entry exists once per reference whether the adjustment went out online
// or waits in the queue, so retries of the same reference never take stock
// twice.
func StockClaimID(reference string) string {
	return reference + "_inventory"
}

// stockHold keeps a reserved stock entry out of the flusher's hands while the
// online adjustment is in flight.
const stockHold = time.Minute

// takeStock applies the group's quantity once per reference. A failed online
// adjustment is left to the queue so the stock still converges on replay.
func (s *Service) takeStock(ctx context.Context, group domain.SplitGroup, online bool) {
	op := domain.PendingOperation{
		ID:         StockClaimID(group.Reference),
		EntityType: domain.EntityInventory,
		Kind:       domain.OpUpdate,
		Payload:    mustJSON(domain.InventoryPayload{ProductID: group.ProductID, QuantityChange: -group.Quantity}),
		Timestamp:  group.SoldAt,
	}

	if !online {
		_, err := s.queue.Enqueue(ctx, op)
		switch {
		case errors.Is(err, queue.ErrDuplicateOperation):
			log.Debug().Str("reference", group.Reference).Msg("stock already taken for reference")
		case err != nil:
			log.Error().Err(err).Str("reference", group.Reference).Msg("failed to queue stock adjustment")
		}
		return
	}

	if _, err := s.queue.Reserve(ctx, op, stockHold); err != nil {
		if errors.Is(err, queue.ErrDuplicateOperation) {
			log.Debug().Str("reference", group.Reference).Msg("stock already taken for reference")
		} else {
			log.Error().Err(err).Str("reference", group.Reference).Msg("failed to reserve stock adjustment")
		}
		return
	}

	product, err := s.repo.AdjustInventory(ctx, domain.InventoryAdjustment{
		ProductID:      group.ProductID,
		QuantityChange: -group.Quantity,
		At:             group.SoldAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("product_id", group.ProductID).Msg("stock adjustment failed, queueing")
		if _, failErr := s.queue.Fail(ctx, op.ID, err); failErr != nil {
			log.Error().Err(failErr).Str("reference", group.Reference).Msg("failed to release stock adjustment to the queue")
		}
		return
	}
	if err := s.queue.Ack(ctx, []string{op.ID}); err != nil {
		log.Error().Err(err).Str("reference", group.Reference).Msg("failed to settle stock adjustment")
	}
	s.publish(realtime.RecordChange(domain.EntityProduct, realtime.ActionUpdate, product.ID, product))
}

func (s *Service) fillFromCatalogue(ctx context.Context, group *domain.SplitGroup) {
	if group.ProductID == "" {
		return
	}
	product, err := s.repo.GetProduct(ctx, group.ProductID)
	if err != nil {
		return
	}
	if group.ProductName == "" {
		group.ProductName = product.Name
	}
	if group.SellingPrice.IsZero() {
		group.SellingPrice = product.SellingPrice
		group.CostPrice = product.CostPrice
	}
}

func (s *Service) GetSplitTransaction(ctx context.Context, reference string) (domain.SplitTransaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.SplitTransaction{}, store.ErrNotFound
	}
	legs, err := s.repo.ListSales(ctx, domain.SaleFilter{Reference: reference})
	if err != nil {
		return domain.SplitTransaction{}, err
	}
	if len(legs) == 0 {
		return domain.SplitTransaction{}, store.ErrNotFound
	}
	return splitpay.Summarize(reference, legs), nil
}

func (s *Service) ListSplitTransactions(ctx context.Context, filter domain.SaleFilter) ([]domain.SplitTransaction, error) {
	filter.SplitOnly = true
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return nil, err
	}
	return splitpay.Transactions(sales), nil
}

// SubmitOfflineOperations queues a terminal's batch. Operations without an
// id get one derived from the envelope so a resubmitted envelope is reported
// as duplicate rather than queued twice.
func (s *Service) SubmitOfflineOperations(ctx context.Context, req domain.OfflineSyncRequest) (domain.OfflineSyncResponse, error) {
	resp := domain.OfflineSyncResponse{
		EnvelopeID: req.EnvelopeID,
		Statuses:   make([]domain.OfflineSyncStatus, 0, len(req.Operations)),
	}

	for i, in := range req.Operations {
		id := strings.TrimSpace(in.ID)
		if id == "" && req.EnvelopeID != "" {
			id = req.EnvelopeID + "-" + strconv.Itoa(i)
		}
		op := domain.PendingOperation{
			ID:         id,
			EntityType: in.EntityType,
			Kind:       in.Kind,
			Payload:    in.Payload,
			Priority:   in.Priority,
		}
		if in.Timestamp != nil {
			op.Timestamp = in.Timestamp.UTC()
		}

		status := domain.OfflineSyncStatus{OperationID: id}
		queued, err := s.queue.Enqueue(ctx, op)
		switch {
		case err == nil:
			status.OperationID = queued.ID
			status.Status = domain.SyncStatusAccepted
		case errors.Is(err, queue.ErrDuplicateOperation):
			status.Status = domain.SyncStatusDuplicate
		default:
			status.Status = domain.SyncStatusRejected
			status.Reason = err.Error()
		}
		resp.Statuses = append(resp.Statuses, status)
	}

	log.Info().
		Str("terminal_id", req.TerminalID).
		Str("envelope_id", req.EnvelopeID).
		Int("operations", len(req.Operations)).
		Msg("offline operations received")

	if req.Flush && s.flusher != nil {
		report, err := s.flusher.Flush(ctx)
		switch {
		case err == nil:
			resp.Flush = &report
		case errors.Is(err, syncer.ErrFlushInProgress):
			log.Debug().Msg("flush already running, operations stay queued")
		default:
			log.Warn().Err(err).Msg("flush after offline submit failed")
		}
	}
	return resp, nil
}

func (s *Service) Flush(ctx context.Context) (domain.FlushReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.FlushReport{}, err
	}
	if s.flusher == nil {
		return domain.FlushReport{}, errors.New("flush is not configured")
	}
	return s.flusher.Flush(ctx)
}

func (s *Service) QueueStatus(ctx context.Context, limit int) (domain.QueueStatusResponse, error) {
	if limit < 1 {
		limit = 50
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return domain.QueueStatusResponse{}, err
	}
	metrics.RecordQueueStats(stats)

	ops, err := s.queue.List(ctx, false, limit)
	if err != nil {
		return domain.QueueStatusResponse{}, err
	}
	return domain.QueueStatusResponse{Stats: stats, Operations: ops}, nil
}

func (s *Service) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := requireAdmin(ctx); err != nil {
		return 0, err
	}
	if olderThan < 0 {
		olderThan = 0
	}
	n, err := s.queue.PurgeSynced(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	log.Info().Int("purged", n).Dur("older_than", olderThan).Msg("synced operations purged")
	return n, nil
}

func (s *Service) publish(change realtime.Change) {
	if s.publisher != nil {
		s.publisher.Publish(change)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

// mustJSON encodes the payload structs built in this package, none of which
// can fail to marshal.
func mustJSON(v any) json.RawMessage {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return body
}
