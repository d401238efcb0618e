package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/internal/mapper"
	"github.com/merchhub/kiwisync/internal/observability/metrics"
	"github.com/merchhub/kiwisync/internal/writes"
)

const (
	// Failed events keep a short error for diagnosis, never the whole
	// stack of wrapped messages.
	maxStoredErrorLen = 180

	// RetryBatchSize bounds how many failed events one retry pass
	// reprocesses.
	RetryBatchSize = 20
)

// Outcome classifies what happened to an incoming delivery.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomeInvalidPayload   Outcome = "invalid_payload"
	OutcomeFailed           Outcome = "failed"
)

// IngestResult is what the transport layer turns into an HTTP response.
type IngestResult struct {
	Outcome Outcome
	EventID string
	Error   string
}

// Processor ingests webhook deliveries: verifies the signature, records
// the event exactly once, and applies it through the same write layer
// the sync engine uses, customers before sales.
type Processor struct {
	db      *gorm.DB
	store   *writes.Store
	secrets []string
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewProcessor(
	gdb *gorm.DB,
	store *writes.Store,
	secrets []string,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Processor {
	return &Processor{
		db:      gdb,
		store:   store,
		secrets: secrets,
		clock:   clk,
		metrics: m,
		log:     log.Named("webhook"),
	}
}

// Ingest handles one delivery. With secrets configured, a delivery that
// matches none of them is rejected before anything is stored. Replayed
// event ids are acknowledged without reprocessing.
func (p *Processor) Ingest(ctx context.Context, rawBody []byte, headers http.Header) IngestResult {
	if len(p.secrets) > 0 {
		if token := InferTokenFromSignature(headers, rawBody, p.secrets); token == "" {
			p.count(OutcomeInvalidSignature)
			return IngestResult{Outcome: OutcomeInvalidSignature}
		}
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil || body == nil {
		p.count(OutcomeInvalidPayload)
		return IngestResult{Outcome: OutcomeInvalidPayload}
	}

	details := ExtractEventDetails(body, rawBody, headers.Get("x-kiwify-webhook-event"))

	row := entity.AppEvent{
		ID:      details.ID,
		Type:    details.Type,
		Status:  entity.EventStatusProcessing,
		Payload: rawBody,
		SeenAt:  p.clock.Now(),
	}
	insert := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if insert.Error != nil {
		p.count(OutcomeFailed)
		return IngestResult{Outcome: OutcomeFailed, EventID: details.ID, Error: insert.Error.Error()}
	}
	if insert.RowsAffected == 0 {
		p.count(OutcomeDuplicate)
		return IngestResult{Outcome: OutcomeDuplicate, EventID: details.ID}
	}

	if err := p.process(ctx, details.Type, details.Payload); err != nil {
		p.markFailed(ctx, details.ID, err)
		p.count(OutcomeFailed)
		return IngestResult{Outcome: OutcomeFailed, EventID: details.ID, Error: err.Error()}
	}

	p.markProcessed(ctx, details.ID)
	p.count(OutcomeAccepted)
	return IngestResult{Outcome: OutcomeAccepted, EventID: details.ID}
}

// RetryFailed reprocesses failed events oldest first, a bounded batch
// per call. Events that fail again keep the failed status with a fresh
// error message.
func (p *Processor) RetryFailed(ctx context.Context) (retried, processed int, err error) {
	var rows []entity.AppEvent
	err = p.db.WithContext(ctx).
		Where("status = ?", entity.EventStatusFailed).
		Order("seen_at asc").
		Limit(RetryBatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, 0, err
	}

	for _, row := range rows {
		retried++

		var body map[string]any
		if err := json.Unmarshal(row.Payload, &body); err != nil {
			p.markFailed(ctx, row.ID, errors.New("stored payload is not valid json"))
			continue
		}
		details := ExtractEventDetails(body, row.Payload, row.Type)

		p.db.WithContext(ctx).Model(&entity.AppEvent{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"status": entity.EventStatusProcessing, "seen_at": p.clock.Now()})

		if err := p.process(ctx, details.Type, details.Payload); err != nil {
			p.markFailed(ctx, row.ID, err)
			continue
		}
		p.markProcessed(ctx, row.ID)
		processed++
	}
	return retried, processed, nil
}

// process applies one event to the mirror. Unknown types are accepted
// and recorded without touching entity tables.
func (p *Processor) process(ctx context.Context, eventType string, payload map[string]any) error {
	kind := strings.ToLower(eventType)

	switch {
	case strings.Contains(kind, "sale"), strings.Contains(kind, "order"), strings.Contains(kind, "compra"):
		return p.processSale(ctx, payload)
	case strings.Contains(kind, "product"):
		return upsertOne(ctx, payload, mapper.Product, p.store.UpsertProducts)
	case strings.Contains(kind, "customer"):
		return upsertOne(ctx, payload, mapper.Customer, p.store.UpsertCustomers)
	case strings.Contains(kind, "subscription"):
		return upsertOne(ctx, payload, mapper.Subscription, p.store.UpsertSubscriptions)
	case strings.Contains(kind, "enrollment"):
		return upsertOne(ctx, payload, mapper.Enrollment, p.store.UpsertEnrollments)
	case strings.Contains(kind, "coupon"):
		return upsertOne(ctx, payload, mapper.Coupon, p.store.UpsertCoupons)
	case strings.Contains(kind, "refund"):
		return upsertOne(ctx, payload, mapper.Refund, p.store.UpsertRefunds)
	case strings.Contains(kind, "payout"):
		return upsertOne(ctx, payload, mapper.Payout, p.store.UpsertPayouts)
	default:
		p.log.Debug("ignoring event type", zap.String("type", eventType))
		return nil
	}
}

func (p *Processor) processSale(ctx context.Context, payload map[string]any) error {
	row := mapper.Sale(payload)
	if row == nil {
		return errors.New("sale payload has no id")
	}

	customer := mapper.CustomerFromSale(payload, func(raw string) {
		p.log.Warn("customer_missing_id",
			zap.String("sale_id", row.ID),
			zap.String("customer_id", raw),
		)
	})
	if customer != nil {
		if err := p.store.UpsertCustomers(ctx, []*entity.Customer{customer}); err != nil {
			return err
		}
	}
	return p.store.UpsertSales(ctx, []*entity.Sale{row})
}

func (p *Processor) markProcessed(ctx context.Context, eventID string) {
	p.db.WithContext(ctx).Model(&entity.AppEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{
			"status":  entity.EventStatusProcessed,
			"error":   nil,
			"seen_at": p.clock.Now(),
		})
}

func (p *Processor) markFailed(ctx context.Context, eventID string, cause error) {
	p.db.WithContext(ctx).Model(&entity.AppEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{
			"status":  entity.EventStatusFailed,
			"error":   truncateError(cause),
			"seen_at": p.clock.Now(),
		})
}

func (p *Processor) count(outcome Outcome) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(string(outcome)).Inc()
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxStoredErrorLen {
		return msg[:maxStoredErrorLen-3] + "..."
	}
	return msg
}

func upsertOne[T any](
	ctx context.Context,
	payload map[string]any,
	mapRow func(map[string]any) *T,
	write func(context.Context, []*T) error,
) error {
	row := mapRow(payload)
	if row == nil {
		return errors.New("payload has no usable id")
	}
	return write(ctx, []*T{row})
}
