package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/internal/writes"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE kfy_products (
			id TEXT PRIMARY KEY, title TEXT NOT NULL, price_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'BRL', active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE kfy_customers (
			id TEXT PRIMARY KEY, external_id TEXT NOT NULL, name TEXT NOT NULL, email TEXT NOT NULL,
			phone TEXT, country TEXT, created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE UNIQUE INDEX ux_kfy_customers_external_id ON kfy_customers(external_id)`,
		`CREATE TABLE kfy_sales (
			id TEXT PRIMARY KEY, status TEXT, product_id TEXT, product_title TEXT,
			customer_id TEXT REFERENCES kfy_customers (id), customer_name TEXT, customer_email TEXT,
			total_amount_cents BIGINT, net_amount_cents BIGINT, fee_amount_cents BIGINT,
			currency TEXT NOT NULL DEFAULT 'BRL', installments INTEGER,
			created_at TIMESTAMPTZ, paid_at TIMESTAMPTZ, updated_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE app_events (
			id TEXT PRIMARY KEY, type TEXT NOT NULL, status TEXT NOT NULL,
			payload TEXT, error TEXT, seen_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return db
}

func newTestProcessor(t *testing.T, secrets []string) (*Processor, *gorm.DB) {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := writes.New(db, node, log)
	return NewProcessor(db, store, secrets, clk, nil, log), db
}

func TestIngestRejectsMissingSignatureWhenSecretConfigured(t *testing.T) {
	processor, db := newTestProcessor(t, []string{"secret"})

	result := processor.Ingest(context.Background(), []byte(`{"id":"evt_1"}`), http.Header{})
	assert.Equal(t, OutcomeInvalidSignature, result.Outcome)

	var count int64
	require.NoError(t, db.Model(&entity.AppEvent{}).Count(&count).Error)
	assert.Zero(t, count, "rejected deliveries are never recorded")
}

func TestIngestAcceptsSignedSaleAndWritesCustomerFirst(t *testing.T) {
	processor, db := newTestProcessor(t, []string{"secret"})

	raw := []byte(`{"id":"evt_sale","type":"sale.approved","data":{"id":"sale_1","customer":{"id":"cust_1","name":"Buyer","email":"b@example.com"}}}`)
	headers := http.Header{}
	headers.Set("X-Kiwify-Signature", hmacHex("secret", raw))

	result := processor.Ingest(context.Background(), raw, headers)
	require.Equal(t, OutcomeAccepted, result.Outcome, result.Error)
	assert.Equal(t, "evt_sale", result.EventID)

	var customer entity.Customer
	require.NoError(t, db.Where("external_id = ?", "cust_1").First(&customer).Error)

	var sale entity.Sale
	require.NoError(t, db.First(&sale, "id = ?", "sale_1").Error)
	require.NotNil(t, sale.CustomerID)
	assert.Equal(t, customer.ID, *sale.CustomerID)

	var event entity.AppEvent
	require.NoError(t, db.First(&event, "id = ?", "evt_sale").Error)
	assert.Equal(t, entity.EventStatusProcessed, event.Status)
}

func TestIngestWithoutSecretsAcceptsUnsigned(t *testing.T) {
	processor, _ := newTestProcessor(t, nil)

	raw := []byte(`{"id":"evt_open","type":"product.updated","data":{"id":"prod_1","title":"P"}}`)
	result := processor.Ingest(context.Background(), raw, http.Header{})
	assert.Equal(t, OutcomeAccepted, result.Outcome, result.Error)
}

func TestIngestRejectsInvalidJSON(t *testing.T) {
	processor, _ := newTestProcessor(t, nil)

	result := processor.Ingest(context.Background(), []byte(`not json`), http.Header{})
	assert.Equal(t, OutcomeInvalidPayload, result.Outcome)
}

func TestIngestIsIdempotentPerEventID(t *testing.T) {
	processor, db := newTestProcessor(t, nil)

	raw := []byte(`{"id":"evt_dup","type":"product.updated","data":{"id":"prod_1","title":"P"}}`)
	first := processor.Ingest(context.Background(), raw, http.Header{})
	require.Equal(t, OutcomeAccepted, first.Outcome, first.Error)

	second := processor.Ingest(context.Background(), raw, http.Header{})
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	var count int64
	require.NoError(t, db.Model(&entity.AppEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngestFailureStoresTruncatedError(t *testing.T) {
	processor, db := newTestProcessor(t, nil)

	// A sale event whose payload has no usable id fails processing.
	raw := []byte(`{"id":"evt_bad","type":"sale.approved","data":{"status":"paid"}}`)
	result := processor.Ingest(context.Background(), raw, http.Header{})
	assert.Equal(t, OutcomeFailed, result.Outcome)

	var event entity.AppEvent
	require.NoError(t, db.First(&event, "id = ?", "evt_bad").Error)
	assert.Equal(t, entity.EventStatusFailed, event.Status)
	require.NotNil(t, event.Error)
	assert.LessOrEqual(t, len(*event.Error), maxStoredErrorLen)
}

func TestTruncateErrorBounds(t *testing.T) {
	long := fmt.Errorf("%s", strings.Repeat("x", 500))
	truncated := truncateError(long)
	assert.Len(t, truncated, maxStoredErrorLen)
	assert.True(t, strings.HasSuffix(truncated, "..."))

	assert.Equal(t, "short", truncateError(fmt.Errorf("short")))
}

func TestRetryFailedReprocessesOldestFirst(t *testing.T) {
	processor, db := newTestProcessor(t, nil)
	ctx := context.Background()

	// A failed sale event whose customer now exists upstream of the retry.
	raw := []byte(`{"id":"evt_retry","type":"sale.approved","data":{"id":"sale_r","customer":{"id":"cust_r","name":"B","email":"b@example.com"}}}`)
	failedErr := "boom"
	require.NoError(t, db.Create(&entity.AppEvent{
		ID:      "evt_retry",
		Type:    "sale.approved",
		Status:  entity.EventStatusFailed,
		Payload: raw,
		Error:   &failedErr,
		SeenAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}).Error)

	retried, processed, err := processor.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 1, processed)

	var event entity.AppEvent
	require.NoError(t, db.First(&event, "id = ?", "evt_retry").Error)
	assert.Equal(t, entity.EventStatusProcessed, event.Status)

	var sale entity.Sale
	require.NoError(t, db.First(&sale, "id = ?", "sale_r").Error)
}

func TestRetryFailedSkipsProcessedEvents(t *testing.T) {
	processor, db := newTestProcessor(t, nil)

	require.NoError(t, db.Create(&entity.AppEvent{
		ID: "evt_done", Type: "product.updated", Status: entity.EventStatusProcessed,
		Payload: []byte(`{}`), SeenAt: time.Now(),
	}).Error)

	retried, processed, err := processor.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Zero(t, processed)
}
