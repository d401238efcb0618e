package writes

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/pkg/db"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE kfy_products (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			price_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'BRL',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ,
			raw TEXT
		)`,
		`CREATE TABLE kfy_customers (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			phone TEXT,
			country TEXT,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ,
			raw TEXT
		)`,
		`CREATE UNIQUE INDEX ux_kfy_customers_external_id ON kfy_customers(external_id)`,
		`CREATE TABLE kfy_sales (
			id TEXT PRIMARY KEY,
			status TEXT,
			product_id TEXT,
			product_title TEXT,
			customer_id TEXT REFERENCES kfy_customers (id),
			customer_name TEXT,
			customer_email TEXT,
			total_amount_cents BIGINT,
			net_amount_cents BIGINT,
			fee_amount_cents BIGINT,
			currency TEXT NOT NULL DEFAULT 'BRL',
			installments INTEGER,
			created_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ,
			raw TEXT
		)`,
		`CREATE TABLE kfy_coupons (
			code TEXT PRIMARY KEY,
			external_id TEXT,
			type TEXT,
			value BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			raw TEXT
		)`,
	}

	for _, stmt := range schema {
		if err := gdb.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return gdb
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(setupTestDB(t), node, zap.NewNop())
}

func TestResolveCustomerIDsPassThrough(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.db.Create(&entity.Customer{
		ID: "internal-1", ExternalID: "ext-1", Name: "A", Email: "a@example.com",
	}).Error)

	resolved, err := store.ResolveCustomerIDs(ctx, []string{"ext-1", "ext-missing"})
	require.NoError(t, err)
	assert.Equal(t, "internal-1", resolved["ext-1"])
	assert.Equal(t, "ext-missing", resolved["ext-missing"], "unknown external ids map to themselves")
}

func TestPrepareCustomerUpsertRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.db.Create(&entity.Customer{
		ID: "internal-1", ExternalID: "ext-1", Name: "A", Email: "a@example.com",
	}).Error)

	rows := []*entity.Customer{
		{ExternalID: "ext-1", Name: "A2", Email: "a2@example.com"},
		{ExternalID: "ext-2", Name: "B", Email: "b@example.com"},
		{ExternalID: "ext-2", Name: "B dup", Email: "b@example.com"},
		{Name: "no external id"},
	}
	prepared, err := store.PrepareCustomerUpsertRows(ctx, rows)
	require.NoError(t, err)
	require.Len(t, prepared, 2)

	assert.Equal(t, "internal-1", prepared[0].ID, "known external id keeps its internal key")
	assert.NotEmpty(t, prepared[1].ID)
	assert.NotEqual(t, "ext-2", prepared[1].ID, "new rows get a generated internal key")
}

func TestUpsertCustomersNeverChangesPrimaryKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertCustomers(ctx, []*entity.Customer{
		{ExternalID: "ext-1", Name: "First", Email: "first@example.com"},
	}))

	var before entity.Customer
	require.NoError(t, store.db.Where("external_id = ?", "ext-1").First(&before).Error)

	require.NoError(t, store.UpsertCustomers(ctx, []*entity.Customer{
		{ExternalID: "ext-1", Name: "Renamed", Email: "renamed@example.com"},
	}))

	var after []entity.Customer
	require.NoError(t, store.db.Where("external_id = ?", "ext-1").Find(&after).Error)
	require.Len(t, after, 1)
	assert.Equal(t, before.ID, after[0].ID)
	assert.Equal(t, "Renamed", after[0].Name)
}

func TestUpsertSalesResolvesCustomerID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertCustomers(ctx, []*entity.Customer{
		{ExternalID: "ext-1", Name: "A", Email: "a@example.com"},
	}))
	var customer entity.Customer
	require.NoError(t, store.db.Where("external_id = ?", "ext-1").First(&customer).Error)

	externalID := "ext-1"
	require.NoError(t, store.UpsertSales(ctx, []*entity.Sale{
		{ID: "sale-1", CustomerID: &externalID, Currency: "BRL"},
	}))

	var sale entity.Sale
	require.NoError(t, store.db.First(&sale, "id = ?", "sale-1").Error)
	require.NotNil(t, sale.CustomerID)
	assert.Equal(t, customer.ID, *sale.CustomerID)
}

func TestUpsertSalesUnresolvedCustomerTripsForeignKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	externalID := "never-synced"
	err := store.UpsertSales(ctx, []*entity.Sale{
		{ID: "sale-1", CustomerID: &externalID, Currency: "BRL"},
	})
	require.Error(t, err)

	var writeErr *db.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "kfy_sales", writeErr.Table)
	assert.True(t, db.IsFKViolation(err))
}

func TestUpsertProductsChunksBatches(t *testing.T) {
	store := newTestStore(t).WithBatchSize(2)
	ctx := context.Background()

	rows := make([]*entity.Product, 5)
	for i := range rows {
		rows[i] = &entity.Product{ID: fmt.Sprintf("prod-%d", i), Title: "T", Currency: "BRL", Active: true}
	}
	require.NoError(t, store.UpsertProducts(ctx, rows))

	var count int64
	require.NoError(t, store.db.Model(&entity.Product{}).Count(&count).Error)
	assert.Equal(t, int64(5), count)
}

func TestUpsertCouponsKeyedByCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertCoupons(ctx, []*entity.Coupon{
		{Code: "PROMO10", Value: 10, Active: true},
	}))
	require.NoError(t, store.UpsertCoupons(ctx, []*entity.Coupon{
		{Code: "PROMO10", Value: 15, Active: false},
	}))

	var coupons []entity.Coupon
	require.NoError(t, store.db.Find(&coupons).Error)
	require.Len(t, coupons, 1)
	assert.Equal(t, int64(15), coupons[0].Value)
}
