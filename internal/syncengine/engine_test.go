package syncengine

import (
	"context"
	"fmt"
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
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/internal/kiwify"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/internal/writes"
	"github.com/merchhub/kiwisync/pkg/db"
)

type fakeFetcher struct {
	handler func(path string, opts kiwify.RequestOptions) ([]byte, error)
	calls   []string
}

func (f *fakeFetcher) Request(_ context.Context, path string, opts kiwify.RequestOptions) ([]byte, error) {
	f.calls = append(f.calls, path)
	return f.handler(path, opts)
}

func (f *fakeFetcher) callCount(path string) int {
	count := 0
	for _, call := range f.calls {
		if call == path {
			count++
		}
	}
	return count
}

func emptyPage() []byte {
	return []byte(`{"data":[],"meta":{"pagination":{"page":1,"total_pages":1}}}`)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
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
		`CREATE TABLE kfy_subscriptions (
			id TEXT PRIMARY KEY, customer_external_id TEXT, product_id TEXT, status TEXT,
			started_at TIMESTAMPTZ, canceled_at TIMESTAMPTZ, next_payment_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE kfy_enrollments (
			id TEXT PRIMARY KEY, customer_external_id TEXT, product_id TEXT, status TEXT,
			started_at TIMESTAMPTZ, expires_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE kfy_coupons (
			code TEXT PRIMARY KEY, external_id TEXT, type TEXT, value BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE, raw TEXT
		)`,
		`CREATE TABLE kfy_refunds (
			id TEXT PRIMARY KEY, sale_id TEXT, amount_cents BIGINT, status TEXT, reason TEXT,
			created_at TIMESTAMPTZ, processed_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE kfy_payouts (
			id TEXT PRIMARY KEY, amount_cents BIGINT, status TEXT, legal_entity_id TEXT,
			created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ, raw TEXT
		)`,
		`CREATE TABLE app_state (
			id TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := gdb.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}
	return gdb
}

type fixture struct {
	engine  *Engine
	fetcher *fakeFetcher
	store   *writes.Store
	state   *syncstate.Store
	db      *gorm.DB
	clock   *clock.FakeClock
}

func newFixture(t *testing.T, handler func(path string, opts kiwify.RequestOptions) ([]byte, error)) *fixture {
	t.Helper()

	gdb := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	store := writes.New(gdb, node, log)
	state := syncstate.New(gdb, clk, log)
	holder := config.NewStaticSyncConfigHolder(config.SyncConfig{
		BudgetMS: 20000, PageSize: 2, BatchSize: 500, MaxWindowDays: 90,
	})
	fetcher := &fakeFetcher{handler: handler}

	return &fixture{
		engine:  New(fetcher, store, state, holder, clk, nil, log),
		fetcher: fetcher,
		store:   store,
		state:   state,
		db:      gdb,
		clock:   clk,
	}
}

func hasLog(logs []string, prefix string) bool {
	for _, line := range logs {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func TestRunFullPassOverEmptyAccount(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/products" {
			return []byte(`{"data":[{"id":"prod_1","title":"Produto","price":10}],
				"meta":{"pagination":{"page":1,"total_pages":1}}}`), nil
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{Persist: true})
	require.True(t, result.OK, result.Error)
	assert.True(t, result.Done)
	assert.Nil(t, result.NextCursor)
	assert.Equal(t, 1, result.Stats["products"])

	var count int64
	require.NoError(t, fx.db.Model(&entity.Product{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	cursor, err := fx.state.GetSyncCursor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cursor, "completed run persists a cleared cursor")
}

func TestRunUpsertsDerivedCustomersBeforeSales(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/sales" {
			return []byte(`{"data":[{"id":"sale_1","customer":{"id":"cust_1","name":"Buyer","email":"buyer@example.com"}}],
				"meta":{"pagination":{"page":1,"total_pages":1}}}`), nil
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Cursor: &syncstate.Cursor{Resource: "sales", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, 1, result.Stats["sales"])

	var customer entity.Customer
	require.NoError(t, fx.db.Where("external_id = ?", "cust_1").First(&customer).Error)

	var sale entity.Sale
	require.NoError(t, fx.db.First(&sale, "id = ?", "sale_1").Error)
	require.NotNil(t, sale.CustomerID)
	assert.Equal(t, customer.ID, *sale.CustomerID, "sale references the internal key, not the external id")
}

func TestRunLogsMissingCustomerIDAndStillWritesSale(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/sales" {
			return []byte(`{"data":[{"id":"sale_2","customer":{"id":null,"email":"missing@example.com"}}],
				"meta":{"pagination":{"page":1,"total_pages":1}}}`), nil
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Cursor: &syncstate.Cursor{Resource: "sales", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	assert.True(t, hasLog(result.Logs, "customer_missing_id:sale_2"))

	var sale entity.Sale
	require.NoError(t, fx.db.First(&sale, "id = ?", "sale_2").Error)
	assert.Nil(t, sale.CustomerID)
}

func TestRunMarksOptionalResourceUnsupportedOn404(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/coupons" {
			return nil, &kiwify.APIError{Status: 404, URL: path}
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{})
	require.True(t, result.OK, result.Error)
	assert.True(t, result.Done)
	assert.True(t, hasLog(result.Logs, "resource_not_found:coupons"))

	unsupported, err := fx.state.GetUnsupportedResources(context.Background())
	require.NoError(t, err)
	_, marked := unsupported["coupons"]
	assert.True(t, marked)

	// Subsequent runs consult the cached set and never probe again.
	fx.fetcher.calls = nil
	result = fx.engine.Run(context.Background(), Request{})
	require.True(t, result.OK, result.Error)
	assert.True(t, hasLog(result.Logs, "resource_not_found_skip:coupons"))
	assert.Zero(t, fx.fetcher.callCount("/v1/coupons"))
}

func TestRunNonOptional404FailsTheRun(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/products" {
			return nil, &kiwify.APIError{Status: 404, URL: path}
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{})
	assert.False(t, result.OK)
	assert.True(t, hasLog(result.Logs, "sync_failed:"))
	assert.NotEmpty(t, result.Error)
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	var fx *fixture
	fx = newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		// Each page costs more than the whole budget.
		fx.clock.Advance(30 * time.Second)
		if path == "/v1/products" {
			return []byte(`{"data":[{"id":"prod_1","title":"P"}],
				"meta":{"pagination":{"page":1,"total_pages":5}}}`), nil
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{Persist: true})
	require.True(t, result.OK, result.Error)
	assert.False(t, result.Done)
	require.NotNil(t, result.NextCursor)
	assert.Equal(t, "products", result.NextCursor.Resource)
	assert.Equal(t, 2, result.NextCursor.Page)
	assert.Equal(t, 1, fx.fetcher.callCount("/v1/products"))
	assert.True(t, hasLog(result.Logs, "budget_exhausted:"))

	cursor, err := fx.state.GetSyncCursor(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, *result.NextCursor, *cursor)
}

func TestRunRestrictedToSelectedResources(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Resources: []string{"sales", "Payouts"},
	})
	require.True(t, result.OK, result.Error)
	assert.True(t, result.Done)

	assert.Zero(t, fx.fetcher.callCount("/v1/products"))
	assert.Zero(t, fx.fetcher.callCount("/v1/customers"))
	assert.NotZero(t, fx.fetcher.callCount("/v1/sales"))
	assert.Equal(t, 1, fx.fetcher.callCount("/v1/payouts"))
}

func TestRunCheckpointsCursorAfterEachPage(t *testing.T) {
	var fx *fixture
	var observed []int
	fx = newFixture(t, func(path string, opts kiwify.RequestOptions) ([]byte, error) {
		if path != "/v1/products" {
			return emptyPage(), nil
		}
		if cursor, err := fx.state.GetSyncCursor(context.Background()); err == nil && cursor != nil {
			observed = append(observed, cursor.Page)
		}
		page := opts.Query.Get("page_number")
		if page == "1" || page == "2" {
			return []byte(`{"data":[{"id":"prod_` + page + `","title":"P"}],
				"meta":{"pagination":{"total_pages":3}}}`), nil
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{Persist: true})
	require.True(t, result.OK, result.Error)

	assert.Contains(t, observed, 2, "cursor on disk reflects the first committed page")
	assert.Contains(t, observed, 3, "cursor on disk reflects the second committed page")
}

func TestRunResumesFromPersistedCursor(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Cursor: &syncstate.Cursor{Resource: "payouts", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	assert.True(t, result.Done)
	assert.Zero(t, fx.fetcher.callCount("/v1/products"), "earlier resources are not refetched")
	assert.Equal(t, 1, fx.fetcher.callCount("/v1/payouts"))
}

func TestRunWalksSalesWindows(t *testing.T) {
	var starts []string
	fx := newFixture(t, func(path string, opts kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/sales" {
			starts = append(starts, opts.Query.Get("start_date"))
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Cursor: &syncstate.Cursor{Resource: "sales", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	require.Len(t, starts, 2, "default windows: trailing 90 days plus today")
	assert.Equal(t, "2024-03-03", starts[0])
	assert.Equal(t, "2024-06-01", starts[1])
}

func TestRunFullExpandsWindowsFromAccountCreation(t *testing.T) {
	var salesCalls int
	fx := newFixture(t, func(path string, opts kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/account-details" {
			return []byte(`{"created_at":"2024-01-01T00:00:00.000Z"}`), nil
		}
		if path == "/v1/sales" {
			salesCalls++
		}
		return emptyPage(), nil
	})

	result := fx.engine.Run(context.Background(), Request{
		Full:   true,
		Cursor: &syncstate.Cursor{Resource: "sales", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	assert.Equal(t, 1, fx.fetcher.callCount("/v1/account-details"))
	// 2024-01-01 through 2024-06-01 in 90-day windows.
	assert.Equal(t, 2, salesCalls)
}

type failOnceSalesWriter struct {
	*writes.Store
	failed bool
}

func (w *failOnceSalesWriter) UpsertSales(ctx context.Context, rows []*entity.Sale) error {
	if !w.failed {
		w.failed = true
		return db.NewWriteError("kfy_sales", fmt.Errorf("insert or update on table \"kfy_sales\" violates foreign key constraint"))
	}
	return w.Store.UpsertSales(ctx, rows)
}

func TestRunRetriesSalesWriteOnceOnFKViolation(t *testing.T) {
	fx := newFixture(t, func(path string, _ kiwify.RequestOptions) ([]byte, error) {
		if path == "/v1/sales" {
			return []byte(`{"data":[{"id":"sale_fk","customer":{"id":"cust_fk","email":"fk@example.com"}}],
				"meta":{"pagination":{"page":1,"total_pages":1}}}`), nil
		}
		return emptyPage(), nil
	})
	fx.engine.store = &failOnceSalesWriter{Store: fx.store}

	result := fx.engine.Run(context.Background(), Request{
		Cursor: &syncstate.Cursor{Resource: "sales", Page: 1},
	})
	require.True(t, result.OK, result.Error)
	assert.True(t, hasLog(result.Logs, "sales_fk_retry_triggered"))

	var sale entity.Sale
	require.NoError(t, fx.db.First(&sale, "id = ?", "sale_fk").Error)
}

func TestBuildSalesWindows(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	windows := BuildSalesWindows(start, end, 90)
	require.Len(t, windows, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), windows[0].Start)
	assert.Equal(t, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC), windows[0].End)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), windows[1].Start, "windows are contiguous, no overlap")
	assert.Equal(t, end, windows[1].End)

	assert.Nil(t, BuildSalesWindows(end, start, 90))
}
