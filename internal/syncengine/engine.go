package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/internal/kiwify"
	"github.com/merchhub/kiwisync/internal/mapper"
	"github.com/merchhub/kiwisync/internal/observability/metrics"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/pkg/db"
)

const salesDateLayout = "2006-01-02"

// resourceSpec describes how one upstream collection is paged. Windowed
// resources take start_date/end_date; optional ones may 404 on accounts
// without the feature and get remembered as unsupported instead of
// failing the run.
type resourceSpec struct {
	name     string
	path     string
	windowed bool
	optional bool
	dateOnly bool
}

// Processing order is dependency-aware: customers are written before
// sales so the sales foreign key can resolve.
var resourceOrder = []resourceSpec{
	{name: "products", path: "/v1/products"},
	{name: "customers", path: "/v1/customers"},
	{name: "sales", path: "/v1/sales", windowed: true, dateOnly: true},
	{name: "subscriptions", path: "/v1/subscriptions", windowed: true, optional: true},
	{name: "enrollments", path: "/v1/enrollments", windowed: true, optional: true},
	{name: "coupons", path: "/v1/coupons", optional: true},
	{name: "refunds", path: "/v1/refunds", windowed: true, optional: true},
	{name: "payouts", path: "/v1/payouts", optional: true},
}

// Fetcher is the upstream call surface the engine needs.
type Fetcher interface {
	Request(ctx context.Context, path string, opts kiwify.RequestOptions) ([]byte, error)
}

// Writer is the persistence surface the engine writes through.
// *writes.Store implements it.
type Writer interface {
	UpsertProducts(ctx context.Context, rows []*entity.Product) error
	UpsertCustomers(ctx context.Context, rows []*entity.Customer) error
	UpsertSales(ctx context.Context, rows []*entity.Sale) error
	UpsertSubscriptions(ctx context.Context, rows []*entity.Subscription) error
	UpsertEnrollments(ctx context.Context, rows []*entity.Enrollment) error
	UpsertCoupons(ctx context.Context, rows []*entity.Coupon) error
	UpsertRefunds(ctx context.Context, rows []*entity.Refund) error
	UpsertPayouts(ctx context.Context, rows []*entity.Payout) error
}

// Request selects what a run covers. Zero value means: resume from the
// persisted cursor semantics the caller provides, over the default
// trailing windows.
type Request struct {
	// Full expands the window set back to the account creation date.
	Full bool
	// Range overrides the window set with a single explicit span.
	Range *Window
	// Cursor resumes a previous run; nil starts from the beginning.
	Cursor *syncstate.Cursor
	// Resources restricts the run to the named resources, keeping the
	// fixed order. Empty means all. Sales stay safe without customers
	// selected: the sales write path derives and upserts the customers
	// it references.
	Resources []string
	// Persist stores the resulting cursor for the next run.
	Persist bool
}

// Result is the structured outcome of a run. A failed run still carries
// the stats and cursor accumulated before the failure.
type Result struct {
	OK         bool              `json:"ok"`
	Done       bool              `json:"done"`
	NextCursor *syncstate.Cursor `json:"nextCursor"`
	Stats      map[string]int    `json:"stats"`
	Logs       []string          `json:"logs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type Engine struct {
	client  Fetcher
	store   Writer
	state   *syncstate.Store
	holder  *config.SyncConfigHolder
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(
	client Fetcher,
	store Writer,
	state *syncstate.Store,
	holder *config.SyncConfigHolder,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	return &Engine{
		client:  client,
		store:   store,
		state:   state,
		holder:  holder,
		clock:   clk,
		metrics: m,
		log:     log.Named("syncengine"),
	}
}

type run struct {
	stats        map[string]int
	logs         []string
	budgetEndsAt time.Time
	windows      []Window
	unsupported  map[string]struct{}
	dirty        bool
	log          *zap.Logger
}

func (e *Engine) record(r *run, msg string) {
	r.logs = append(r.logs, msg)
	r.log.Info(msg)
}

// Run walks the resource order page by page until everything is synced
// or the time budget runs out, persisting a resume cursor in the latter
// case. It never panics outward: failures come back in the Result.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	cfg := e.holder.Get()
	r := &run{
		stats:        map[string]int{"pagesFetched": 0},
		budgetEndsAt: e.clock.Now().Add(cfg.Budget()),
		log:          e.log.With(zap.String("run_id", uuid.NewString())),
	}

	cursor := req.Cursor
	if cursor == nil {
		cursor = &syncstate.Cursor{Resource: resourceOrder[0].name, Page: 1}
	}

	switch {
	case req.Range != nil:
		r.windows = []Window{*req.Range}
	case req.Full:
		r.windows = e.fullWindows(ctx, r, cfg.MaxWindowDays)
	default:
		r.windows = DefaultWindows(e.clock.Now())
	}

	unsupported, err := e.state.GetUnsupportedResources(ctx)
	if err != nil {
		return e.fail(ctx, req, r, cursor, err)
	}
	r.unsupported = unsupported
	selected := selectedResources(req.Resources)

	for !e.over(r) && ctx.Err() == nil {
		idx := resourceIndex(cursor.Resource)
		if idx < 0 {
			cursor = &syncstate.Cursor{Resource: resourceOrder[0].name, Page: 1}
			idx = 0
		}
		spec := resourceOrder[idx]

		if selected != nil {
			if _, ok := selected[spec.name]; !ok {
				if !advance(cursor, idx) {
					break
				}
				continue
			}
		}
		if spec.optional {
			if _, skip := r.unsupported[spec.name]; skip {
				e.record(r, "resource_not_found_skip:"+spec.name)
				if !advance(cursor, idx) {
					break
				}
				continue
			}
		}
		if spec.windowed && cursor.IntervalIndex >= len(r.windows) {
			if !advance(cursor, idx) {
				break
			}
			continue
		}

		body, err := e.client.Request(ctx, spec.path, kiwify.RequestOptions{
			Query:        e.query(spec, cursor, cfg.PageSize, r.windows),
			BudgetEndsAt: r.budgetEndsAt,
		})
		if err != nil {
			if spec.optional && errors.Is(err, kiwify.ErrResourceNotFound) {
				r.unsupported[spec.name] = struct{}{}
				r.dirty = true
				e.record(r, "resource_not_found:"+spec.name)
				if !advance(cursor, idx) {
					break
				}
				continue
			}
			return e.fail(ctx, req, r, cursor, err)
		}

		page, err := kiwify.ParsePage(body, spec.name, cursor.Page, cfg.PageSize)
		if err != nil {
			return e.fail(ctx, req, r, cursor, err)
		}
		r.stats["pagesFetched"]++
		if e.metrics != nil {
			e.metrics.PagesFetched.WithLabelValues(spec.name).Inc()
		}

		if len(page.Items) > 0 {
			written, err := e.writeItems(ctx, spec.name, page.Items, r)
			if err != nil {
				return e.fail(ctx, req, r, cursor, err)
			}
			r.stats[spec.name] += written
			if e.metrics != nil {
				e.metrics.RowsUpserted.WithLabelValues(spec.name).Add(float64(written))
			}
		}

		if len(page.Items) > 0 && page.HasMore {
			cursor.Page++
			e.checkpoint(ctx, req, r, cursor)
			continue
		}
		if spec.windowed {
			cursor.IntervalIndex++
			cursor.Page = 1
			if cursor.IntervalIndex < len(r.windows) {
				e.checkpoint(ctx, req, r, cursor)
				continue
			}
		}
		more := advance(cursor, idx)
		e.checkpoint(ctx, req, r, cursor)
		if !more {
			break
		}
	}

	if !cursor.Done && e.over(r) {
		e.record(r, "budget_exhausted:"+cursor.Resource)
	}

	done := cursor.Done
	var next *syncstate.Cursor
	if !done {
		next = cursor
	}

	if r.dirty {
		if err := e.state.SetUnsupportedResources(ctx, r.unsupported); err != nil {
			r.log.Warn("persist_unsupported_failed", zap.Error(err))
		}
	}
	if req.Persist {
		if err := e.state.SetSyncCursor(ctx, next, r.stats); err != nil {
			r.log.Warn("persist_cursor_failed", zap.Error(err))
		}
	}
	if e.metrics != nil {
		outcome := "partial"
		if done {
			outcome = "ok"
		}
		e.metrics.SyncRuns.WithLabelValues(outcome).Inc()
	}

	return Result{OK: true, Done: done, NextCursor: next, Stats: r.stats, Logs: r.logs}
}

func (e *Engine) fail(ctx context.Context, req Request, r *run, cursor *syncstate.Cursor, err error) Result {
	e.record(r, "sync_failed:"+err.Error())
	r.log.Error("sync run failed", zap.Error(err))

	if r.dirty {
		if perr := e.state.SetUnsupportedResources(ctx, r.unsupported); perr != nil {
			r.log.Warn("persist_unsupported_failed", zap.Error(perr))
		}
	}
	if req.Persist {
		if perr := e.state.SetSyncCursor(ctx, cursor, r.stats); perr != nil {
			r.log.Warn("persist_cursor_failed", zap.Error(perr))
		}
	}
	if e.metrics != nil {
		e.metrics.SyncRuns.WithLabelValues("failed").Inc()
	}

	return Result{
		OK:         false,
		NextCursor: cursor,
		Stats:      r.stats,
		Logs:       r.logs,
		Error:      err.Error(),
	}
}

func (e *Engine) over(r *run) bool {
	return e.clock.Now().After(r.budgetEndsAt)
}

// checkpoint persists the cursor after each committed page so a crash
// resumes from the last successful page, not the start of the run. The
// run summary written at the end overwrites it with the final state.
func (e *Engine) checkpoint(ctx context.Context, req Request, r *run, cursor *syncstate.Cursor) {
	if !req.Persist || cursor.Done {
		return
	}
	if err := e.state.SetSyncCursor(ctx, cursor, r.stats); err != nil {
		r.log.Warn("persist_cursor_failed", zap.Error(err))
	}
}

func (e *Engine) query(spec resourceSpec, cursor *syncstate.Cursor, pageSize int, windows []Window) url.Values {
	query := url.Values{
		"page_number": {strconv.Itoa(cursor.Page)},
		"page_size":   {strconv.Itoa(pageSize)},
	}
	if spec.name == "sales" {
		query.Set("view_full_sale_details", "true")
	}
	if spec.windowed && cursor.IntervalIndex < len(windows) {
		window := windows[cursor.IntervalIndex]
		if spec.dateOnly {
			query.Set("start_date", window.Start.Format(salesDateLayout))
			query.Set("end_date", window.End.Format(salesDateLayout))
		} else {
			query.Set("start_date", window.Start.Format(time.RFC3339))
			query.Set("end_date", window.End.Format(time.RFC3339))
		}
	}
	return query
}

// fullWindows expands the backfill to the account creation date. When
// account details are unavailable the run falls back to the default
// trailing windows rather than failing.
func (e *Engine) fullWindows(ctx context.Context, r *run, maxDays int) []Window {
	now := e.clock.Now()

	body, err := e.client.Request(ctx, "/v1/account-details", kiwify.RequestOptions{
		BudgetEndsAt: r.budgetEndsAt,
	})
	if err != nil {
		r.log.Warn("account_details_unavailable", zap.Error(err))
		return DefaultWindows(now)
	}

	var details map[string]any
	if err := json.Unmarshal(body, &details); err != nil {
		return DefaultWindows(now)
	}
	createdAt := mapper.Time(details["created_at"])
	if createdAt == nil {
		return DefaultWindows(now)
	}
	return BuildSalesWindows(*createdAt, now, maxDays)
}

func (e *Engine) writeItems(ctx context.Context, resource string, items []map[string]any, r *run) (int, error) {
	switch resource {
	case "products":
		rows := collect(items, mapper.Product)
		return len(rows), e.store.UpsertProducts(ctx, rows)
	case "customers":
		rows := collect(items, mapper.Customer)
		return len(rows), e.store.UpsertCustomers(ctx, rows)
	case "sales":
		return e.writeSales(ctx, items, r)
	case "subscriptions":
		rows := collect(items, mapper.Subscription)
		return len(rows), e.store.UpsertSubscriptions(ctx, rows)
	case "enrollments":
		rows := collect(items, mapper.Enrollment)
		return len(rows), e.store.UpsertEnrollments(ctx, rows)
	case "coupons":
		rows := collect(items, mapper.Coupon)
		return len(rows), e.store.UpsertCoupons(ctx, rows)
	case "refunds":
		rows := collect(items, mapper.Refund)
		return len(rows), e.store.UpsertRefunds(ctx, rows)
	case "payouts":
		rows := collect(items, mapper.Payout)
		return len(rows), e.store.UpsertPayouts(ctx, rows)
	default:
		return 0, nil
	}
}

// writeSales derives customers from the sale payloads, writes them
// first, then the sales. A foreign key violation means some customer
// was still missing: the derivation and both writes run once more
// before the error surfaces.
func (e *Engine) writeSales(ctx context.Context, items []map[string]any, r *run) (int, error) {
	mapRows := func() []*entity.Sale {
		return collect(items, mapper.Sale)
	}

	derived := e.deriveCustomers(items, r)
	if len(derived) > 0 {
		if err := e.store.UpsertCustomers(ctx, derived); err != nil {
			return 0, err
		}
	}

	rows := mapRows()
	err := e.store.UpsertSales(ctx, rows)
	if err != nil && db.IsFKViolation(err) {
		e.record(r, "sales_fk_retry_triggered")
		if e.metrics != nil {
			e.metrics.FKRetries.Inc()
		}
		derived = e.deriveCustomers(items, nil)
		if len(derived) > 0 {
			if uerr := e.store.UpsertCustomers(ctx, derived); uerr != nil {
				return 0, uerr
			}
		}
		err = e.store.UpsertSales(ctx, mapRows())
	}
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (e *Engine) deriveCustomers(items []map[string]any, r *run) []*entity.Customer {
	derived := make([]*entity.Customer, 0, len(items))
	for _, item := range items {
		saleID := mapper.ExternalID(item["id"])

		var onInvalid func(string)
		if r != nil {
			onInvalid = func(string) {
				id := ""
				if saleID != nil {
					id = *saleID
				}
				e.record(r, "customer_missing_id:"+id)
			}
		}
		if row := mapper.CustomerFromSale(item, onInvalid); row != nil {
			derived = append(derived, row)
		}
	}
	return derived
}

func collect[T any](items []map[string]any, mapRow func(map[string]any) *T) []*T {
	rows := make([]*T, 0, len(items))
	for _, item := range items {
		if row := mapRow(item); row != nil {
			rows = append(rows, row)
		}
	}
	return rows
}

func selectedResources(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	selected := make(map[string]struct{}, len(names))
	for _, name := range names {
		selected[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return selected
}

func resourceIndex(name string) int {
	for i, spec := range resourceOrder {
		if spec.name == name {
			return i
		}
	}
	return -1
}

// advance moves the cursor to the next resource, or marks the run done
// when the order is exhausted.
func advance(cursor *syncstate.Cursor, idx int) bool {
	if idx+1 >= len(resourceOrder) {
		cursor.Done = true
		return false
	}
	*cursor = syncstate.Cursor{Resource: resourceOrder[idx+1].name, Page: 1}
	return true
}
