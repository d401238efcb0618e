package writes

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/merchhub/kiwisync/internal/entity"
	"github.com/merchhub/kiwisync/pkg/db"
)

const defaultBatchSize = 500

// Store is the batched upsert layer shared by the sync engine and the
// webhook processor. Every write goes through a chunked upsert keyed by
// the entity's natural unique column, and every failure comes back as a
// *db.WriteError carrying the table name and the driver code.
type Store struct {
	db        *gorm.DB
	node      *snowflake.Node
	log       *zap.Logger
	batchSize int
}

func New(gdb *gorm.DB, node *snowflake.Node, log *zap.Logger) *Store {
	return &Store{
		db:        gdb,
		node:      node,
		log:       log.Named("writes"),
		batchSize: defaultBatchSize,
	}
}

// WithBatchSize caps the rows per upsert statement.
func (s *Store) WithBatchSize(size int) *Store {
	if size > 0 {
		s.batchSize = size
	}
	return s
}

// DB exposes the underlying handle for read paths that live outside the
// write layer.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) UpsertProducts(ctx context.Context, rows []*entity.Product) error {
	return upsertChunked(ctx, s, "kfy_products", rows, conflictOnID())
}

// UpsertCustomers assigns identities via PrepareCustomerUpsertRows and
// upserts keyed by external_id. The primary key column is never part of
// the update set, so a re-synced customer keeps its internal id.
func (s *Store) UpsertCustomers(ctx context.Context, rows []*entity.Customer) error {
	prepared, err := s.PrepareCustomerUpsertRows(ctx, rows)
	if err != nil {
		return err
	}
	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "phone", "country", "created_at", "updated_at", "raw",
		}),
	}
	return upsertChunked(ctx, s, "kfy_customers", prepared, conflict)
}

// UpsertSales resolves customer external ids to internal keys before
// writing. Unresolved ids pass through untouched, which trips the
// foreign key on kfy_sales and lets the caller run the derive-and-retry
// path instead of losing the rows.
func (s *Store) UpsertSales(ctx context.Context, rows []*entity.Sale) error {
	externalIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.CustomerID != nil {
			externalIDs = append(externalIDs, *row.CustomerID)
		}
	}
	resolved, err := s.ResolveCustomerIDs(ctx, externalIDs)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.CustomerID == nil {
			continue
		}
		internal := resolved[*row.CustomerID]
		row.CustomerID = &internal
	}
	return upsertChunked(ctx, s, "kfy_sales", rows, conflictOnID())
}

func (s *Store) UpsertSubscriptions(ctx context.Context, rows []*entity.Subscription) error {
	return upsertChunked(ctx, s, "kfy_subscriptions", rows, conflictOnID())
}

func (s *Store) UpsertEnrollments(ctx context.Context, rows []*entity.Enrollment) error {
	return upsertChunked(ctx, s, "kfy_enrollments", rows, conflictOnID())
}

func (s *Store) UpsertCoupons(ctx context.Context, rows []*entity.Coupon) error {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		UpdateAll: true,
	}
	return upsertChunked(ctx, s, "kfy_coupons", rows, conflict)
}

func (s *Store) UpsertRefunds(ctx context.Context, rows []*entity.Refund) error {
	return upsertChunked(ctx, s, "kfy_refunds", rows, conflictOnID())
}

func (s *Store) UpsertPayouts(ctx context.Context, rows []*entity.Payout) error {
	return upsertChunked(ctx, s, "kfy_payouts", rows, conflictOnID())
}

// ResolveCustomerIDs maps upstream external ids to internal primary
// keys. Ids with no matching customer map to themselves so callers can
// attempt the write and react to the FK violation.
func (s *Store) ResolveCustomerIDs(ctx context.Context, externalIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(externalIDs))
	unique := make([]string, 0, len(externalIDs))
	for _, externalID := range externalIDs {
		if _, ok := resolved[externalID]; ok {
			continue
		}
		resolved[externalID] = externalID
		unique = append(unique, externalID)
	}
	if len(unique) == 0 {
		return resolved, nil
	}

	var existing []entity.Customer
	err := s.db.WithContext(ctx).
		Select("id", "external_id").
		Where("external_id IN ?", unique).
		Find(&existing).Error
	if err != nil {
		return nil, db.NewWriteError("kfy_customers", err)
	}
	for _, customer := range existing {
		resolved[customer.ExternalID] = customer.ID
	}
	return resolved, nil
}

// PrepareCustomerUpsertRows fixes the identity of each row: external ids
// already known keep their existing internal key, new ones get a
// generated id. Rows without an external id are dropped.
func (s *Store) PrepareCustomerUpsertRows(ctx context.Context, rows []*entity.Customer) ([]*entity.Customer, error) {
	externalIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ExternalID != "" {
			externalIDs = append(externalIDs, row.ExternalID)
		}
	}
	resolved, err := s.ResolveCustomerIDs(ctx, externalIDs)
	if err != nil {
		return nil, err
	}

	prepared := make([]*entity.Customer, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.ExternalID == "" {
			continue
		}
		if _, dup := seen[row.ExternalID]; dup {
			continue
		}
		seen[row.ExternalID] = struct{}{}

		if internal := resolved[row.ExternalID]; internal != row.ExternalID {
			row.ID = internal
		} else if row.ID == "" {
			row.ID = s.node.Generate().String()
		}
		prepared = append(prepared, row)
	}
	return prepared, nil
}

func conflictOnID() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}
}

func upsertChunked[T any](ctx context.Context, s *Store, table string, rows []*T, conflict clause.OnConflict) error {
	if len(rows) == 0 {
		return nil
	}
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		err := s.db.WithContext(ctx).Clauses(conflict).Create(rows[start:end]).Error
		if err != nil {
			s.log.Warn("upsert_failed",
				zap.String("table", table),
				zap.Int("rows", end-start),
				zap.Error(err),
			)
			return db.NewWriteError(table, err)
		}
	}
	return nil
}
