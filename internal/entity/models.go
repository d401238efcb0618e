package entity

import (
	"time"

	"gorm.io/datatypes"
)

// Rows mirror the upstream Kiwify objects. Monetary fields are integer cents,
// timestamps are UTC, and every row keeps the original payload in Raw.

type Product struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	Title      string         `gorm:"not null" json:"title"`
	PriceCents int64          `gorm:"not null;default:0" json:"price_cents"`
	Currency   string         `gorm:"not null;default:'BRL'" json:"currency"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Product) TableName() string { return "kfy_products" }

// Customer carries both the internal primary key and the upstream external id.
// Sales reference the internal key, never the external one.
type Customer struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	ExternalID string         `gorm:"uniqueIndex;not null" json:"external_id"`
	Name       string         `gorm:"not null" json:"name"`
	Email      string         `gorm:"not null" json:"email"`
	Phone      *string        `json:"phone,omitempty"`
	Country    *string        `json:"country,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Customer) TableName() string { return "kfy_customers" }

type Sale struct {
	ID               string         `gorm:"primaryKey" json:"id"`
	Status           *string        `json:"status,omitempty"`
	ProductID        *string        `json:"product_id,omitempty"`
	ProductTitle     *string        `json:"product_title,omitempty"`
	CustomerID       *string        `gorm:"index" json:"customer_id,omitempty"`
	CustomerName     *string        `json:"customer_name,omitempty"`
	CustomerEmail    *string        `json:"customer_email,omitempty"`
	TotalAmountCents *int64         `json:"total_amount_cents,omitempty"`
	NetAmountCents   *int64         `json:"net_amount_cents,omitempty"`
	FeeAmountCents   *int64         `json:"fee_amount_cents,omitempty"`
	Currency         string         `gorm:"not null;default:'BRL'" json:"currency"`
	Installments     *int           `json:"installments,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
	Raw              datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Sale) TableName() string { return "kfy_sales" }

type Subscription struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	CustomerExternalID *string        `json:"customer_external_id,omitempty"`
	ProductID          *string        `json:"product_id,omitempty"`
	Status             *string        `json:"status,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CanceledAt         *time.Time     `json:"canceled_at,omitempty"`
	NextPaymentAt      *time.Time     `json:"next_payment_at,omitempty"`
	Raw                datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Subscription) TableName() string { return "kfy_subscriptions" }

type Enrollment struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	CustomerExternalID *string        `json:"customer_external_id,omitempty"`
	ProductID          *string        `json:"product_id,omitempty"`
	Status             *string        `json:"status,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	Raw                datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Enrollment) TableName() string { return "kfy_enrollments" }

type Coupon struct {
	Code       string         `gorm:"primaryKey" json:"code"`
	ExternalID *string        `json:"external_id,omitempty"`
	Type       *string        `json:"type,omitempty"`
	Value      int64          `gorm:"not null;default:0" json:"value"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Coupon) TableName() string { return "kfy_coupons" }

type Refund struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	SaleID      *string        `json:"sale_id,omitempty"`
	AmountCents *int64         `json:"amount_cents,omitempty"`
	Status      *string        `json:"status,omitempty"`
	Reason      *string        `json:"reason,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	Raw         datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Refund) TableName() string { return "kfy_refunds" }

type Payout struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	AmountCents   *int64         `json:"amount_cents,omitempty"`
	Status        *string        `json:"status,omitempty"`
	LegalEntityID *string        `json:"legal_entity_id,omitempty"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
	Raw           datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
}

func (Payout) TableName() string { return "kfy_payouts" }

// AppState is the durable key-value table backing the sync cursor and the
// unsupported-resource set.
type AppState struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null" json:"value"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (AppState) TableName() string { return "app_state" }

// Webhook event lifecycle statuses.
const (
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
)

type AppEvent struct {
	ID      string         `gorm:"primaryKey" json:"id"`
	Type    string         `gorm:"not null" json:"type"`
	Status  string         `gorm:"not null;index" json:"status"`
	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	Error   *string        `json:"error,omitempty"`
	SeenAt  time.Time      `gorm:"not null;index" json:"seen_at"`
}

func (AppEvent) TableName() string { return "app_events" }
