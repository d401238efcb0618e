package mapper

import (
	"fmt"
	"strings"

	"github.com/merchhub/kiwisync/internal/entity"
)

// CustomerFromSale synthesizes a customer row from a sale payload so the
// sale's foreign key can resolve even when the customer was never synced
// on its own. The nested customer object wins when present; otherwise
// the sale's flat customer_* fields are used. When the derived id is
// blank, the row is dropped and onInvalidCustomerID receives the raw
// value so the caller can log it instead of silently losing the sale.
func CustomerFromSale(payload map[string]any, onInvalidCustomerID func(raw string)) *entity.Customer {
	if customer := Record(payload["customer"]); customer != nil {
		if row := Customer(customer); row != nil {
			return row
		}
	}
	if buyer := Record(payload["buyer"]); buyer != nil {
		if row := Customer(buyer); row != nil {
			return row
		}
	}

	externalID := ExternalID(Coalesce(payload["customer_id"], payload["client_id"], payload["user_id"]))
	if externalID == nil {
		if onInvalidCustomerID != nil {
			onInvalidCustomerID(rawString(payload["customer_id"]))
		}
		return nil
	}

	name := Coalesce(payload["customer_name"], payload["client_name"], payload["user_name"])
	if name == nil {
		empty := ""
		name = &empty
	}
	email := Coalesce(payload["customer_email"], payload["client_email"], payload["user_email"])
	if email == nil {
		empty := ""
		email = &empty
	}

	return &entity.Customer{
		ExternalID: *externalID,
		Name:       *name,
		Email:      *email,
		Phone:      Coalesce(payload["customer_phone"], payload["client_phone"]),
		Country:    Coalesce(payload["customer_country"]),
		CreatedAt:  FirstTime(payload["customer_created_at"]),
		UpdatedAt:  FirstTime(payload["customer_updated_at"]),
		Raw:        Raw(payload),
	}
}

func rawString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}
