package mapper

import "github.com/merchhub/kiwisync/internal/entity"

// Mapping functions accept loosely-typed upstream payloads and return
// normalized rows. A nil return means the payload has no usable identity
// and the row must be skipped, never written half-formed.

func Product(payload map[string]any) *entity.Product {
	id := ExternalID(Coalesce(payload["id"], payload["external_id"], payload["product_id"]))
	if id == nil {
		return nil
	}
	title := Coalesce(payload["title"], payload["name"], payload["product_name"])
	if title == nil {
		empty := ""
		title = &empty
	}
	var price int64
	if cents := CoalesceCents(AsCents(payload["price_cents"]), AsCents(payload["price"])); cents != nil {
		price = *cents
	}
	return &entity.Product{
		ID:         *id,
		Title:      *title,
		PriceCents: price,
		Currency:   currency(payload),
		Active:     Bool(payload["active"], true),
		CreatedAt:  FirstTime(payload["created_at"], payload["createdAt"]),
		UpdatedAt:  FirstTime(payload["updated_at"], payload["updatedAt"]),
		Raw:        Raw(payload),
	}
}

// Customer maps a standalone customer payload. The internal primary key
// is left empty; the write layer assigns or resolves it.
func Customer(payload map[string]any) *entity.Customer {
	externalID := ExternalID(Coalesce(
		payload["id"], payload["external_id"], payload["customer_id"], payload["user_id"],
	))
	if externalID == nil {
		return nil
	}
	name := Coalesce(payload["name"], payload["full_name"], payload["fullName"])
	if name == nil {
		empty := ""
		name = &empty
	}
	email := Coalesce(payload["email"], payload["contact_email"], payload["customer_email"])
	if email == nil {
		empty := ""
		email = &empty
	}
	return &entity.Customer{
		ExternalID: *externalID,
		Name:       *name,
		Email:      *email,
		Phone:      Coalesce(payload["phone"], payload["phone_number"], payload["mobile"]),
		Country:    Coalesce(payload["country"], payload["country_code"], payload["address_country"]),
		CreatedAt:  FirstTime(payload["created_at"], payload["createdAt"]),
		UpdatedAt:  FirstTime(payload["updated_at"], payload["updatedAt"]),
		Raw:        Raw(payload),
	}
}

// Sale maps a sale payload. CustomerID holds the canonical upstream
// customer identifier; the write layer swaps it for the internal key.
func Sale(payload map[string]any) *entity.Sale {
	id := ExternalID(Coalesce(payload["id"], payload["uuid"], payload["sale_id"]))
	if id == nil {
		return nil
	}

	product := Record(payload["product"])
	payment := Record(payload["payment"])

	row := &entity.Sale{
		ID:            *id,
		Status:        Coalesce(payload["status"], payload["payment_status"]),
		ProductID:     ExternalID(Coalesce(payload["product_id"], product["id"])),
		ProductTitle:  Coalesce(payload["product_title"], product["title"], product["name"]),
		CustomerID:    CustomerExternalID(payload),
		CustomerName:  Coalesce(payload["customer_name"], nested(payload, "name"), nested(payload, "full_name")),
		CustomerEmail: Coalesce(payload["customer_email"], nested(payload, "email")),
		Currency:      currency(payload),
		Installments:  installments(payload),
		CreatedAt:     FirstTime(payload["created_at"], payload["createdAt"], payload["inserted_at"]),
		PaidAt:        FirstTime(payload["approved_date"], payload["paid_at"], payload["paidAt"], payload["approved_at"]),
		UpdatedAt:     FirstTime(payload["updated_at"], payload["updatedAt"]),
		Raw:           Raw(payload),
	}

	row.TotalAmountCents = CoalesceCents(
		AsCents(payload["total_amount_cents"]),
		AsMajor(payload["total_amount"]),
		AsMajor(payload["total"]),
		AsMajor(payload["amount"]),
		AsCents(payload["gross_amount"]),
		AsCents(payment["charge_amount"]),
	)
	row.NetAmountCents = CoalesceCents(
		AsCents(payload["net_amount_cents"]),
		AsCents(payload["net_amount"]),
		AsCents(payload["net"]),
		AsCents(payment["net_amount"]),
	)
	row.FeeAmountCents = CoalesceCents(
		AsCents(payload["fee_amount_cents"]),
		AsMajor(payload["fee_amount"]),
		AsMajor(payload["fees"]),
		AsCents(payment["fee"]),
	)
	return row
}

// CustomerExternalID resolves the canonical upstream customer id of a
// sale payload. When the flat customer_id and the nested customer
// object disagree, the nested object wins.
func CustomerExternalID(payload map[string]any) *string {
	nestedID := ExternalID(Coalesce(
		nested(payload, "id"), nested(payload, "uuid"), nested(payload, "external_id"),
	))
	if nestedID != nil {
		return nestedID
	}
	return ExternalID(Coalesce(payload["customer_id"], payload["client_id"], payload["user_id"]))
}

func Subscription(payload map[string]any) *entity.Subscription {
	id := ExternalID(Coalesce(payload["id"], payload["subscription_id"]))
	if id == nil {
		return nil
	}
	return &entity.Subscription{
		ID:                 *id,
		CustomerExternalID: CustomerExternalID(payload),
		ProductID:          ExternalID(Coalesce(payload["product_id"], Record(payload["product"])["id"])),
		Status:             Coalesce(payload["status"], payload["state"]),
		StartedAt:          FirstTime(payload["started_at"], payload["created_at"]),
		CanceledAt:         FirstTime(payload["canceled_at"], payload["cancelled_at"]),
		NextPaymentAt:      FirstTime(payload["next_payment_at"], payload["next_payment"]),
		Raw:                Raw(payload),
	}
}

func Enrollment(payload map[string]any) *entity.Enrollment {
	id := ExternalID(Coalesce(payload["id"], payload["enrollment_id"]))
	if id == nil {
		return nil
	}
	return &entity.Enrollment{
		ID:                 *id,
		CustomerExternalID: CustomerExternalID(payload),
		ProductID:          ExternalID(Coalesce(payload["product_id"], payload["course_id"], Record(payload["product"])["id"])),
		Status:             Coalesce(payload["status"], payload["state"]),
		StartedAt:          FirstTime(payload["started_at"], payload["created_at"]),
		ExpiresAt:          FirstTime(payload["expires_at"], payload["access_until"]),
		Raw:                Raw(payload),
	}
}

func Coupon(payload map[string]any) *entity.Coupon {
	code := ExternalID(Coalesce(payload["code"], payload["coupon_code"]))
	if code == nil {
		return nil
	}
	var value int64
	if cents := CoalesceCents(AsCents(payload["value"]), AsCents(payload["discount"])); cents != nil {
		value = *cents
	}
	return &entity.Coupon{
		Code:       *code,
		ExternalID: ExternalID(payload["id"]),
		Type:       Coalesce(payload["type"], payload["discount_type"]),
		Value:      value,
		Active:     Bool(payload["active"], true),
		Raw:        Raw(payload),
	}
}

func Refund(payload map[string]any) *entity.Refund {
	id := ExternalID(Coalesce(payload["id"], payload["refund_id"]))
	if id == nil {
		return nil
	}
	return &entity.Refund{
		ID:     *id,
		SaleID: ExternalID(Coalesce(payload["sale_id"], payload["order_id"])),
		AmountCents: CoalesceCents(
			AsCents(payload["amount_cents"]),
			AsCents(payload["amount"]),
			AsCents(payload["value"]),
		),
		Status:      Coalesce(payload["status"], payload["state"]),
		Reason:      Coalesce(payload["reason"], payload["refund_reason"]),
		CreatedAt:   FirstTime(payload["created_at"], payload["requested_at"]),
		ProcessedAt: FirstTime(payload["processed_at"], payload["completed_at"]),
		Raw:         Raw(payload),
	}
}

func Payout(payload map[string]any) *entity.Payout {
	id := ExternalID(Coalesce(payload["id"], payload["payout_id"]))
	if id == nil {
		return nil
	}
	return &entity.Payout{
		ID: *id,
		AmountCents: CoalesceCents(
			AsCents(payload["amount_cents"]),
			AsCents(payload["amount"]),
			AsCents(payload["value"]),
		),
		Status:        Coalesce(payload["status"], payload["state"]),
		LegalEntityID: ExternalID(payload["legal_entity_id"]),
		CreatedAt:     FirstTime(payload["created_at"]),
		UpdatedAt:     FirstTime(payload["updated_at"]),
		Raw:           Raw(payload),
	}
}

func currency(payload map[string]any) string {
	if c := Coalesce(payload["currency"], payload["currency_code"]); c != nil {
		return *c
	}
	return "BRL"
}

func installments(payload map[string]any) *int {
	if v, ok := payload["installments"]; ok {
		return Int(v)
	}
	return Int(payload["installments_count"])
}

func nested(payload map[string]any, key string) any {
	customer := Record(payload["customer"])
	if customer == nil {
		customer = Record(payload["buyer"])
	}
	if customer == nil {
		return nil
	}
	return customer[key]
}
