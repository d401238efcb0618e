package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEventDetailsNestedEnvelope(t *testing.T) {
	raw := []byte(`{"event":{"id":"evt_1","type":"sale.approved","data":{"id":"sale_1"}}}`)
	body := map[string]any{
		"event": map[string]any{
			"id":   "evt_1",
			"type": "sale.approved",
			"data": map[string]any{"id": "sale_1"},
		},
	}

	details := ExtractEventDetails(body, raw, "")
	assert.Equal(t, "evt_1", details.ID)
	assert.Equal(t, "sale.approved", details.Type)
	assert.Equal(t, "sale_1", details.Payload["id"])
}

func TestExtractEventDetailsFlatBody(t *testing.T) {
	body := map[string]any{
		"id":     "evt_2",
		"type":   "product.updated",
		"status": "active",
	}

	details := ExtractEventDetails(body, []byte(`{}`), "")
	assert.Equal(t, "evt_2", details.ID)
	assert.Equal(t, "product.updated", details.Type)
	assert.Equal(t, "active", details.Payload["status"])
}

func TestExtractEventDetailsFallsBackToBodyHash(t *testing.T) {
	raw := []byte(`{"type":"sale.approved","data":{"id":"sale_1"}}`)
	body := map[string]any{
		"type": "sale.approved",
		"data": map[string]any{"id": "sale_1"},
	}

	details := ExtractEventDetails(body, raw, "")
	sum := sha1.Sum(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), details.ID, "missing id falls back to a body digest")
}

func TestExtractEventDetailsTypeFallback(t *testing.T) {
	details := ExtractEventDetails(map[string]any{"id": "evt_3"}, []byte(`{}`), "coupon.created")
	assert.Equal(t, "coupon.created", details.Type)

	details = ExtractEventDetails(map[string]any{"id": "evt_4"}, []byte(`{}`), "")
	assert.Equal(t, "unknown", details.Type)
}
