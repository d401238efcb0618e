package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/merchhub/kiwisync/internal/mapper"
)

// EventDetails is the normalized identity of an incoming event.
type EventDetails struct {
	ID      string
	Type    string
	Payload map[string]any
}

// ExtractEventDetails pulls the event id, type and entity payload out of
// the envelope shapes senders use: a nested `event` object or a flat
// body. Events without an id get a deterministic one hashed from the
// raw body, so idempotency still holds for repeated deliveries.
func ExtractEventDetails(body map[string]any, rawBody []byte, fallbackType string) EventDetails {
	envelope := body
	if envelope == nil {
		envelope = map[string]any{}
	}
	event := mapper.Record(envelope["event"])
	if event == nil {
		event = envelope
	}

	id := stringField(event, "id")
	if id == "" {
		id = stringField(envelope, "event_id")
	}
	if id == "" {
		id = stringField(envelope, "eventId")
	}
	if id == "" {
		sum := sha1.Sum(rawBody)
		id = hex.EncodeToString(sum[:])
	}

	eventType := stringField(event, "type")
	if eventType == "" {
		eventType = stringField(envelope, "webhook_event_type")
	}
	if eventType == "" {
		eventType = strings.TrimSpace(fallbackType)
	}
	if eventType == "" {
		eventType = "unknown"
	}

	payload := event
	for _, candidate := range []any{event["data"], envelope["data"], envelope["payload"], event["payload"]} {
		if record := mapper.Record(candidate); record != nil {
			payload = record
			break
		}
	}

	return EventDetails{ID: id, Type: eventType, Payload: payload}
}

func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return strings.TrimSpace(value)
}
