package kiwify

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Page is one slice of a paginated upstream listing.
type Page struct {
	Items   []map[string]any
	HasMore bool
}

// ParsePage extracts the item collection and the has-more flag from the
// envelope shapes the upstream uses: a `data` or `items` array, or an array
// keyed by the resource name, with pagination under `meta.pagination` or a
// top-level `pagination` object.
func ParsePage(body []byte, resource string, pageNumber, pageSize int) (Page, error) {
	var envelope map[string]any
	if len(body) == 0 {
		return Page{}, nil
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Page{}, fmt.Errorf("invalid upstream response: %s", snippet(body))
	}

	items := extractItems(envelope, resource)
	return Page{
		Items:   items,
		HasMore: computeHasMore(envelope, pageNumber, pageSize, len(items)),
	}, nil
}

func extractItems(envelope map[string]any, resource string) []map[string]any {
	for _, key := range []string{"data", "items", resource} {
		if key == "" {
			continue
		}
		raw, ok := envelope[key].([]any)
		if !ok {
			continue
		}
		items := make([]map[string]any, 0, len(raw))
		for _, entry := range raw {
			if record, ok := entry.(map[string]any); ok {
				items = append(items, record)
			}
		}
		return items
	}
	return nil
}

func computeHasMore(envelope map[string]any, pageNumber, pageSize, itemCount int) bool {
	pagination := paginationObject(envelope)

	if totalPages, ok := asInt(lookup(pagination, envelope, "total_pages")); ok {
		return pageNumber < totalPages
	}
	if total, ok := asInt(lookup(pagination, envelope, "total")); ok {
		return pageNumber*pageSize < total
	}
	return itemCount == pageSize
}

func paginationObject(envelope map[string]any) map[string]any {
	if meta, ok := envelope["meta"].(map[string]any); ok {
		if pagination, ok := meta["pagination"].(map[string]any); ok {
			return pagination
		}
	}
	if pagination, ok := envelope["pagination"].(map[string]any); ok {
		return pagination
	}
	return nil
}

func lookup(pagination, envelope map[string]any, key string) any {
	if pagination != nil {
		if value, ok := pagination[key]; ok {
			return value
		}
	}
	return envelope[key]
}

// asInt accepts numbers and numeric strings; the upstream mixes both.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
