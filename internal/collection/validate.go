package collection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidateItem checks the per-kind minimum shape of a raw item.
// API items must carry a "source" or "data" field; scraped documents must
// carry a non-empty title and content.
func ValidateItem(kind SourceKind, item RawItem) error {
	switch kind {
	case SourceKindAPI:
		if _, ok := item.Payload["source"]; ok {
			return nil
		}
		if _, ok := item.Payload["data"]; ok {
			return nil
		}
		return Invalid(errors.New("api item missing source and data fields"))
	case SourceKindScraper:
		if strings.TrimSpace(item.Title()) == "" {
			return Invalid(errors.New("document missing title"))
		}
		if strings.TrimSpace(item.Content()) == "" {
			return Invalid(errors.New("document missing content"))
		}
		return nil
	default:
		return Invalid(fmt.Errorf("unknown source kind %q", kind))
	}
}

// ContentHash digests an item's substantive payload fields. Keys are sorted
// before encoding so the digest is stable across map iteration order.
// Fetch timestamps are excluded: two fetches of identical content must hash
// identically.
func ContentHash(hasher Hasher, item RawItem) (string, error) {
	keys := make([]string, 0, len(item.Payload))
	for k := range item.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		encoded, err := json.Marshal(item.Payload[k])
		if err != nil {
			return "", fmt.Errorf("encode payload field %q: %w", k, err)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(encoded)
		b.WriteByte('\n')
	}
	hash, err := hasher.Hash([]byte(b.String()))
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return hash, nil
}

// EvaluateAlertRules applies each rule to the payload independently; every
// matched rule yields exactly one Alert. Values exceeding the threshold
// (strictly) match; non-numeric or absent fields never match.
func EvaluateAlertRules(rules []AlertRule, item RawItem) []Alert {
	var alerts []Alert
	for _, rule := range rules {
		value, ok := numericField(item.Payload, rule.Field)
		if !ok {
			continue
		}
		if value > rule.Threshold {
			alerts = append(alerts, Alert{
				SourceKey:     item.SourceKey,
				Kind:          rule.Kind,
				Threshold:     rule.Threshold,
				ObservedValue: value,
			})
		}
	}
	return alerts
}

func numericField(payload map[string]any, field string) (float64, bool) {
	raw, ok := payload[field]
	if !ok {
		// Structured APIs often nest observations under "data".
		if nested, isMap := payload["data"].(map[string]any); isMap {
			raw, ok = nested[field]
		}
		if !ok {
			return 0, false
		}
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
