package store

import (
	"encoding/json"
	"log/slog"
)

// Stored JSON blobs are tolerated when malformed: a bad blob in one account
// is logged and replaced by an empty default instead of failing the whole
// user fetch.

// SanitizeJSONObject validates a stored JSON object blob, falling back to
// an empty object when it cannot be parsed.
func SanitizeJSONObject(log *slog.Logger, raw, context string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		log.Error("stored_json_malformed", "context", context)
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// DecodeAlerts parses a stored alerts blob, falling back to none.
func DecodeAlerts(log *slog.Logger, raw, puuid string) []Alert {
	if raw == "" {
		return nil
	}
	var alerts []Alert
	if err := json.Unmarshal([]byte(raw), &alerts); err != nil {
		log.Error("stored_json_malformed", "context", "account.alerts", "puuid", puuid, "error", err)
		return nil
	}
	return alerts
}

// EncodeAlerts serializes alerts for storage; nil encodes as an empty list.
func EncodeAlerts(alerts []Alert) (string, error) {
	if alerts == nil {
		alerts = []Alert{}
	}
	data, err := json.Marshal(alerts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AuthBlob normalizes a credential blob for storage.
func AuthBlob(auth json.RawMessage) string {
	if len(auth) == 0 {
		return "{}"
	}
	return string(auth)
}

// Nullable maps an empty string to SQL NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
