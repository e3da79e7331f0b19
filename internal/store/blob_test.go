package store

import (
	"log/slog"
	"testing"
)

func TestSanitizeJSONObject(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	if got := SanitizeJSONObject(log, "", "user.settings"); string(got) != "{}" {
		t.Errorf("empty blob should read as {}, got %s", got)
	}
	if got := SanitizeJSONObject(log, "not-json{", "user.settings"); string(got) != "{}" {
		t.Errorf("malformed blob should heal to {}, got %s", got)
	}
	if got := SanitizeJSONObject(log, `{"a":1}`, "user.settings"); string(got) != `{"a":1}` {
		t.Errorf("valid blob should pass through, got %s", got)
	}
}

func TestDecodeAlerts(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	if got := DecodeAlerts(log, "", "p1"); got != nil {
		t.Errorf("empty blob should decode to nil, got %+v", got)
	}
	if got := DecodeAlerts(log, "garbage", "p1"); got != nil {
		t.Errorf("malformed blob should decode to nil, got %+v", got)
	}
	got := DecodeAlerts(log, `[{"uuid":"s1","channel_id":"c1"}]`, "p1")
	if len(got) != 1 || got[0].UUID != "s1" || got[0].ChannelID != "c1" {
		t.Errorf("alerts lost in decode: %+v", got)
	}
}

func TestEncodeAlerts_NilEncodesAsEmptyList(t *testing.T) {
	got, err := EncodeAlerts(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != "[]" {
		t.Errorf("nil alerts should encode as [], got %s", got)
	}
}

func TestAuthBlobAndNullable(t *testing.T) {
	if got := AuthBlob(nil); got != "{}" {
		t.Errorf("empty auth should normalize to {}, got %s", got)
	}
	if got := AuthBlob([]byte(`{"cookies":"x"}`)); got != `{"cookies":"x"}` {
		t.Errorf("auth blob changed: %s", got)
	}
	if Nullable("") != nil {
		t.Error("empty string should map to NULL")
	}
	if Nullable("x") != "x" {
		t.Error("non-empty string should pass through")
	}
}
