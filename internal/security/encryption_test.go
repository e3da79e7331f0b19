package security

import (
	"bytes"
	"testing"
	"time"
)

func TestEncryptDecryptBlob_Roundtrip(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	plain := []byte(`{"cookies":"ssid=secret-value"}`)

	enc, err := EncryptBlob(plain, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains([]byte(enc), []byte("secret-value")) {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := DecryptBlob(enc, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("roundtrip changed data: %s", got)
	}
}

func TestEncryptBlob_ProducesUniqueCiphertexts(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	a, _ := EncryptBlob([]byte("same"), key)
	b, _ := EncryptBlob([]byte("same"), key)
	if a == b {
		t.Error("two encryptions of the same plaintext must differ (random nonce)")
	}
}

func TestDecryptBlob_WrongKeyFails(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	other := bytes.Repeat([]byte("x"), 32)

	enc, _ := EncryptBlob([]byte("data"), key)
	if _, err := DecryptBlob(enc, other); err == nil {
		t.Error("decryption with the wrong key must fail")
	}
}

func TestEncryptBlob_RejectsShortKey(t *testing.T) {
	if _, err := EncryptBlob([]byte("x"), []byte("short")); err == nil {
		t.Error("short key must be rejected")
	}
	if _, err := DecryptBlob("x", []byte("short")); err == nil {
		t.Error("short key must be rejected")
	}
}

func TestDecryptBlob_RejectsGarbage(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	if _, err := DecryptBlob("not base64 !!!", key); err == nil {
		t.Error("invalid base64 must be rejected")
	}
	if _, err := DecryptBlob("c2hvcnQ=", key); err == nil { // decodes to 5 bytes
		t.Error("data shorter than a nonce must be rejected")
	}
}

func TestParseUserID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"316978243716775947", true},
		{"1", true},
		{"", false},
		{"0", false},
		{"12a34", false},
		{"-5", false},
	}
	for _, tc := range cases {
		_, err := ParseUserID(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseUserID(%q): err=%v, want ok=%v", tc.in, err, tc.ok)
		}
	}
}

func TestLimiterStore_BurstThenDeny(t *testing.T) {
	s := NewLimiterStore(1, 3, time.Hour)

	for i := 0; i < 3; i++ {
		if !s.Allow("1.2.3.4") {
			t.Fatalf("request %d inside the burst should pass", i)
		}
	}
	if s.Allow("1.2.3.4") {
		t.Error("request past the burst should be denied")
	}

	// other clients have their own bucket
	if !s.Allow("5.6.7.8") {
		t.Error("a different client must not share the bucket")
	}
}
