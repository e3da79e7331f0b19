package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"valoqueue/internal/store"
	"valoqueue/internal/store/sqlite"
)

func newTestService(t *testing.T, key []byte) *Service {
	t.Helper()
	st, err := sqlite.Open(slog.New(slog.DiscardHandler), filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(slog.New(slog.DiscardHandler), st, key)
}

func account(userID, puuid, username string, alerts ...store.Alert) *store.Account {
	return &store.Account{
		PUUID:    puuid,
		UserID:   userID,
		Username: username,
		Auth:     json.RawMessage(`{"cookies":"ssid=` + puuid + `"}`),
		Alerts:   alerts,
	}
}

func TestService_AddCreatesUserWithDefaults(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	if err := s.Add(ctx, account("100", "p1", "alice")); err != nil {
		t.Fatalf("add: %v", err)
	}

	user, err := s.Get(ctx, "100")
	if err != nil || user == nil {
		t.Fatalf("get: %v", err)
	}
	if user.CurrentAccount != 1 {
		t.Errorf("currentAccount = %d, want 1", user.CurrentAccount)
	}
	if !bytes.Equal(user.Settings, DefaultSettings) {
		t.Errorf("new user should carry default settings, got %s", user.Settings)
	}
}

func TestService_AddNewAccountBecomesCurrent(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "alice"))
	_ = s.Add(ctx, account("100", "p2", "bob"))

	user, _ := s.Get(ctx, "100")
	if len(user.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(user.Accounts))
	}
	if user.CurrentAccount != 2 {
		t.Errorf("expected freshly linked account to be current, got %d", user.CurrentAccount)
	}
}

func TestService_AddDuplicateMergesAlerts(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "alice",
		store.Alert{UUID: "skin-1", ChannelID: "c1"},
		store.Alert{UUID: "skin-2", ChannelID: "c1"}))
	_ = s.Add(ctx, account("100", "p2", "bob"))

	// relink p1 with fresh credentials and one overlapping alert
	relink := account("100", "p1", "alice-new", store.Alert{UUID: "skin-2", ChannelID: "c2"},
		store.Alert{UUID: "skin-3", ChannelID: "c1"})
	if err := s.Add(ctx, relink); err != nil {
		t.Fatalf("relink: %v", err)
	}

	user, _ := s.Get(ctx, "100")
	if len(user.Accounts) != 2 {
		t.Fatalf("duplicate puuid must not add an account, got %d", len(user.Accounts))
	}
	if user.CurrentAccount != 1 {
		t.Errorf("merged account should become current, got %d", user.CurrentAccount)
	}

	merged := user.Accounts[0]
	if merged.Username != "alice-new" {
		t.Errorf("new credentials should win, got %s", merged.Username)
	}
	if len(merged.Alerts) != 3 {
		t.Fatalf("expected union of alerts (3), got %d: %+v", len(merged.Alerts), merged.Alerts)
	}
	seen := map[string]bool{}
	for _, a := range merged.Alerts {
		if seen[a.UUID] {
			t.Errorf("duplicate alert %s survived the merge", a.UUID)
		}
		seen[a.UUID] = true
	}
}

func TestService_SaveFastPathUpdatesExistingRow(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "alice"))

	updated := account("100", "p1", "alice")
	updated.AuthFailures = 3
	if err := s.Save(ctx, updated); err != nil {
		t.Fatalf("save: %v", err)
	}

	user, _ := s.Get(ctx, "100")
	if user.Accounts[0].AuthFailures != 3 {
		t.Errorf("fast path did not persist, got %+v", user.Accounts[0])
	}
}

func TestService_SaveUnknownAccountFallsBackToAdd(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	if err := s.Save(ctx, account("100", "p1", "alice")); err != nil {
		t.Fatalf("save: %v", err)
	}
	user, _ := s.Get(ctx, "100")
	if user == nil || len(user.Accounts) != 1 {
		t.Fatal("save of an unknown account should create it")
	}
}

func TestService_DeleteClampsCurrentAccount(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "a"))
	_ = s.Add(ctx, account("100", "p2", "b"))
	_ = s.Add(ctx, account("100", "p3", "c")) // current = 3

	username, err := s.Delete(ctx, "100", 3)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if username != "c" {
		t.Errorf("expected deleted username c, got %s", username)
	}

	user, _ := s.Get(ctx, "100")
	if user.CurrentAccount != 2 {
		t.Errorf("current account should clamp to 2, got %d", user.CurrentAccount)
	}
	if len(user.Accounts) != 2 {
		t.Errorf("expected 2 accounts left, got %d", len(user.Accounts))
	}
}

func TestService_DeletingLastAccountRemovesUser(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "only"))
	if _, err := s.Delete(ctx, "100", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	user, _ := s.Get(ctx, "100")
	if user != nil {
		t.Error("user row should be gone with its last account")
	}
}

func TestService_DeleteMissingAccountIsQuiet(t *testing.T) {
	s := newTestService(t, nil)

	username, err := s.Delete(context.Background(), "ghost", 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if username != "" {
		t.Errorf("expected empty username for missing user, got %s", username)
	}
}

func TestService_CurrentHealsOutOfRangeIndex(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "a"))
	_ = s.Add(ctx, account("100", "p2", "b"))

	acc, err := s.Current(ctx, "100", 9)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if acc == nil || acc.Username != "a" {
		t.Errorf("out-of-range index should heal to account 1, got %+v", acc)
	}
}

func TestService_SwitchChangesCurrent(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "a"))
	_ = s.Add(ctx, account("100", "p2", "b"))

	acc, err := s.Switch(ctx, "100", 1)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if acc.Username != "a" {
		t.Errorf("expected switched account a, got %s", acc.Username)
	}

	current, _ := s.Current(ctx, "100", 0)
	if current.Username != "a" {
		t.Errorf("switch did not persist, current = %s", current.Username)
	}

	if _, err := s.Switch(ctx, "100", 5); err == nil {
		t.Error("out-of-range switch should fail")
	}
}

func TestService_FindIndexMatchesNamePuuidOrNumber(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "alice"))
	_ = s.Add(ctx, account("100", "p2", "bob"))

	cases := []struct {
		query string
		want  int
	}{
		{"alice", 1},
		{"p2", 2},
		{"2", 2},
		{"nobody", 0},
		{"7", 0},
	}
	for _, tc := range cases {
		got, err := s.FindIndex(ctx, "100", tc.query)
		if err != nil {
			t.Fatalf("find %q: %v", tc.query, err)
		}
		if got != tc.want {
			t.Errorf("find %q = %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestService_RemoveDuplicatesLeavesCleanUserAlone(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	_ = s.Add(ctx, account("100", "p1", "a"))
	_ = s.Add(ctx, account("100", "p2", "b"))

	if err := s.RemoveDuplicates(ctx, "100"); err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	got, _ := s.Get(ctx, "100")
	if len(got.Accounts) != 2 || got.CurrentAccount != 2 {
		t.Errorf("dedupe changed a clean user: %+v", got)
	}
}

func TestDedupeAlerts_KeepsFirstPerUUID(t *testing.T) {
	alerts := []store.Alert{
		{UUID: "s1", ChannelID: "c1"},
		{UUID: "s2", ChannelID: "c1"},
		{UUID: "s1", ChannelID: "c2"}, // dupe, different channel
	}
	got := dedupeAlerts(alerts)
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	if got[0].UUID != "s1" || got[0].ChannelID != "c1" {
		t.Errorf("first occurrence should win, got %+v", got[0])
	}
}

func TestService_EncryptionSealsBlobsAtRest(t *testing.T) {
	key := bytes.Repeat([]byte("k"), 32)
	s := newTestService(t, key)
	ctx := context.Background()

	plain := `{"cookies":"ssid=p1"}`
	_ = s.Add(ctx, account("100", "p1", "alice"))

	// raw row must not contain the plaintext credentials
	raw, err := s.store.GetAccount(ctx, "p1")
	if err != nil || raw == nil {
		t.Fatalf("raw get: %v", err)
	}
	if bytes.Contains(raw.Auth, []byte("ssid=p1")) {
		t.Error("credentials stored in plaintext despite encryption key")
	}

	// service round-trip opens them again
	user, err := s.Get(ctx, "100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(user.Accounts[0].Auth) != plain {
		t.Errorf("expected opened auth %s, got %s", plain, user.Accounts[0].Auth)
	}
}
