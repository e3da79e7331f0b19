// Package accounts implements multi-account management on top of the
// store: linking, switching, merging duplicates and removal, with
// optional encryption of credential blobs at rest.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"valoqueue/internal/store"
)

// DefaultSettings is the settings blob given to newly created users.
var DefaultSettings = json.RawMessage(`{"dailyShop":true,"pingOnAutoFetchError":true,"hideIgn":false,"othersCanViewShop":true,"othersCanUseAccountButtons":true,"locale":"Automatic"}`)

// Service wraps the store with the account-level operations. When an
// encryption key is set, credential blobs are sealed before they reach
// the store and opened on the way out.
type Service struct {
	log   *slog.Logger
	store store.Store
	codec *blobCodec
}

func New(log *slog.Logger, st store.Store, encryptionKey []byte) *Service {
	var codec *blobCodec
	if len(encryptionKey) > 0 {
		codec = &blobCodec{key: encryptionKey, log: log}
	}
	return &Service{log: log, store: st, codec: codec}
}

// Get returns the user with credential blobs opened, or nil.
func (s *Service) Get(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		return user, err
	}
	s.openUser(user)
	return user, nil
}

// Current returns the account at accountNumber (1-based), or the user's
// current account when accountNumber is 0. An index past the end heals
// to the first account. Returns nil when the user does not exist.
func (s *Service) Current(ctx context.Context, userID string, accountNumber int) (*store.Account, error) {
	user, err := s.Get(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	if accountNumber == 0 {
		accountNumber = user.CurrentAccount
	}
	if accountNumber < 1 || accountNumber > len(user.Accounts) {
		accountNumber = 1
	}
	if len(user.Accounts) == 0 {
		return nil, nil
	}
	account := user.Accounts[accountNumber-1]
	return &account, nil
}

// Add links an account to the user, creating the user if needed. When
// the account's PUUID is already linked, the new credentials replace the
// old ones while alerts are merged and fetch bookkeeping carries over.
// Either way the added account becomes the current one.
func (s *Service) Add(ctx context.Context, account *store.Account) error {
	s.log.Info("account_link", "user_id", account.UserID, "puuid", account.PUUID)
	return s.store.Update(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, account.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			fresh := &store.User{
				ID:             account.UserID,
				CurrentAccount: 1,
				Settings:       DefaultSettings,
				Accounts:       []store.Account{*account},
			}
			s.sealUser(fresh)
			return tx.SaveUser(ctx, fresh)
		}
		s.openUser(user)

		merged := false
		for i := range user.Accounts {
			if user.Accounts[i].PUUID != account.PUUID {
				continue
			}
			old := user.Accounts[i]
			account.Alerts = dedupeAlerts(append(old.Alerts, account.Alerts...))
			account.LastFetchedData = old.LastFetchedData
			account.LastNoticeSeen = old.LastNoticeSeen
			account.LastSawEasterEgg = old.LastSawEasterEgg
			account.CreatedAt = old.CreatedAt
			user.Accounts[i] = *account
			user.CurrentAccount = i + 1
			merged = true
			break
		}
		if !merged {
			user.Accounts = append(user.Accounts, *account)
			user.CurrentAccount = len(user.Accounts)
		}
		s.sealUser(user)
		return tx.SaveUser(ctx, user)
	})
}

// Save persists updated account state. Accounts already in the store
// take a single-row fast path; otherwise the account is linked through
// the full transactional path.
func (s *Service) Save(ctx context.Context, account *store.Account) error {
	if account.PUUID != "" {
		sealed := *account
		s.sealAccount(&sealed)
		existed, err := s.store.UpdateAccount(ctx, &sealed)
		if err != nil {
			return err
		}
		if existed {
			return nil
		}
	}
	return s.Add(ctx, account)
}

// Delete unlinks one account (accountNumber, or the current one when 0)
// and returns its username. Removing the last account removes the user
// row too. Returns "" with a nil error when there was nothing to delete.
func (s *Service) Delete(ctx context.Context, userID string, accountNumber int) (string, error) {
	var username string
	err := s.store.Update(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil || user == nil {
			return err
		}
		if accountNumber == 0 {
			accountNumber = user.CurrentAccount
		}
		if accountNumber < 1 || accountNumber > len(user.Accounts) {
			return nil
		}
		target := user.Accounts[accountNumber-1]
		username = target.Username

		user.Accounts = append(user.Accounts[:accountNumber-1], user.Accounts[accountNumber:]...)
		if len(user.Accounts) == 0 {
			return tx.DeleteUser(ctx, userID)
		}
		if user.CurrentAccount > len(user.Accounts) {
			user.CurrentAccount = len(user.Accounts)
		}
		if err := tx.DeleteAccount(ctx, target.PUUID); err != nil {
			return err
		}
		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return "", err
	}
	if username != "" {
		s.log.Info("account_unlink", "user_id", userID, "account", accountNumber)
	}
	return username, nil
}

// DeleteAll removes the user and every linked account.
func (s *Service) DeleteAll(ctx context.Context, userID string) error {
	s.log.Info("user_delete", "user_id", userID)
	return s.store.DeleteUser(ctx, userID)
}

// Switch makes accountNumber the current account and returns it.
func (s *Service) Switch(ctx context.Context, userID string, accountNumber int) (*store.Account, error) {
	var switched *store.Account
	err := s.store.Update(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil || user == nil {
			return err
		}
		if accountNumber < 1 || accountNumber > len(user.Accounts) {
			return fmt.Errorf("account %d out of range (have %d)", accountNumber, len(user.Accounts))
		}
		user.CurrentAccount = accountNumber
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		account := user.Accounts[accountNumber-1]
		switched = &account
		return nil
	})
	if err != nil || switched == nil {
		return nil, err
	}
	s.openAccount(switched)
	return switched, nil
}

// Count reports how many accounts the user has linked.
func (s *Service) Count(ctx context.Context, userID string) (int, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		return 0, err
	}
	return len(user.Accounts), nil
}

// FindIndex resolves a username, PUUID or numeric position to a 1-based
// account number. Returns 0 when nothing matches.
func (s *Service) FindIndex(ctx context.Context, userID, query string) (int, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		return 0, err
	}
	for i := range user.Accounts {
		if user.Accounts[i].Username == query || user.Accounts[i].PUUID == query {
			return i + 1, nil
		}
	}
	if n, err := strconv.Atoi(query); err == nil && n >= 1 && n <= len(user.Accounts) {
		return n, nil
	}
	return 0, nil
}

// UserIDs lists every stored user ID.
func (s *Service) UserIDs(ctx context.Context) ([]string, error) {
	return s.store.UserIDs(ctx)
}

// TotalUsers counts stored users.
func (s *Service) TotalUsers(ctx context.Context) (int, error) {
	return s.store.CountUsers(ctx)
}

// RemoveDuplicates collapses accounts sharing a PUUID into one, merging
// their alert lists.
func (s *Service) RemoveDuplicates(ctx context.Context, userID string) error {
	return s.store.Update(ctx, func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil || user == nil {
			return err
		}
		deduped := make([]store.Account, 0, len(user.Accounts))
		for _, account := range user.Accounts {
			found := false
			for i := range deduped {
				if deduped[i].PUUID == account.PUUID {
					deduped[i].Alerts = dedupeAlerts(append(deduped[i].Alerts, account.Alerts...))
					found = true
					break
				}
			}
			if !found {
				deduped = append(deduped, account)
			}
		}
		if len(deduped) == len(user.Accounts) {
			return nil
		}
		user.Accounts = deduped
		if user.CurrentAccount > len(user.Accounts) {
			user.CurrentAccount = len(user.Accounts)
		}
		return tx.SaveUser(ctx, user)
	})
}

// dedupeAlerts keeps the first alert per item UUID.
func dedupeAlerts(alerts []store.Alert) []store.Alert {
	seen := make(map[string]bool, len(alerts))
	out := make([]store.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if seen[alert.UUID] {
			continue
		}
		seen[alert.UUID] = true
		out = append(out, alert)
	}
	return out
}

func (s *Service) sealUser(user *store.User) {
	if s.codec == nil {
		return
	}
	for i := range user.Accounts {
		s.sealAccount(&user.Accounts[i])
	}
}

func (s *Service) openUser(user *store.User) {
	if s.codec == nil {
		return
	}
	for i := range user.Accounts {
		s.openAccount(&user.Accounts[i])
	}
}

func (s *Service) sealAccount(account *store.Account) {
	if s.codec == nil {
		return
	}
	account.Auth = s.codec.seal(account.Auth)
}

func (s *Service) openAccount(account *store.Account) {
	if s.codec == nil {
		return
	}
	account.Auth = s.codec.open(account.Auth)
}
