// Package sqlite is the default account store backend: a single embedded
// database file per deployment, WAL-journaled, accessed through the pure-Go
// sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"valoqueue/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	currentAccount INTEGER NOT NULL DEFAULT 1,
	settings TEXT NOT NULL,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	puuid TEXT PRIMARY KEY,
	userId TEXT NOT NULL,
	username TEXT NOT NULL,
	region TEXT,
	auth TEXT NOT NULL,
	alerts TEXT,
	authFailures INTEGER DEFAULT 0,
	lastFetchedData INTEGER,
	lastNoticeSeen TEXT,
	lastSawEasterEgg INTEGER DEFAULT 0,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL,
	FOREIGN KEY(userId) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_accounts_userId ON accounts(userId);
`

// Store implements store.Store on an SQLite file.
type Store struct {
	queries
	db *sql.DB
}

// Open opens (creating if needed) the account database. A store that
// cannot open is fatal to the hosting process; callers must not continue
// without persistence.
func Open(log *slog.Logger, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info("account_store_opened", "driver", "sqlite", "path", path)
	return &Store{queries: queries{q: db, log: log}, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside one transaction, a single durability barrier for
// the whole read-modify-write sequence.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(queries{q: sqlTx, log: s.log}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, filepath.Clean(destPath)); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx, so every operation
// works directly on the store and inside Update.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q   queryer
	log *slog.Logger
}

func (s queries) GetUser(ctx context.Context, id string) (*store.User, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, currentAccount, settings, createdAt, updatedAt FROM users WHERE id = ?`, id)

	var user store.User
	var settings string
	var createdAt, updatedAt int64
	if err := row.Scan(&user.ID, &user.CurrentAccount, &settings, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.Settings = store.SanitizeJSONObject(s.log, settings, "user.settings")
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := s.q.QueryContext(ctx,
		`SELECT puuid, userId, username, region, auth, alerts, authFailures,
		        lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt
		 FROM accounts WHERE userId = ? ORDER BY createdAt ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get user accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		user.Accounts = append(user.Accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get user accounts: %w", err)
	}
	return &user, nil
}

func (s queries) SaveUser(ctx context.Context, user *store.User) error {
	now := time.Now()

	currentAccount := user.CurrentAccount
	if currentAccount < 1 {
		currentAccount = 1
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	settings := string(user.Settings)
	if settings == "" {
		settings = "{}"
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, currentAccount, settings, createdAt, updatedAt)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, currentAccount, settings, createdAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	for i := range user.Accounts {
		account := &user.Accounts[i]
		accCreated := account.CreatedAt
		if accCreated.IsZero() {
			// Distinct timestamps keep sibling ordering stable under
			// the createdAt sort.
			accCreated = now.Add(time.Duration(i) * time.Millisecond)
		}
		alerts, err := store.EncodeAlerts(account.Alerts)
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx,
			`INSERT OR REPLACE INTO accounts
			 (puuid, userId, username, region, auth, alerts, authFailures,
			  lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			account.PUUID, user.ID, account.Username, store.Nullable(account.Region),
			store.AuthBlob(account.Auth), alerts, account.AuthFailures,
			account.LastFetchedData, store.Nullable(account.LastNoticeSeen), account.LastSawEasterEgg,
			accCreated.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert account %s: %w", account.PUUID, err)
		}
	}
	return nil
}

func (s queries) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM accounts WHERE userId = ?`, id); err != nil {
		return fmt.Errorf("delete user accounts: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s queries) GetAccount(ctx context.Context, puuid string) (*store.Account, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT puuid, userId, username, region, auth, alerts, authFailures,
		        lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt
		 FROM accounts WHERE puuid = ?`, puuid)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get account: %w", err)
		}
		return nil, nil
	}
	return s.scanAccount(rows)
}

func (s queries) DeleteAccount(ctx context.Context, puuid string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM accounts WHERE puuid = ?`, puuid); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s queries) UpdateAccount(ctx context.Context, account *store.Account) (bool, error) {
	alerts, err := store.EncodeAlerts(account.Alerts)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET username = ?, region = ?, auth = ?, alerts = ?, authFailures = ?,
		        lastFetchedData = ?, lastNoticeSeen = ?, lastSawEasterEgg = ?, updatedAt = ?
		 WHERE puuid = ?`,
		account.Username, store.Nullable(account.Region), store.AuthBlob(account.Auth), alerts,
		account.AuthFailures, account.LastFetchedData, store.Nullable(account.LastNoticeSeen),
		account.LastSawEasterEgg, time.Now().UnixMilli(), account.PUUID)
	if err != nil {
		return false, fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update account: %w", err)
	}
	return n > 0, nil
}

func (s queries) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("user ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s queries) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s queries) scanAccount(rows *sql.Rows) (*store.Account, error) {
	var account store.Account
	var region, alerts, lastNoticeSeen sql.NullString
	var auth string
	var lastFetchedData sql.NullInt64
	var createdAt, updatedAt int64

	if err := rows.Scan(&account.PUUID, &account.UserID, &account.Username, &region,
		&auth, &alerts, &account.AuthFailures, &lastFetchedData,
		&lastNoticeSeen, &account.LastSawEasterEgg, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	account.Region = region.String
	account.LastNoticeSeen = lastNoticeSeen.String
	account.LastFetchedData = lastFetchedData.Int64
	account.Auth = store.SanitizeJSONObject(s.log, auth, "account.auth")
	account.Alerts = store.DecodeAlerts(s.log, alerts.String, account.PUUID)
	account.CreatedAt = time.UnixMilli(createdAt)
	account.UpdatedAt = time.UnixMilli(updatedAt)
	return &account, nil
}
