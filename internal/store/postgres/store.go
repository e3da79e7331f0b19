// Package postgres implements the account store on PostgreSQL for
// deployments that already run a server database instead of the embedded
// default.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"valoqueue/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	currentAccount INTEGER NOT NULL DEFAULT 1,
	settings TEXT NOT NULL,
	createdAt BIGINT NOT NULL,
	updatedAt BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	puuid TEXT PRIMARY KEY,
	userId TEXT NOT NULL REFERENCES users(id),
	username TEXT NOT NULL,
	region TEXT,
	auth TEXT NOT NULL,
	alerts TEXT,
	authFailures INTEGER DEFAULT 0,
	lastFetchedData BIGINT,
	lastNoticeSeen TEXT,
	lastSawEasterEgg BIGINT DEFAULT 0,
	createdAt BIGINT NOT NULL,
	updatedAt BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_userId ON accounts(userId);
`

// Store implements store.Store on a pgx connection pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

func Open(ctx context.Context, log *slog.Logger, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	// prefer prepared statements safely via pgx automatic statement cache
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info("account_store_opened", "driver", "postgres")
	return &Store{queries: queries{q: pool, log: log}, pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(queries{q: tx, log: s.log})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q   querier
	log *slog.Logger
}

func (s queries) GetUser(ctx context.Context, id string) (*store.User, error) {
	var user store.User
	var settings string
	var createdAt, updatedAt int64
	err := s.q.QueryRow(ctx,
		`SELECT id, currentAccount, settings, createdAt, updatedAt FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.CurrentAccount, &settings, &createdAt, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.Settings = store.SanitizeJSONObject(s.log, settings, "user.settings")
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := s.q.Query(ctx,
		`SELECT puuid, userId, username, region, auth, alerts, authFailures,
		        lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt
		 FROM accounts WHERE userId = $1 ORDER BY createdAt ASC`, id)
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

	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, currentAccount, settings, createdAt, updatedAt)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   currentAccount = excluded.currentAccount,
		   settings = excluded.settings,
		   updatedAt = excluded.updatedAt`,
		user.ID, currentAccount, settings, createdAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	for i := range user.Accounts {
		account := &user.Accounts[i]
		accCreated := account.CreatedAt
		if accCreated.IsZero() {
			accCreated = now.Add(time.Duration(i) * time.Millisecond)
		}
		alerts, err := store.EncodeAlerts(account.Alerts)
		if err != nil {
			return err
		}
		_, err = s.q.Exec(ctx,
			`INSERT INTO accounts
			 (puuid, userId, username, region, auth, alerts, authFailures,
			  lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (puuid) DO UPDATE SET
			   userId = excluded.userId,
			   username = excluded.username,
			   region = excluded.region,
			   auth = excluded.auth,
			   alerts = excluded.alerts,
			   authFailures = excluded.authFailures,
			   lastFetchedData = excluded.lastFetchedData,
			   lastNoticeSeen = excluded.lastNoticeSeen,
			   lastSawEasterEgg = excluded.lastSawEasterEgg,
			   updatedAt = excluded.updatedAt`,
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
	if _, err := s.q.Exec(ctx, `DELETE FROM accounts WHERE userId = $1`, id); err != nil {
		return fmt.Errorf("delete user accounts: %w", err)
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s queries) GetAccount(ctx context.Context, puuid string) (*store.Account, error) {
	rows, err := s.q.Query(ctx,
		`SELECT puuid, userId, username, region, auth, alerts, authFailures,
		        lastFetchedData, lastNoticeSeen, lastSawEasterEgg, createdAt, updatedAt
		 FROM accounts WHERE puuid = $1`, puuid)
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
	if _, err := s.q.Exec(ctx, `DELETE FROM accounts WHERE puuid = $1`, puuid); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s queries) UpdateAccount(ctx context.Context, account *store.Account) (bool, error) {
	alerts, err := store.EncodeAlerts(account.Alerts)
	if err != nil {
		return false, err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET username = $1, region = $2, auth = $3, alerts = $4, authFailures = $5,
		        lastFetchedData = $6, lastNoticeSeen = $7, lastSawEasterEgg = $8, updatedAt = $9
		 WHERE puuid = $10`,
		account.Username, store.Nullable(account.Region), store.AuthBlob(account.Auth), alerts,
		account.AuthFailures, account.LastFetchedData, store.Nullable(account.LastNoticeSeen),
		account.LastSawEasterEgg, time.Now().UnixMilli(), account.PUUID)
	if err != nil {
		return false, fmt.Errorf("update account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s queries) UserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM users`)
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
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s queries) scanAccount(rows pgx.Rows) (*store.Account, error) {
	var account store.Account
	var region, alerts, lastNoticeSeen *string
	var auth string
	var lastFetchedData *int64
	var createdAt, updatedAt int64

	if err := rows.Scan(&account.PUUID, &account.UserID, &account.Username, &region,
		&auth, &alerts, &account.AuthFailures, &lastFetchedData,
		&lastNoticeSeen, &account.LastSawEasterEgg, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if region != nil {
		account.Region = *region
	}
	if lastNoticeSeen != nil {
		account.LastNoticeSeen = *lastNoticeSeen
	}
	if lastFetchedData != nil {
		account.LastFetchedData = *lastFetchedData
	}
	account.Auth = store.SanitizeJSONObject(s.log, auth, "account.auth")
	if alerts != nil {
		account.Alerts = store.DecodeAlerts(s.log, *alerts, account.PUUID)
	}
	account.CreatedAt = time.UnixMilli(createdAt)
	account.UpdatedAt = time.UnixMilli(updatedAt)
	return &account, nil
}
