// Package store persists Users and their linked Accounts. It owns the rows
// exclusively: values handed out are detached copies, and every mutation
// goes back through a store operation so no two writers ever observe a
// half-written user/account pair.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Alert is one shop alert subscription attached to an account.
type Alert struct {
	UUID      string `json:"uuid"`
	ChannelID string `json:"channel_id"`
}

// Account is one set of linked Riot credentials. PUUID is globally unique;
// every account belongs to exactly one user.
type Account struct {
	PUUID            string          `json:"puuid"`
	UserID           string          `json:"user_id"`
	Username         string          `json:"username"`
	Region           string          `json:"region,omitempty"`
	Auth             json.RawMessage `json:"auth"`
	Alerts           []Alert         `json:"alerts,omitempty"`
	AuthFailures     int             `json:"auth_failures,omitempty"`
	LastFetchedData  int64           `json:"last_fetched_data,omitempty"`
	LastNoticeSeen   string          `json:"last_notice_seen,omitempty"`
	LastSawEasterEgg int64           `json:"last_saw_easter_egg,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// User is one platform identity with its accounts ordered by creation
// time. CurrentAccount is a 1-based index into Accounts.
type User struct {
	ID             string          `json:"id"`
	CurrentAccount int             `json:"current_account"`
	Settings       json.RawMessage `json:"settings"`
	Accounts       []Account       `json:"accounts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Tx is the set of operations available both directly on a Store and
// inside a transaction.
type Tx interface {
	// GetUser reconstructs a user with accounts ordered by creation
	// time. Returns nil when the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)
	// SaveUser upserts the user row and every account it carries.
	SaveUser(ctx context.Context, user *User) error
	// DeleteUser removes all of the user's accounts, then the user row.
	DeleteUser(ctx context.Context, id string) error

	GetAccount(ctx context.Context, puuid string) (*Account, error)
	DeleteAccount(ctx context.Context, puuid string) error
	// UpdateAccount rewrites exactly one existing account row without
	// touching the user row or sibling accounts. Reports whether the
	// row existed; it never creates one.
	UpdateAccount(ctx context.Context, account *Account) (bool, error)

	UserIDs(ctx context.Context) ([]string, error)
	CountUsers(ctx context.Context) (int, error)
}

// Store is the durable account store. Update runs fn atomically: reads and
// conditional writes inside fn cannot interleave with another caller's.
type Store interface {
	Tx
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
