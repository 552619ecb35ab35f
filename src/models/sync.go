package models

import "time"

// SyncPage is one bounded page of the provider's incremental sync feed.
type SyncPage struct {
	Added      []SyncedTransaction
	Modified   []SyncedTransaction
	Removed    []string
	Accounts   []BankAccount
	HasMore    bool
	NextCursor string
}

// SyncRound is the net effect of a complete multi-page sync, committed as one
// unit together with the new cursor.
type SyncRound struct {
	ItemID   string
	Upserts  []SyncedTransaction
	Removed  []string
	Accounts []BankAccount
	Cursor   string
	// StartCursor is the stored cursor the round began from; nil before the
	// first sync. The commit only applies while it is still current.
	StartCursor *string
}

type ItemSyncResult struct {
	ItemID    string `json:"item_id"`
	Added     int    `json:"added"`
	Modified  int    `json:"modified"`
	Removed   int    `json:"removed"`
	Cursor    string `json:"cursor,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	SkipCause string `json:"skip_reason,omitempty"`
}

type SyncResult struct {
	Added    int              `json:"added"`
	Modified int              `json:"modified"`
	Removed  int              `json:"removed"`
	Cursor   string           `json:"cursor,omitempty"`
	Items    []ItemSyncResult `json:"items"`
}

type LinkToken struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
}

// ExchangedItem is the provider's answer to a public token exchange.
type ExchangedItem struct {
	AccessToken    string
	ProviderItemID string
}

// SyncJob asks a worker to run one sync round for an item.
type SyncJob struct {
	ItemID     string    `json:"item_id"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
