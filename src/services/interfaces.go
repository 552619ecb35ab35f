package services

import (
	"context"
	"net/http"

	"bank-link/src/models"
)

// Store is the persistence the services need. Implemented by db.Store.
type Store interface {
	GetItem(ctx context.Context, itemID string) (*models.LinkedItem, error)
	GetItemByProviderID(ctx context.Context, providerItemID string) (*models.LinkedItem, error)
	ListItems(ctx context.Context, userID string) ([]models.LinkedItem, error)
	SaveItem(ctx context.Context, item *models.LinkedItem, accounts []models.BankAccount) (*models.LinkedItem, error)
	UpdateItemStatus(ctx context.Context, itemID string, status models.ItemStatus, errorCode string) error
	RevokeItem(ctx context.Context, itemID string) error
	GetAccount(ctx context.Context, accountID string) (*models.BankAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]models.BankAccount, error)
	ListItemAccounts(ctx context.Context, itemID string) ([]models.BankAccount, error)
	ListTransactions(ctx context.Context, accountID string) ([]models.SyncedTransaction, error)
	ApplySyncRound(ctx context.Context, round models.SyncRound) (int, error)
}

type TokenVault interface {
	Encrypt(plainToken string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AccountCache is a per-user cache of account lists. Set takes the
// generation read before the store load and drops the write if the user was
// invalidated in between.
type AccountCache interface {
	Get(userID string) ([]models.BankAccount, bool)
	Generation(userID string) uint64
	Set(userID string, gen uint64, accounts []models.BankAccount) bool
	Invalidate(userID string)
}

// SyncQueue hands sync work to background workers.
type SyncQueue interface {
	Enqueue(ctx context.Context, job models.SyncJob) error
}

type WebhookVerifier interface {
	Verify(ctx context.Context, body []byte, header http.Header) error
}
