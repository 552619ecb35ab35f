package services

import (
	"context"

	"bank-link/src/models"
)

// Provider is the upstream aggregation API. Errors come back already mapped to
// the util error kinds, with util.ErrSyncMutation and *util.ItemError as
// sentinels the sync engine reacts to.
//
//go:generate mockgen -destination=mocks/mock_provider.go -source=provider.go Provider
type Provider interface {
	CreateLinkToken(ctx context.Context, userID, accessToken string) (*models.LinkToken, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*models.ExchangedItem, error)
	GetAccounts(ctx context.Context, accessToken string) ([]models.BankAccount, error)
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int32) (*models.SyncPage, error)
	RemoveItem(ctx context.Context, accessToken string) error
}
