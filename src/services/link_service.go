package services

import (
	"context"
	"log/slog"

	"bank-link/src/models"
	"bank-link/src/util"
)

type LinkService struct {
	store    Store
	provider Provider
	vault    TokenVault
	logger   *slog.Logger
}

func NewLinkService(store Store, provider Provider, vault TokenVault, logger *slog.Logger) *LinkService {
	return &LinkService{store: store, provider: provider, vault: vault, logger: logger}
}

// CreateLinkToken issues a short-lived token for the client-side link flow.
// With an itemID the token opens update mode to repair that item's login.
func (s *LinkService) CreateLinkToken(ctx context.Context, userID, itemID string) (*models.LinkToken, error) {
	if userID == "" {
		return nil, util.ValidationError("missing user")
	}

	accessToken := ""
	if itemID != "" {
		if !util.ValidateID(itemID) {
			return nil, util.ValidationError("invalid item_id")
		}
		item, err := s.store.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if item.UserID != userID {
			return nil, util.Forbidden("item %s belongs to another user", itemID)
		}
		if item.Status == models.ItemStatusRevoked {
			return nil, util.NotFound("item %s not found", itemID)
		}
		accessToken, err = s.vault.Decrypt(item.EncryptedAccessToken)
		if err != nil {
			return nil, err
		}
	}

	token, err := s.provider.CreateLinkToken(ctx, userID, accessToken)
	if err != nil {
		s.logger.Error("Failed to create link token", "error", err)
		return nil, err
	}
	return token, nil
}
