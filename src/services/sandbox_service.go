package services

import (
	"context"
	"log/slog"

	"bank-link/src/models"
	"bank-link/src/util"
)

type SandboxProvider interface {
	FireSandboxWebhook(ctx context.Context, accessToken, webhookCode string) error
}

var sandboxWebhookCodes = map[string]bool{
	"SYNC_UPDATES_AVAILABLE": true,
	"DEFAULT_UPDATE":         true,
	"NEW_ACCOUNTS_AVAILABLE": true,
	"ITEM_LOGIN_REQUIRED":    true,
	"LOGIN_REPAIRED":         true,
}

// SandboxService drives provider test tooling for an owned item.
type SandboxService struct {
	store    Store
	vault    TokenVault
	provider SandboxProvider
	logger   *slog.Logger
}

func NewSandboxService(store Store, vault TokenVault, provider SandboxProvider, logger *slog.Logger) *SandboxService {
	return &SandboxService{store: store, vault: vault, provider: provider, logger: logger}
}

func (s *SandboxService) FireWebhook(ctx context.Context, userID, itemID, webhookCode string) error {
	if !util.ValidateID(itemID) {
		return util.ValidationError("invalid itemId")
	}
	if !sandboxWebhookCodes[webhookCode] {
		return util.ValidationError("unsupported webhookCode %q", webhookCode)
	}
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.UserID != userID {
		return util.Forbidden("item %s belongs to another user", itemID)
	}
	if item.Status == models.ItemStatusRevoked {
		return util.NotFound("item %s not found", itemID)
	}
	accessToken, err := s.vault.Decrypt(item.EncryptedAccessToken)
	if err != nil {
		return err
	}
	if err := s.provider.FireSandboxWebhook(ctx, accessToken, webhookCode); err != nil {
		return err
	}
	s.logger.Info("Fired sandbox webhook", "item_id", item.ID, "webhook_code", webhookCode)
	return nil
}
