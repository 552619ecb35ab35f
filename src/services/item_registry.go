package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"bank-link/src/models"
	"bank-link/src/util"
)

type ExchangeRequest struct {
	PublicToken     string `json:"publicToken"`
	InstitutionID   string `json:"institutionId"`
	InstitutionName string `json:"institutionName"`
}

func (r *ExchangeRequest) Validate() error {
	r.InstitutionName = strings.TrimSpace(r.InstitutionName)
	switch {
	case !util.ValidatePublicToken(r.PublicToken):
		return util.ValidationError("invalid publicToken")
	case !util.ValidateInstitutionID(r.InstitutionID):
		return util.ValidationError("invalid institutionId")
	case !util.ValidateInstitutionName(r.InstitutionName):
		return util.ValidationError("institutionName must be 1-200 characters")
	}
	return nil
}

// ItemRegistry owns the lifecycle of linked items: exchange, listing and
// unlinking.
type ItemRegistry struct {
	store    Store
	provider Provider
	vault    TokenVault
	cache    AccountCache
	queue    SyncQueue
	logger   *slog.Logger
}

func NewItemRegistry(store Store, provider Provider, vault TokenVault, cache AccountCache, queue SyncQueue, logger *slog.Logger) *ItemRegistry {
	return &ItemRegistry{
		store:    store,
		provider: provider,
		vault:    vault,
		cache:    cache,
		queue:    queue,
		logger:   logger,
	}
}

// ExchangeToken trades a public token for an access token, stores it
// encrypted with the item's accounts and queues the first sync. Relinking the
// same provider item updates the existing row.
func (r *ItemRegistry) ExchangeToken(ctx context.Context, userID string, req ExchangeRequest) (*models.LinkedItem, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exchanged, err := r.provider.ExchangePublicToken(ctx, req.PublicToken)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetItemByProviderID(ctx, exchanged.ProviderItemID)
	switch {
	case util.IsKind(err, util.KindNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.UserID != userID && existing.Status != models.ItemStatusRevoked:
		r.logger.Warn("Provider item already linked to another user", "provider_item_id", exchanged.ProviderItemID)
		return nil, util.Forbidden("item is linked to another user")
	}

	accounts, err := r.provider.GetAccounts(ctx, exchanged.AccessToken)
	if err != nil {
		r.discard(ctx, exchanged)
		return nil, err
	}

	if existing == nil {
		if err := r.checkDuplicate(ctx, userID, req.InstitutionID, accounts); err != nil {
			r.discard(ctx, exchanged)
			return nil, err
		}
	}

	encrypted, err := r.vault.Encrypt(exchanged.AccessToken)
	if err != nil {
		r.discard(ctx, exchanged)
		return nil, err
	}

	saved, err := r.store.SaveItem(ctx, &models.LinkedItem{
		UserID:               userID,
		InstitutionID:        req.InstitutionID,
		InstitutionName:      req.InstitutionName,
		ProviderItemID:       exchanged.ProviderItemID,
		EncryptedAccessToken: encrypted,
		Status:               models.ItemStatusActive,
	}, accounts)
	if err != nil {
		return nil, err
	}
	r.invalidate(userID)

	job := models.SyncJob{ItemID: saved.ID, Reason: "initial", EnqueuedAt: time.Now().UTC()}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		r.logger.Error("Failed to enqueue initial sync", "item_id", saved.ID, "error", err)
	}

	r.logger.Info("Item linked", "item_id", saved.ID, "institution_id", saved.InstitutionID, "accounts", len(accounts))
	return saved, nil
}

// checkDuplicate rejects a second item at the same institution that exposes
// the same set of accounts as a live one.
func (r *ItemRegistry) checkDuplicate(ctx context.Context, userID, institutionID string, accounts []models.BankAccount) error {
	items, err := r.store.ListItems(ctx, userID)
	if err != nil {
		return err
	}
	incoming := fingerprints(accounts)
	for _, item := range items {
		if item.InstitutionID != institutionID {
			continue
		}
		linked, err := r.store.ListItemAccounts(ctx, item.ID)
		if err != nil {
			return err
		}
		if sameSet(incoming, fingerprints(linked)) {
			return util.ValidationError("institution %s is already linked with the same accounts", item.InstitutionName)
		}
	}
	return nil
}

func fingerprints(accounts []models.BankAccount) map[string]struct{} {
	set := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		set[a.Fingerprint()] = struct{}{}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// discard revokes a freshly exchanged token that will not be stored.
func (r *ItemRegistry) discard(ctx context.Context, exchanged *models.ExchangedItem) {
	if err := r.provider.RemoveItem(ctx, exchanged.AccessToken); err != nil {
		r.logger.Warn("Failed to remove discarded provider item", "provider_item_id", exchanged.ProviderItemID, "error", err)
	}
}

func (r *ItemRegistry) invalidate(userID string) {
	if r.cache != nil {
		r.cache.Invalidate(userID)
	}
}

func (r *ItemRegistry) ownedItem(ctx context.Context, userID, itemID string) (*models.LinkedItem, error) {
	item, err := r.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.UserID != userID {
		return nil, util.Forbidden("item %s belongs to another user", itemID)
	}
	if item.Status == models.ItemStatusRevoked {
		return nil, util.NotFound("item %s not found", itemID)
	}
	return item, nil
}

// DeleteAccount unlinks the item identified by id, which may be an item id or
// the id of one of its accounts. The provider revocation is best effort; the
// local state is removed regardless.
func (r *ItemRegistry) DeleteAccount(ctx context.Context, userID, id string) error {
	if !util.ValidateID(id) {
		return util.ValidationError("invalid id")
	}

	itemID := id
	if _, err := r.store.GetItem(ctx, id); util.IsKind(err, util.KindNotFound) {
		account, err := r.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		itemID = account.ItemID
	} else if err != nil {
		return err
	}

	item, err := r.ownedItem(ctx, userID, itemID)
	if err != nil {
		return err
	}

	if accessToken, err := r.vault.Decrypt(item.EncryptedAccessToken); err != nil {
		r.logger.Warn("Skipping provider removal, token unreadable", "item_id", item.ID, "error", err)
	} else if err := r.provider.RemoveItem(ctx, accessToken); err != nil {
		r.logger.Warn("Failed to remove item at provider", "item_id", item.ID, "error", err)
	}

	if err := r.store.RevokeItem(ctx, item.ID); err != nil {
		return err
	}
	r.invalidate(userID)
	r.logger.Info("Item unlinked", "item_id", item.ID)
	return nil
}

func (r *ItemRegistry) ListItems(ctx context.Context, userID string) ([]models.LinkedItem, error) {
	items, err := r.store.ListItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.LinkedItem{}
	}
	return items, nil
}

func (r *ItemRegistry) GetAccounts(ctx context.Context, userID string) ([]models.BankAccount, error) {
	var gen uint64
	if r.cache != nil {
		if accounts, ok := r.cache.Get(userID); ok {
			return accounts, nil
		}
		gen = r.cache.Generation(userID)
	}
	accounts, err := r.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []models.BankAccount{}
	}
	if r.cache != nil && !r.cache.Set(userID, gen, accounts) {
		r.logger.Debug("Account list changed while loading, not cached", "user_id", userID)
	}
	return accounts, nil
}

func (r *ItemRegistry) ListTransactions(ctx context.Context, userID, accountID string) ([]models.SyncedTransaction, error) {
	if !util.ValidateID(accountID) {
		return nil, util.ValidationError("invalid account id")
	}
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := r.ownedItem(ctx, userID, account.ItemID); err != nil {
		return nil, err
	}
	transactions, err := r.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []models.SyncedTransaction{}
	}
	return transactions, nil
}
