package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"bank-link/src/db"
	"bank-link/src/metrics"
	"bank-link/src/models"
	"bank-link/src/util"
	"bank-link/src/vault"

	"golang.org/x/sync/errgroup"
)

// SyncMode decides what happens when the item is already being synced.
type SyncMode int

const (
	// SyncWait queues behind the running round. Used for user requests so
	// they observe a committed result.
	SyncWait SyncMode = iota
	// SyncCoalesce skips when a round is already running. Used for webhook
	// and queue driven work, where the running round covers the update.
	SyncCoalesce
)

const (
	TokenDecryptionFailed = "TOKEN_DECRYPTION_FAILED"

	defaultPageSize    = 500
	defaultMaxPages    = 200
	defaultMaxRestarts = 3
	defaultParallelism = 4
)

type SyncOptions struct {
	PageSize    int32
	MaxPages    int
	MaxRestarts int
	Parallelism int
}

type SyncEngine struct {
	store    Store
	provider Provider
	vault    TokenVault
	locker   db.Locker
	cache    AccountCache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     SyncOptions
}

func NewSyncEngine(store Store, provider Provider, vault TokenVault, locker db.Locker, cache AccountCache, m *metrics.Metrics, logger *slog.Logger, opts SyncOptions) *SyncEngine {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &SyncEngine{
		store:    store,
		provider: provider,
		vault:    vault,
		locker:   locker,
		cache:    cache,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
}

func syncLockKey(itemID string) string {
	return "sync:" + itemID
}

// SyncTransactions syncs one account's item, or every live item of the user
// when accountID is empty. Items run in parallel; each item commits on its own.
func (e *SyncEngine) SyncTransactions(ctx context.Context, userID, accountID string) (*models.SyncResult, error) {
	var items []models.LinkedItem
	if accountID != "" {
		account, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		item, err := e.store.GetItem(ctx, account.ItemID)
		if err != nil {
			return nil, err
		}
		if item.UserID != userID {
			return nil, util.Forbidden("account %s belongs to another user", accountID)
		}
		if item.Status == models.ItemStatusRevoked {
			return nil, util.NotFound("account %s not found", accountID)
		}
		items = []models.LinkedItem{*item}
	} else {
		var err error
		items, err = e.store.ListItems(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	results := make([]models.ItemSyncResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, item := range items {
		g.Go(func() error {
			res, err := e.SyncItem(gctx, item.ID, SyncWait)
			if err != nil {
				return fmt.Errorf("sync item %s: %w", item.ID, err)
			}
			results[i] = *res
			return nil
		})
	}
	err := g.Wait()
	if e.cache != nil {
		e.cache.Invalidate(userID)
	}
	if err != nil {
		return nil, err
	}

	out := &models.SyncResult{Items: results}
	for _, r := range results {
		out.Added += r.Added
		out.Modified += r.Modified
		out.Removed += r.Removed
	}
	if len(results) == 1 {
		out.Cursor = results[0].Cursor
	}
	return out, nil
}

// SyncItem runs one complete round for an item under its lock: fetch pages
// from the stored cursor until the provider reports no more, then commit the
// net change set and the final cursor together.
func (e *SyncEngine) SyncItem(ctx context.Context, itemID string, mode SyncMode) (*models.ItemSyncResult, error) {
	key := syncLockKey(itemID)
	var unlock db.Unlock
	if mode == SyncCoalesce {
		u, ok, err := e.locker.TryLock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			e.metrics.SyncRounds.WithLabelValues("coalesced").Inc()
			return &models.ItemSyncResult{ItemID: itemID, Skipped: true, SkipCause: "sync already in progress"}, nil
		}
		unlock = u
	} else {
		u, err := e.locker.Lock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		unlock = u
	}
	defer unlock()

	// Reload under the lock; the previous holder may have moved the cursor.
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.Syncable() {
		e.metrics.SyncRounds.WithLabelValues("skipped").Inc()
		return &models.ItemSyncResult{
			ItemID:    item.ID,
			Skipped:   true,
			SkipCause: fmt.Sprintf("item status %s", item.Status),
		}, nil
	}

	accessToken, err := e.vault.Decrypt(item.EncryptedAccessToken)
	if err != nil {
		// Only a ciphertext that fails to open condemns the item.
		if !errors.Is(err, vault.ErrKeyMissing) {
			e.markError(ctx, item, TokenDecryptionFailed)
		}
		e.metrics.SyncRounds.WithLabelValues("failed").Inc()
		return nil, err
	}

	start := time.Now()
	round, result, err := e.collect(ctx, item, accessToken)
	if err != nil {
		var itemErr *util.ItemError
		if errors.As(err, &itemErr) {
			e.markError(ctx, item, itemErr.Code)
		}
		e.metrics.SyncRounds.WithLabelValues("failed").Inc()
		return nil, err
	}

	skipped, err := e.store.ApplySyncRound(ctx, *round)
	if errors.Is(err, util.ErrCursorMoved) {
		// The lock lease lapsed and another worker committed first.
		e.logger.Warn("Sync round superseded by a concurrent commit", "item_id", item.ID)
		e.metrics.SyncRounds.WithLabelValues("coalesced").Inc()
		return &models.ItemSyncResult{ItemID: item.ID, Skipped: true, SkipCause: "superseded by a concurrent sync"}, nil
	}
	if err != nil {
		e.metrics.SyncRounds.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("commit sync round: %w", err)
	}
	if skipped > 0 {
		e.logger.Warn("Skipped transactions for unknown accounts", "item_id", item.ID, "count", skipped)
	}
	if e.cache != nil {
		e.cache.Invalidate(item.UserID)
	}

	e.metrics.SyncRounds.WithLabelValues("committed").Inc()
	e.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	e.metrics.SyncChanges.WithLabelValues("added").Add(float64(result.Added))
	e.metrics.SyncChanges.WithLabelValues("modified").Add(float64(result.Modified))
	e.metrics.SyncChanges.WithLabelValues("removed").Add(float64(result.Removed))
	e.logger.Info("Sync round committed",
		"item_id", item.ID,
		"added", result.Added,
		"modified", result.Modified,
		"removed", result.Removed,
		"duration", time.Since(start),
	)
	return result, nil
}

func (e *SyncEngine) markError(ctx context.Context, item *models.LinkedItem, code string) {
	if err := e.store.UpdateItemStatus(ctx, item.ID, models.ItemStatusError, code); err != nil {
		e.logger.Error("Failed to mark item as errored", "item_id", item.ID, "code", code, "error", err)
		return
	}
	e.logger.Warn("Item moved to error state", "item_id", item.ID, "code", code)
}

// collect restarts the whole round from the stored cursor when the provider
// reports that data changed mid-pagination.
func (e *SyncEngine) collect(ctx context.Context, item *models.LinkedItem, accessToken string) (*models.SyncRound, *models.ItemSyncResult, error) {
	startCursor := ""
	if item.Cursor != nil {
		startCursor = *item.Cursor
	}
	for attempt := 1; ; attempt++ {
		round, result, err := e.fetchRound(ctx, item, accessToken, startCursor)
		if errors.Is(err, util.ErrSyncMutation) {
			if attempt < e.opts.MaxRestarts {
				e.logger.Info("Restarting sync after mutation during pagination", "item_id", item.ID, "attempt", attempt)
				continue
			}
			return nil, nil, util.UpstreamUnavailable(err, "transactions changed during sync, retry")
		}
		return round, result, err
	}
}

func (e *SyncEngine) fetchRound(ctx context.Context, item *models.LinkedItem, accessToken, startCursor string) (*models.SyncRound, *models.ItemSyncResult, error) {
	changes := newChangeSet()
	cursor := startCursor
	for pages := 0; ; pages++ {
		if pages >= e.opts.MaxPages {
			return nil, nil, util.UpstreamUnavailable(nil, "sync exceeded %d pages", e.opts.MaxPages)
		}
		page, err := e.provider.SyncTransactions(ctx, accessToken, cursor, e.opts.PageSize)
		if err != nil {
			return nil, nil, err
		}
		e.metrics.SyncPages.Inc()
		changes.apply(page)
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	round, result := changes.round(item.ID, cursor)
	round.StartCursor = item.Cursor
	return round, result, nil
}

type changeKind int

const (
	changeAdded changeKind = iota
	changeModified
)

// changeSet folds pages into their net effect keyed by provider transaction
// id, so the committed state depends only on the final feed position.
type changeSet struct {
	upserts  map[string]models.SyncedTransaction
	kinds    map[string]changeKind
	removed  map[string]struct{}
	accounts map[string]models.BankAccount
}

func newChangeSet() *changeSet {
	return &changeSet{
		upserts:  make(map[string]models.SyncedTransaction),
		kinds:    make(map[string]changeKind),
		removed:  make(map[string]struct{}),
		accounts: make(map[string]models.BankAccount),
	}
}

func (c *changeSet) upsert(txn models.SyncedTransaction, kind changeKind) {
	id := txn.ExternalTransactionID
	delete(c.removed, id)
	if prev, ok := c.kinds[id]; ok && prev == changeAdded {
		kind = changeAdded
	}
	c.upserts[id] = txn
	c.kinds[id] = kind
}

func (c *changeSet) apply(page *models.SyncPage) {
	for _, txn := range page.Added {
		c.upsert(txn, changeAdded)
	}
	for _, txn := range page.Modified {
		c.upsert(txn, changeModified)
	}
	for _, id := range page.Removed {
		delete(c.upserts, id)
		delete(c.kinds, id)
		c.removed[id] = struct{}{}
	}
	for _, account := range page.Accounts {
		c.accounts[account.ExternalAccountID] = account
	}
}

func (c *changeSet) round(itemID, cursor string) (*models.SyncRound, *models.ItemSyncResult) {
	round := &models.SyncRound{ItemID: itemID, Cursor: cursor}
	result := &models.ItemSyncResult{ItemID: itemID, Cursor: cursor}
	for _, id := range slices.Sorted(maps.Keys(c.upserts)) {
		round.Upserts = append(round.Upserts, c.upserts[id])
		if c.kinds[id] == changeAdded {
			result.Added++
		} else {
			result.Modified++
		}
	}
	round.Removed = slices.Sorted(maps.Keys(c.removed))
	result.Removed = len(round.Removed)
	for _, id := range slices.Sorted(maps.Keys(c.accounts)) {
		round.Accounts = append(round.Accounts, c.accounts[id])
	}
	return round, result
}
