package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bank-link/src/models"
	"bank-link/src/util"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore mirrors db.Store semantics in memory.
type memStore struct {
	mu           sync.Mutex
	items        map[string]*models.LinkedItem
	accounts     map[string]*models.BankAccount
	transactions map[string]models.SyncedTransaction // key: account id + "/" + provider txn id
	applyErr     error
	applied      int
	// listHook runs at the start of ListAccounts, outside the lock.
	listHook func()
}

func newMemStore() *memStore {
	return &memStore{
		items:        map[string]*models.LinkedItem{},
		accounts:     map[string]*models.BankAccount{},
		transactions: map[string]models.SyncedTransaction{},
	}
}

func (s *memStore) addItem(userID, providerItemID string, status models.ItemStatus) *models.LinkedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &models.LinkedItem{
		ID:                   uuid.NewString(),
		UserID:               userID,
		InstitutionID:        "ins_1",
		InstitutionName:      "First Bank",
		ProviderItemID:       providerItemID,
		EncryptedAccessToken: "enc:access-" + providerItemID,
		Status:               status,
	}
	s.items[item.ID] = item
	return item
}

func (s *memStore) addAccount(itemID, externalID string) *models.BankAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := &models.BankAccount{
		ID:                uuid.NewString(),
		ItemID:            itemID,
		ExternalAccountID: externalID,
		Name:              "Checking " + externalID,
		Mask:              "0000",
		Type:              "depository",
		Subtype:           "checking",
	}
	s.accounts[account.ID] = account
	return account
}

func (s *memStore) item(id string) models.LinkedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *memStore) cursor(id string) string {
	item := s.item(id)
	if item.Cursor == nil {
		return ""
	}
	return *item.Cursor
}

// transactionIDs lists stored provider transaction ids, sorted.
func (s *memStore) transactionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.transactions))
	for _, txn := range s.transactions {
		ids = append(ids, txn.ExternalTransactionID)
	}
	sort.Strings(ids)
	return ids
}

func (s *memStore) GetItem(ctx context.Context, itemID string) (*models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, util.NotFound("item %s not found", itemID)
	}
	cp := *item
	return &cp, nil
}

func (s *memStore) GetItemByProviderID(ctx context.Context, providerItemID string) (*models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ProviderItemID == providerItemID {
			cp := *item
			return &cp, nil
		}
	}
	return nil, util.NotFound("item %s not found", providerItemID)
}

func (s *memStore) ListItems(ctx context.Context, userID string) ([]models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.LinkedItem
	for _, item := range s.items {
		if item.UserID == userID && item.Status != models.ItemStatusRevoked {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *memStore) SaveItem(ctx context.Context, item *models.LinkedItem, accounts []models.BankAccount) (*models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var saved *models.LinkedItem
	for _, existing := range s.items {
		if existing.ProviderItemID == item.ProviderItemID {
			saved = existing
		}
	}
	if saved == nil {
		saved = &models.LinkedItem{ID: uuid.NewString(), ProviderItemID: item.ProviderItemID}
		s.items[saved.ID] = saved
	}
	saved.UserID = item.UserID
	saved.InstitutionID = item.InstitutionID
	saved.InstitutionName = item.InstitutionName
	saved.EncryptedAccessToken = item.EncryptedAccessToken
	saved.Status = models.ItemStatusActive
	saved.ErrorCode = ""
	s.upsertAccountsLocked(saved.ID, accounts)
	cp := *saved
	return &cp, nil
}

func (s *memStore) upsertAccountsLocked(itemID string, accounts []models.BankAccount) {
	for _, a := range accounts {
		found := false
		for _, existing := range s.accounts {
			if existing.ItemID == itemID && existing.ExternalAccountID == a.ExternalAccountID {
				id := existing.ID
				*existing = a
				existing.ID = id
				existing.ItemID = itemID
				found = true
			}
		}
		if !found {
			a.ID = uuid.NewString()
			a.ItemID = itemID
			cp := a
			s.accounts[a.ID] = &cp
		}
	}
}

func (s *memStore) UpdateItemStatus(ctx context.Context, itemID string, status models.ItemStatus, errorCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return util.NotFound("item %s not found", itemID)
	}
	item.Status = status
	item.ErrorCode = errorCode
	return nil
}

func (s *memStore) RevokeItem(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return util.NotFound("item %s not found", itemID)
	}
	item.Status = models.ItemStatusRevoked
	item.EncryptedAccessToken = ""
	item.Cursor = nil
	for id, a := range s.accounts {
		if a.ItemID != itemID {
			continue
		}
		for key := range s.transactions {
			if strings.HasPrefix(key, id+"/") {
				delete(s.transactions, key)
			}
		}
		delete(s.accounts, id)
	}
	return nil
}

func (s *memStore) GetAccount(ctx context.Context, accountID string) (*models.BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, util.NotFound("account %s not found", accountID)
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ListAccounts(ctx context.Context, userID string) ([]models.BankAccount, error) {
	if s.listHook != nil {
		s.listHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BankAccount
	for _, a := range s.accounts {
		item := s.items[a.ItemID]
		if item != nil && item.UserID == userID && item.Status != models.ItemStatusRevoked {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) ListItemAccounts(ctx context.Context, itemID string) ([]models.BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BankAccount
	for _, a := range s.accounts {
		if a.ItemID == itemID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) ListTransactions(ctx context.Context, accountID string) ([]models.SyncedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncedTransaction
	for _, txn := range s.transactions {
		if txn.AccountID == accountID {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (s *memStore) ApplySyncRound(ctx context.Context, round models.SyncRound) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return 0, s.applyErr
	}
	item, ok := s.items[round.ItemID]
	if !ok || item.Status == models.ItemStatusRevoked {
		return 0, util.NotFound("item %s not found", round.ItemID)
	}
	if !sameCursor(item.Cursor, round.StartCursor) {
		return 0, util.ErrCursorMoved
	}
	s.upsertAccountsLocked(round.ItemID, round.Accounts)

	accountIDs := map[string]string{}
	for _, a := range s.accounts {
		if a.ItemID == round.ItemID {
			accountIDs[a.ExternalAccountID] = a.ID
		}
	}
	removed := map[string]bool{}
	for _, id := range round.Removed {
		removed[id] = true
	}
	for key, txn := range s.transactions {
		if removed[txn.ExternalTransactionID] {
			delete(s.transactions, key)
		}
	}
	skipped := 0
	for _, txn := range round.Upserts {
		accountID, ok := accountIDs[txn.ExternalAccountID]
		if !ok {
			skipped++
			continue
		}
		txn.AccountID = accountID
		s.transactions[accountID+"/"+txn.ExternalTransactionID] = txn
	}
	cursor := round.Cursor
	item.Cursor = &cursor
	s.applied++
	return skipped, nil
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// prefixVault "encrypts" by prefixing; anything without the prefix fails.
type prefixVault struct{}

func (prefixVault) Encrypt(plain string) (string, error) {
	return "enc:" + plain, nil
}

func (prefixVault) Decrypt(cipher string) (string, error) {
	plain, ok := strings.CutPrefix(cipher, "enc:")
	if !ok {
		return "", util.EncryptionError(errors.New("bad ciphertext"), "decrypt access token")
	}
	return plain, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.SyncJob
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, job models.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Jobs() []models.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.SyncJob(nil), q.jobs...)
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[string][]models.BankAccount
	generations map[string]uint64
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string][]models.BankAccount{}, generations: map[string]uint64{}}
}

func (c *mapCache) Get(userID string) ([]models.BankAccount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[userID]
	return a, ok
}

func (c *mapCache) Generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

func (c *mapCache) Set(userID string, gen uint64, accounts []models.BankAccount) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != gen {
		return false
	}
	c.entries[userID] = accounts
	return true
}

func (c *mapCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	c.generations[userID]++
	c.invalidated = append(c.invalidated, userID)
}

// feedProvider serves sync pages keyed by the cursor they are requested with.
type feedProvider struct {
	mu      sync.Mutex
	pages   map[string]*models.SyncPage
	errs    map[string]error
	cursors []string
	gate    chan struct{} // when set, every sync call waits for a receive
	entered chan struct{}
}

func newFeedProvider() *feedProvider {
	return &feedProvider{pages: map[string]*models.SyncPage{}, errs: map[string]error{}}
}

func (p *feedProvider) CreateLinkToken(ctx context.Context, userID, accessToken string) (*models.LinkToken, error) {
	return &models.LinkToken{LinkToken: "link-sandbox-1", Expiration: time.Now().Add(4 * time.Hour).Format(time.RFC3339)}, nil
}

func (p *feedProvider) ExchangePublicToken(ctx context.Context, publicToken string) (*models.ExchangedItem, error) {
	return nil, errors.New("not scripted")
}

func (p *feedProvider) GetAccounts(ctx context.Context, accessToken string) ([]models.BankAccount, error) {
	return nil, errors.New("not scripted")
}

func (p *feedProvider) RemoveItem(ctx context.Context, accessToken string) error {
	return nil
}

func (p *feedProvider) SyncTransactions(ctx context.Context, accessToken, cursor string, count int32) (*models.SyncPage, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, cursor)
	if err, ok := p.errs[cursor]; ok {
		delete(p.errs, cursor)
		return nil, err
	}
	page, ok := p.pages[cursor]
	if !ok {
		return &models.SyncPage{NextCursor: cursor}, nil
	}
	return page, nil
}

func (p *feedProvider) requested() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cursors...)
}

func txn(id, account string) models.SyncedTransaction {
	return models.SyncedTransaction{
		ExternalTransactionID: id,
		ExternalAccountID:     account,
		Name:                  "purchase " + id,
		Date:                  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}
