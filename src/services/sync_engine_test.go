package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"bank-link/src/db"
	"bank-link/src/metrics"
	"bank-link/src/models"
	"bank-link/src/util"
	"bank-link/src/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	store    *memStore
	provider *feedProvider
	locker   *db.MemoryLocker
	cache    *mapCache
	metrics  *metrics.Metrics
	engine   *SyncEngine
	item     *models.LinkedItem
	account  *models.BankAccount
}

func newEngineFixture(t *testing.T, opts SyncOptions) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    newMemStore(),
		provider: newFeedProvider(),
		locker:   db.NewMemoryLocker(),
		cache:    newMapCache(),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.engine = NewSyncEngine(f.store, f.provider, prefixVault{}, f.locker, f.cache, f.metrics, discardLogger(), opts)
	f.item = f.store.addItem("user-1", "item-ext-1", models.ItemStatusActive)
	f.account = f.store.addAccount(f.item.ID, "acc-1")
	return f
}

func TestChangeSet_NetEffectAcrossPages(t *testing.T) {
	c := newChangeSet()
	c.apply(&models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1"), txn("T2", "acc-1")}})
	c.apply(&models.SyncPage{Added: []models.SyncedTransaction{txn("T3", "acc-1")}, Removed: []string{"T1"}})

	round, result := c.round("item", "c2")

	var ids []string
	for _, u := range round.Upserts {
		ids = append(ids, u.ExternalTransactionID)
	}
	assert.Equal(t, []string{"T2", "T3"}, ids)
	assert.Equal(t, []string{"T1"}, round.Removed)
	assert.Equal(t, "c2", round.Cursor)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 1, result.Removed)
}

func TestChangeSet_ModifiedAfterAddStaysAdded(t *testing.T) {
	c := newChangeSet()
	c.apply(&models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}})
	modified := txn("T1", "acc-1")
	modified.Name = "renamed"
	c.apply(&models.SyncPage{Modified: []models.SyncedTransaction{modified}})

	round, result := c.round("item", "c")
	require.Len(t, round.Upserts, 1)
	assert.Equal(t, "renamed", round.Upserts[0].Name)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 0, result.Modified)
}

func TestChangeSet_ReaddedAfterRemove(t *testing.T) {
	c := newChangeSet()
	c.apply(&models.SyncPage{Removed: []string{"T1"}})
	c.apply(&models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}})

	round, _ := c.round("item", "c")
	assert.Len(t, round.Upserts, 1)
	assert.Empty(t, round.Removed)
}

func TestSyncEngine_MultiPageRound(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{
		Added:      []models.SyncedTransaction{txn("T1", "acc-1"), txn("T2", "acc-1")},
		HasMore:    true,
		NextCursor: "c1",
	}
	f.provider.pages["c1"] = &models.SyncPage{
		Added:      []models.SyncedTransaction{txn("T3", "acc-1")},
		Removed:    []string{"T1"},
		NextCursor: "c2",
	}

	res, err := f.engine.SyncTransactions(context.Background(), "user-1", f.account.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"T2", "T3"}, f.store.transactionIDs())
	assert.Equal(t, "c2", f.store.cursor(f.item.ID))
	assert.Equal(t, "c2", res.Cursor)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{"", "c1"}, f.provider.requested())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SyncRounds.WithLabelValues("committed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SyncPages))
	assert.Contains(t, f.cache.invalidated, "user-1")
}

func TestSyncEngine_PaginationInvariance(t *testing.T) {
	all := []models.SyncedTransaction{txn("A", "acc-1"), txn("B", "acc-1"), txn("C", "acc-1"), txn("D", "acc-1")}

	one := newEngineFixture(t, SyncOptions{})
	one.provider.pages[""] = &models.SyncPage{Added: all, Removed: []string{"B"}, NextCursor: "end"}

	many := newEngineFixture(t, SyncOptions{})
	many.provider.pages[""] = &models.SyncPage{Added: all[:1], HasMore: true, NextCursor: "p1"}
	many.provider.pages["p1"] = &models.SyncPage{Added: all[1:3], HasMore: true, NextCursor: "p2"}
	many.provider.pages["p2"] = &models.SyncPage{Added: all[3:], Removed: []string{"B"}, NextCursor: "end"}

	for _, f := range []*engineFixture{one, many} {
		_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
		require.NoError(t, err)
	}

	assert.Equal(t, one.store.transactionIDs(), many.store.transactionIDs())
	assert.Equal(t, []string{"A", "C", "D"}, many.store.transactionIDs())
	assert.Equal(t, one.store.cursor(one.item.ID), many.store.cursor(many.item.ID))
}

func TestSyncEngine_ReplayIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	page := &models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}, NextCursor: "c1"}
	f.provider.pages[""] = page

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)

	// Same page delivered again from the new cursor.
	f.provider.pages["c1"] = page
	_, err = f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)

	assert.Equal(t, []string{"T1"}, f.store.transactionIDs())
}

func TestSyncEngine_FailedPageLeavesCursor(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{
		Added:      []models.SyncedTransaction{txn("T1", "acc-1")},
		HasMore:    true,
		NextCursor: "c1",
	}
	f.provider.errs["c1"] = util.UpstreamUnavailable(errors.New("timeout"), "sync transactions")

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.Error(t, err)
	assert.True(t, util.IsKind(err, util.KindUpstreamUnavailable))
	assert.Empty(t, f.store.transactionIDs())
	assert.Equal(t, "", f.store.cursor(f.item.ID))
	assert.Equal(t, models.ItemStatusActive, f.store.item(f.item.ID).Status)

	// Next round starts over from the stored cursor.
	f.provider.pages["c1"] = &models.SyncPage{NextCursor: "c2"}
	_, err = f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, f.store.transactionIDs())
	assert.Equal(t, "c2", f.store.cursor(f.item.ID))
}

func TestSyncEngine_CommitFailureLeavesCursor(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}, NextCursor: "c1"}
	f.store.applyErr = errors.New("connection reset")

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.Error(t, err)
	assert.Equal(t, "", f.store.cursor(f.item.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SyncRounds.WithLabelValues("failed")))
}

func TestSyncEngine_RestartsOnMutation(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}, HasMore: true, NextCursor: "c1"}
	f.provider.pages["c1"] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T2", "acc-1")}, NextCursor: "c2"}
	f.provider.errs["c1"] = util.ErrSyncMutation

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "c1", "", "c1"}, f.provider.requested())
	assert.Equal(t, []string{"T1", "T2"}, f.store.transactionIDs())
	assert.Equal(t, "c2", f.store.cursor(f.item.ID))
}

func TestSyncEngine_GivesUpAfterRepeatedMutation(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{MaxRestarts: 2})
	f.provider.errs[""] = util.ErrSyncMutation
	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err, "one mutation then a clean page")

	f2 := newEngineFixture(t, SyncOptions{MaxRestarts: 1})
	f2.provider.errs[""] = util.ErrSyncMutation
	_, err = f2.engine.SyncTransactions(context.Background(), "user-1", f2.account.ID)
	assert.ErrorIs(t, err, util.ErrSyncMutation)
	assert.Equal(t, util.KindUpstreamUnavailable, util.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, util.HTTPStatus(util.KindOf(err)))
	assert.Equal(t, models.ItemStatusActive, f2.store.item(f2.item.ID).Status)
}

func TestSyncEngine_ItemLoginRequiredMarksError(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.errs[""] = &util.ItemError{Code: "ITEM_LOGIN_REQUIRED", Err: errors.New("login required")}

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.Error(t, err)

	item := f.store.item(f.item.ID)
	assert.Equal(t, models.ItemStatusError, item.Status)
	assert.Equal(t, "ITEM_LOGIN_REQUIRED", item.ErrorCode)

	res, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, f.provider.requested(), 1)
}

func TestSyncEngine_DecryptFailureMarksError(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.store.items[f.item.ID].EncryptedAccessToken = "garbage"

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.Error(t, err)
	assert.True(t, util.IsKind(err, util.KindEncryption))

	item := f.store.item(f.item.ID)
	assert.Equal(t, models.ItemStatusError, item.Status)
	assert.Equal(t, TokenDecryptionFailed, item.ErrorCode)
	assert.Empty(t, f.provider.requested())
}

func TestSyncEngine_MissingVaultKeyLeavesItemActive(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	keyed, err := vault.New(strings.Repeat("ab", 32))
	require.NoError(t, err)
	sealed, err := keyed.Encrypt("access-item-ext-1")
	require.NoError(t, err)
	f.store.items[f.item.ID].EncryptedAccessToken = sealed

	unkeyed, err := vault.New("")
	require.NoError(t, err)
	engine := NewSyncEngine(f.store, f.provider, unkeyed, f.locker, f.cache, f.metrics, discardLogger(), SyncOptions{})

	_, err = engine.SyncItem(context.Background(), f.item.ID, SyncCoalesce)
	require.Error(t, err)
	assert.True(t, util.IsKind(err, util.KindEncryption))
	assert.ErrorIs(t, err, vault.ErrKeyMissing)

	item := f.store.item(f.item.ID)
	assert.Equal(t, models.ItemStatusActive, item.Status)
	assert.Empty(t, item.ErrorCode)
	assert.Empty(t, f.provider.requested())

	// Once the key is back the same ciphertext syncs.
	engine = NewSyncEngine(f.store, f.provider, keyed, f.locker, f.cache, f.metrics, discardLogger(), SyncOptions{})
	_, err = engine.SyncItem(context.Background(), f.item.ID, SyncCoalesce)
	require.NoError(t, err)
}

func TestSyncEngine_StaleRoundIsNotCommitted(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}, NextCursor: "c1"}
	f.provider.gate = make(chan struct{})
	f.provider.entered = make(chan struct{}, 1)

	type outcome struct {
		res *models.ItemSyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
		done <- outcome{res, err}
	}()
	<-f.provider.entered

	// Another worker, whose lease outlived ours, commits first.
	f.store.mu.Lock()
	moved := "other-worker"
	f.store.items[f.item.ID].Cursor = &moved
	f.store.mu.Unlock()

	f.provider.gate <- struct{}{}
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Skipped)
	assert.Empty(t, f.store.transactionIDs())
	assert.Equal(t, "other-worker", f.store.cursor(f.item.ID))
}

func TestSyncEngine_PageCap(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{MaxPages: 2})
	f.provider.pages[""] = &models.SyncPage{HasMore: true, NextCursor: "a"}
	f.provider.pages["a"] = &models.SyncPage{HasMore: true, NextCursor: "b"}
	f.provider.pages["b"] = &models.SyncPage{NextCursor: "c"}

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.Error(t, err)
	assert.Equal(t, "", f.store.cursor(f.item.ID))
}

func TestSyncEngine_UnknownAccountTransactionsSkipped(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{
		Added:      []models.SyncedTransaction{txn("T1", "acc-1"), txn("T2", "acc-unknown")},
		NextCursor: "c1",
	}

	res, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, []string{"T1"}, f.store.transactionIDs())
}

func TestSyncEngine_NewAccountsFromPageAreStored(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{
		Added:      []models.SyncedTransaction{txn("T1", "acc-2")},
		Accounts:   []models.BankAccount{{ExternalAccountID: "acc-2", Name: "Savings", Type: "depository"}},
		NextCursor: "c1",
	}

	_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, f.store.transactionIDs())
}

func TestSyncEngine_OwnershipAndLookup(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})

	_, err := f.engine.SyncTransactions(context.Background(), "user-2", f.account.ID)
	assert.True(t, util.IsKind(err, util.KindForbidden))

	_, err = f.engine.SyncTransactions(context.Background(), "user-1", "7c1d38a4-8f50-4b07-9fd2-8f3a0c0f9a10")
	assert.True(t, util.IsKind(err, util.KindNotFound))

	assert.Empty(t, f.provider.requested())
}

func TestSyncEngine_AllItemsOfUser(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{Parallelism: 2})
	second := f.store.addItem("user-1", "item-ext-2", models.ItemStatusActive)
	f.store.addAccount(second.ID, "acc-9")
	f.store.addItem("user-1", "item-ext-3", models.ItemStatusError)
	f.store.addItem("user-1", "item-ext-4", models.ItemStatusRevoked)

	res, err := f.engine.SyncTransactions(context.Background(), "user-1", "")
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	skipped := 0
	for _, r := range res.Items {
		if r.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestSyncEngine_CoalesceSkipsWhileRunning(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	unlock, err := f.locker.Lock(context.Background(), syncLockKey(f.item.ID))
	require.NoError(t, err)
	defer unlock()

	res, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncCoalesce)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.provider.requested())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SyncRounds.WithLabelValues("coalesced")))
}

func TestSyncEngine_ConcurrentRoundsSerialize(t *testing.T) {
	f := newEngineFixture(t, SyncOptions{})
	f.provider.pages[""] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T1", "acc-1")}, NextCursor: "c1"}
	f.provider.pages["c1"] = &models.SyncPage{Added: []models.SyncedTransaction{txn("T2", "acc-1")}, NextCursor: "c2"}
	f.provider.gate = make(chan struct{})
	f.provider.entered = make(chan struct{}, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func() {
		defer wg.Done()
		_, err := f.engine.SyncItem(context.Background(), f.item.ID, SyncWait)
		errs <- err
	}

	wg.Add(1)
	go run()
	<-f.provider.entered

	wg.Add(1)
	go run()

	// The second round must not reach the provider while the first holds the lock.
	select {
	case <-f.provider.entered:
		t.Fatal("second round entered the provider while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	f.provider.gate <- struct{}{}
	<-f.provider.entered
	f.provider.gate <- struct{}{}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"", "c1"}, f.provider.requested())
	assert.Equal(t, []string{"T1", "T2"}, f.store.transactionIDs())
	assert.Equal(t, "c2", f.store.cursor(f.item.ID))
}
