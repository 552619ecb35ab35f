package db

import (
	"context"
	"errors"
	"fmt"

	"bank-link/src/models"
	"bank-link/src/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store persists linked items, their accounts and synced transactions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const itemColumns = `id, user_id, institution_id, institution_name, item_id, access_token, sync_cursor, status, error_code, created_at, updated_at`

func scanItem(row pgx.Row) (*models.LinkedItem, error) {
	var item models.LinkedItem
	var status string
	err := row.Scan(&item.ID, &item.UserID, &item.InstitutionID, &item.InstitutionName, &item.ProviderItemID,
		&item.EncryptedAccessToken, &item.Cursor, &status, &item.ErrorCode, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Status = models.ItemStatus(status)
	return &item, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*models.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM plaid_items WHERE id = $1`
	item, err := scanItem(s.pool.QueryRow(ctx, query, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NotFound("item %s not found", itemID)
	}
	return item, err
}

func (s *Store) GetItemByProviderID(ctx context.Context, providerItemID string) (*models.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM plaid_items WHERE item_id = $1`
	item, err := scanItem(s.pool.QueryRow(ctx, query, providerItemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NotFound("item not found")
	}
	return item, err
}

func (s *Store) ListItems(ctx context.Context, userID string) ([]models.LinkedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM plaid_items WHERE user_id = $1 AND status <> 'revoked' ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.LinkedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}

// SaveItem upserts the item by provider item id together with its accounts.
// The returned item carries the stored id.
func (s *Store) SaveItem(ctx context.Context, item *models.LinkedItem, accounts []models.BankAccount) (*models.LinkedItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	query := `
		INSERT INTO plaid_items (id, user_id, institution_id, institution_name, item_id, access_token, status, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', '')
		ON CONFLICT (item_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			institution_id = EXCLUDED.institution_id,
			institution_name = EXCLUDED.institution_name,
			access_token = EXCLUDED.access_token,
			status = 'active',
			error_code = '',
			updated_at = NOW()
		RETURNING ` + itemColumns

	saved, err := scanItem(tx.QueryRow(ctx, query,
		item.ID, item.UserID, item.InstitutionID, item.InstitutionName, item.ProviderItemID, item.EncryptedAccessToken))
	if err != nil {
		return nil, fmt.Errorf("upsert item: %w", err)
	}

	if err := upsertAccounts(ctx, tx, saved.ID, accounts); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func upsertAccounts(ctx context.Context, tx pgx.Tx, itemID string, accounts []models.BankAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	query := `
		INSERT INTO accounts (id, item_id, account_id, name, official_name, mask, type, subtype, current_balance, available_balance, iso_currency_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id) DO UPDATE SET
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			mask = EXCLUDED.mask,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			iso_currency_code = EXCLUDED.iso_currency_code,
			updated_at = NOW()
		WHERE accounts.item_id = EXCLUDED.item_id
	`
	batch := &pgx.Batch{}
	for _, acc := range accounts {
		batch.Queue(query,
			uuid.NewString(),
			itemID,
			acc.ExternalAccountID,
			acc.Name,
			acc.OfficialName,
			acc.Mask,
			acc.Type,
			acc.Subtype,
			nullDecimal(acc.CurrentBalance),
			nullDecimal(acc.AvailableBalance),
			acc.CurrencyCode,
		)
	}
	return execBatch(ctx, tx, batch, "upsert accounts")
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, op string) error {
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return results.Close()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func (s *Store) UpdateItemStatus(ctx context.Context, itemID string, status models.ItemStatus, errorCode string) error {
	query := `UPDATE plaid_items SET status = $1, error_code = $2, updated_at = NOW() WHERE id = $3 AND status <> 'revoked'`
	cmd, err := s.pool.Exec(ctx, query, string(status), errorCode, itemID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return util.NotFound("item %s not found", itemID)
	}
	return nil
}

// RevokeItem marks the item revoked, forgets its token and cursor and deletes
// its accounts and transactions in one transaction.
func (s *Store) RevokeItem(ctx context.Context, itemID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE plaid_items
		SET status = 'revoked', access_token = '', sync_cursor = NULL, updated_at = NOW()
		WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("revoke item: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return util.NotFound("item %s not found", itemID)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM transactions
		WHERE account_id IN (SELECT id FROM accounts WHERE item_id = $1)`, itemID); err != nil {
		return fmt.Errorf("delete transactions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("delete accounts: %w", err)
	}

	return tx.Commit(ctx)
}

const accountColumns = `a.id, a.item_id, a.account_id, a.name, a.official_name, a.mask, a.type, a.subtype, a.current_balance, a.available_balance, a.iso_currency_code, a.created_at, a.updated_at`

func scanAccount(row pgx.Row) (*models.BankAccount, error) {
	var acc models.BankAccount
	var current, available decimal.NullDecimal
	err := row.Scan(&acc.ID, &acc.ItemID, &acc.ExternalAccountID, &acc.Name, &acc.OfficialName, &acc.Mask,
		&acc.Type, &acc.Subtype, &current, &available, &acc.CurrencyCode, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acc.CurrentBalance = fromNullDecimal(current)
	acc.AvailableBalance = fromNullDecimal(available)
	return &acc, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.BankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.id = $1`
	acc, err := scanAccount(s.pool.QueryRow(ctx, query, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NotFound("account %s not found", accountID)
	}
	return acc, err
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]models.BankAccount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.BankAccount{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]models.BankAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts a
		JOIN plaid_items p ON a.item_id = p.id
		WHERE p.user_id = $1 AND p.status <> 'revoked'
		ORDER BY p.created_at, a.name
	`
	return s.queryAccounts(ctx, query, userID)
}

func (s *Store) ListItemAccounts(ctx context.Context, itemID string) ([]models.BankAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts a WHERE a.item_id = $1 ORDER BY a.name`
	return s.queryAccounts(ctx, query, itemID)
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]models.SyncedTransaction, error) {
	query := `
		SELECT t.id, t.account_id, t.transaction_id, t.amount, t.iso_currency_code, t.name, t.merchant_name, t.categories, t.date, t.pending, t.created_at, t.updated_at
		FROM transactions t
		WHERE t.account_id = $1
		ORDER BY t.date DESC, t.created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.SyncedTransaction{}
	for rows.Next() {
		var txn models.SyncedTransaction
		err := rows.Scan(&txn.ID, &txn.AccountID, &txn.ExternalTransactionID, &txn.Amount, &txn.CurrencyCode,
			&txn.Name, &txn.MerchantName, &txn.Categories, &txn.Date, &txn.Pending, &txn.CreatedAt, &txn.UpdatedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// ApplySyncRound commits the net result of a sync round: account snapshots,
// removals, upserts keyed by (account, provider transaction id) and the new
// cursor. Either all of it lands or none of it does. It returns the number of
// transactions skipped because their account is unknown.
func (s *Store) ApplySyncRound(ctx context.Context, round models.SyncRound) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// Row lock keeps a concurrent unlink from interleaving with the commit.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM plaid_items WHERE id = $1 FOR UPDATE`, round.ItemID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, util.NotFound("item %s not found", round.ItemID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock item: %w", err)
	}
	if models.ItemStatus(status) == models.ItemStatusRevoked {
		return 0, util.NotFound("item %s was unlinked", round.ItemID)
	}

	if err := upsertAccounts(ctx, tx, round.ItemID, round.Accounts); err != nil {
		return 0, err
	}

	accountIDs := map[string]string{}
	rows, err := tx.Query(ctx, `SELECT account_id, id FROM accounts WHERE item_id = $1`, round.ItemID)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}
	for rows.Next() {
		var external, id string
		if err := rows.Scan(&external, &id); err != nil {
			rows.Close()
			return 0, err
		}
		accountIDs[external] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(round.Removed) > 0 {
		_, err := tx.Exec(ctx, `
			DELETE FROM transactions t
			USING accounts a
			WHERE t.account_id = a.id AND a.item_id = $1 AND t.transaction_id = ANY($2)`,
			round.ItemID, round.Removed)
		if err != nil {
			return 0, fmt.Errorf("delete removed transactions: %w", err)
		}
	}

	skipped := 0
	batch := &pgx.Batch{}
	query := `
		INSERT INTO transactions (id, account_id, transaction_id, amount, iso_currency_code, name, merchant_name, categories, date, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, transaction_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			iso_currency_code = EXCLUDED.iso_currency_code,
			name = EXCLUDED.name,
			merchant_name = EXCLUDED.merchant_name,
			categories = EXCLUDED.categories,
			date = EXCLUDED.date,
			pending = EXCLUDED.pending,
			updated_at = NOW()
	`
	for _, txn := range round.Upserts {
		accountID, ok := accountIDs[txn.ExternalAccountID]
		if !ok {
			skipped++
			continue
		}
		categories := txn.Categories
		if categories == nil {
			categories = []string{}
		}
		batch.Queue(query,
			uuid.NewString(),
			accountID,
			txn.ExternalTransactionID,
			txn.Amount,
			txn.CurrencyCode,
			txn.Name,
			txn.MerchantName,
			categories,
			txn.Date,
			txn.Pending,
		)
	}
	if batch.Len() > 0 {
		if err := execBatch(ctx, tx, batch, "upsert transactions"); err != nil {
			return 0, err
		}
	}

	cmd, err := tx.Exec(ctx, `
		UPDATE plaid_items SET sync_cursor = $1, updated_at = NOW()
		WHERE id = $2 AND sync_cursor IS NOT DISTINCT FROM $3::text`,
		round.Cursor, round.ItemID, round.StartCursor)
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return 0, fmt.Errorf("item %s: %w", round.ItemID, util.ErrCursorMoved)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return skipped, nil
}
