package plaid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bank-link/src/models"
	"bank-link/src/util"

	"github.com/plaid/plaid-go/v41/plaid"
	"github.com/shopspring/decimal"
)

// isItemLoginCode reports provider error codes that leave the item unusable
// until the user re-links it.
func isItemLoginCode(code string) bool {
	switch code {
	case "ITEM_LOGIN_REQUIRED", "ACCESS_NOT_GRANTED", "INVALID_CREDENTIALS",
		"INSUFFICIENT_CREDENTIALS", "ITEM_LOCKED", "USER_SETUP_REQUIRED", "ITEM_NOT_SUPPORTED":
		return true
	}
	return false
}

type LinkConfig struct {
	ClientName   string
	Language     string
	CountryCodes []string
	WebhookURL   string
}

// Client adapts the generated Plaid API client to the domain types used by
// the services.
type Client struct {
	api  *plaid.APIClient
	link LinkConfig
}

func NewClient(api *plaid.APIClient, link LinkConfig) *Client {
	if link.ClientName == "" {
		link.ClientName = "Bank Link"
	}
	if link.Language == "" {
		link.Language = "en"
	}
	if len(link.CountryCodes) == 0 {
		link.CountryCodes = []string{"US"}
	}
	return &Client{api: api, link: link}
}

func (c *Client) CreateLinkToken(ctx context.Context, userID, accessToken string) (*models.LinkToken, error) {
	countryCodes := make([]plaid.CountryCode, 0, len(c.link.CountryCodes))
	for _, code := range c.link.CountryCodes {
		countryCodes = append(countryCodes, plaid.CountryCode(strings.ToUpper(code)))
	}
	request := plaid.NewLinkTokenCreateRequest(
		c.link.ClientName,
		c.link.Language,
		countryCodes,
	)
	request.SetUser(*plaid.NewLinkTokenCreateRequestUser(userID))
	if accessToken != "" {
		// Update mode: products come from the existing item.
		request.SetAccessToken(accessToken)
	} else {
		request.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})
	}
	if c.link.WebhookURL != "" {
		request.SetWebhook(c.link.WebhookURL)
	}

	resp, _, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return nil, mapError(err, "link token create")
	}
	return &models.LinkToken{
		LinkToken:  resp.GetLinkToken(),
		Expiration: resp.GetExpiration().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*models.ExchangedItem, error) {
	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)
	resp, _, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err != nil {
		return nil, mapError(err, "public token exchange")
	}
	return &models.ExchangedItem{
		AccessToken:    resp.GetAccessToken(),
		ProviderItemID: resp.GetItemId(),
	}, nil
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]models.BankAccount, error) {
	request := plaid.NewAccountsGetRequest(accessToken)
	resp, _, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, mapError(err, "accounts get")
	}
	return toAccounts(resp.GetAccounts()), nil
}

// SyncTransactions fetches one page of /transactions/sync. An empty cursor
// requests the full history.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string, count int32) (*models.SyncPage, error) {
	request := plaid.NewTransactionsSyncRequest(accessToken)
	if cursor != "" {
		request.SetCursor(cursor)
	}
	if count > 0 {
		request.SetCount(count)
	}

	resp, _, err := c.api.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(*request).Execute()
	if err != nil {
		return nil, mapError(err, "transactions sync")
	}

	page := &models.SyncPage{
		Accounts:   toAccounts(resp.GetAccounts()),
		HasMore:    resp.GetHasMore(),
		NextCursor: resp.GetNextCursor(),
	}
	if page.Added, err = toTransactions(resp.GetAdded()); err != nil {
		return nil, err
	}
	if page.Modified, err = toTransactions(resp.GetModified()); err != nil {
		return nil, err
	}
	for _, removed := range resp.GetRemoved() {
		page.Removed = append(page.Removed, removed.GetTransactionId())
	}
	return page, nil
}

func (c *Client) RemoveItem(ctx context.Context, accessToken string) error {
	request := plaid.NewItemRemoveRequest(accessToken)
	_, _, err := c.api.PlaidApi.ItemRemove(ctx).ItemRemoveRequest(*request).Execute()
	if err != nil {
		return mapError(err, "item remove")
	}
	return nil
}

// FireSandboxWebhook asks the sandbox to send a webhook for the item.
func (c *Client) FireSandboxWebhook(ctx context.Context, accessToken, webhookCode string) error {
	request := plaid.NewSandboxItemFireWebhookRequest(accessToken, webhookCode)
	_, _, err := c.api.PlaidApi.SandboxItemFireWebhook(ctx).SandboxItemFireWebhookRequest(*request).Execute()
	if err != nil {
		return mapError(err, "sandbox fire webhook")
	}
	return nil
}

func (c *Client) FetchVerificationKey(ctx context.Context, kid string) (*util.VerificationKey, error) {
	request := plaid.NewWebhookVerificationKeyGetRequest(kid)
	resp, _, err := c.api.PlaidApi.WebhookVerificationKeyGet(ctx).WebhookVerificationKeyGetRequest(*request).Execute()
	if err != nil {
		return nil, mapError(err, "webhook verification key get")
	}
	key := resp.GetKey()
	out := &util.VerificationKey{
		Kid: key.Kid,
		Kty: key.Kty,
		Crv: key.Crv,
		X:   key.X,
		Y:   key.Y,
	}
	if exp, ok := key.GetExpiredAtOk(); ok && exp != nil {
		expiredAt := int64(*exp)
		out.ExpiredAt = &expiredAt
	}
	return out, nil
}

func mapError(err error, op string) error {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return util.UpstreamUnavailable(err, "%s failed", op)
	}

	code := plaidErr.ErrorCode
	switch {
	case code == "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION":
		return fmt.Errorf("%s: %w", op, util.ErrSyncMutation)
	case isItemLoginCode(code):
		itemErr := &util.ItemError{Code: code, Err: errors.New(plaidErr.ErrorMessage)}
		return util.UpstreamUnavailable(itemErr, "%s failed: item needs to be re-linked (%s)", op, code)
	case code == "INVALID_PUBLIC_TOKEN" || code == "INVALID_FIELD":
		return util.ValidationError("%s rejected: %s", op, strings.ToLower(code))
	case string(plaidErr.ErrorType) == "RATE_LIMIT_EXCEEDED":
		return util.UpstreamUnavailable(errors.New(code), "%s rate limited", op)
	}
	return util.UpstreamUnavailable(fmt.Errorf("%s: %s", code, plaidErr.ErrorMessage), "%s failed", op)
}

func toAccounts(accounts []plaid.AccountBase) []models.BankAccount {
	out := make([]models.BankAccount, 0, len(accounts))
	for _, acc := range accounts {
		balances := acc.GetBalances()
		account := models.BankAccount{
			ExternalAccountID: acc.GetAccountId(),
			Name:              acc.GetName(),
			OfficialName:      acc.GetOfficialName(),
			Mask:              acc.GetMask(),
			Type:              string(acc.GetType()),
			Subtype:           string(acc.GetSubtype()),
			CurrencyCode:      balances.GetIsoCurrencyCode(),
		}
		if account.CurrencyCode == "" {
			account.CurrencyCode = balances.GetUnofficialCurrencyCode()
		}
		if current, ok := balances.GetCurrentOk(); ok && current != nil {
			d := decimal.NewFromFloat(*current)
			account.CurrentBalance = &d
		}
		if available, ok := balances.GetAvailableOk(); ok && available != nil {
			d := decimal.NewFromFloat(*available)
			account.AvailableBalance = &d
		}
		out = append(out, account)
	}
	return out
}

// toTransactions converts a page of provider transactions. A record that
// cannot be read is the provider's fault, so the page fails as upstream.
func toTransactions(txns []plaid.Transaction) ([]models.SyncedTransaction, error) {
	out := make([]models.SyncedTransaction, 0, len(txns))
	for _, txn := range txns {
		converted, err := toTransaction(txn)
		if err != nil {
			return nil, util.UpstreamUnavailable(err, "transactions sync returned an unreadable transaction")
		}
		out = append(out, converted)
	}
	return out, nil
}

func toTransaction(txn plaid.Transaction) (models.SyncedTransaction, error) {
	date, err := time.Parse("2006-01-02", txn.GetDate())
	if err != nil {
		return models.SyncedTransaction{}, fmt.Errorf("parse date of transaction %s: %w", txn.GetTransactionId(), err)
	}

	out := models.SyncedTransaction{
		ExternalTransactionID: txn.GetTransactionId(),
		ExternalAccountID:     txn.GetAccountId(),
		Amount:                decimal.NewFromFloat(txn.GetAmount()),
		CurrencyCode:          txn.GetIsoCurrencyCode(),
		Name:                  txn.GetName(),
		Date:                  date,
		Pending:               txn.GetPending(),
	}
	if out.CurrencyCode == "" {
		out.CurrencyCode = txn.GetUnofficialCurrencyCode()
	}
	if merchant, ok := txn.GetMerchantNameOk(); ok && merchant != nil && *merchant != "" {
		name := *merchant
		out.MerchantName = &name
	}
	pfc := txn.GetPersonalFinanceCategory()
	for _, label := range []string{pfc.GetPrimary(), pfc.GetDetailed()} {
		if label != "" {
			out.Categories = append(out.Categories, label)
		}
	}
	return out, nil
}
