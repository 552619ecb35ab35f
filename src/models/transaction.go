package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SyncedTransaction struct {
	ID                    string          `json:"id"`
	AccountID             string          `json:"account_id"`
	ExternalTransactionID string          `json:"transaction_id"`
	ExternalAccountID     string          `json:"-"`
	Amount                decimal.Decimal `json:"amount"`
	CurrencyCode          string          `json:"currency_code"`
	Name                  string          `json:"name"`
	MerchantName          *string         `json:"merchant_name"`
	Categories            []string        `json:"categories"`
	Date                  time.Time       `json:"date"`
	Pending               bool            `json:"pending"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}
