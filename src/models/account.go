package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BankAccount struct {
	ID                string           `json:"id"`
	ItemID            string           `json:"item_id"`
	ExternalAccountID string           `json:"account_id"`
	Name              string           `json:"name"`
	OfficialName      string           `json:"official_name"`
	Mask              string           `json:"mask"`
	Type              string           `json:"type"`
	Subtype           string           `json:"subtype"`
	CurrentBalance    *decimal.Decimal `json:"current_balance"`
	AvailableBalance  *decimal.Decimal `json:"available_balance"`
	CurrencyCode      string           `json:"currency_code"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Fingerprint identifies the real-world account independently of the
// provider's account id, which changes when an institution is linked twice.
func (a BankAccount) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Name, a.Mask, a.Type, a.Subtype)
}
