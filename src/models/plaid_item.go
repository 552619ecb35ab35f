package models

import "time"

type ItemStatus string

const (
	ItemStatusActive  ItemStatus = "active"
	ItemStatusError   ItemStatus = "error"
	ItemStatusRevoked ItemStatus = "revoked"
)

// LinkedItem is one institution connection for one user. The encrypted access
// token is never serialized.
type LinkedItem struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	InstitutionID        string     `json:"institution_id"`
	InstitutionName      string     `json:"institution_name"`
	ProviderItemID       string     `json:"item_id"`
	EncryptedAccessToken string     `json:"-"`
	Cursor               *string    `json:"-"`
	Status               ItemStatus `json:"status"`
	ErrorCode            string     `json:"error_code,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (i *LinkedItem) Syncable() bool {
	return i.Status == ItemStatusActive
}
