package models

type WebhookError struct {
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message,omitempty"`
	Status         *int   `json:"status,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// WebhookPayload covers the TRANSACTIONS and ITEM webhook families.
type WebhookPayload struct {
	WebhookType              string        `json:"webhook_type"`
	WebhookCode              string        `json:"webhook_code"`
	ItemID                   string        `json:"item_id"`
	Environment              string        `json:"environment,omitempty"`
	Error                    *WebhookError `json:"error,omitempty"`
	InitialUpdateComplete    *bool         `json:"initial_update_complete,omitempty"`
	HistoricalUpdateComplete *bool         `json:"historical_update_complete,omitempty"`
	NewTransactions          *int          `json:"new_transactions,omitempty"`
	RemovedTransactions      []string      `json:"removed_transactions,omitempty"`
	ConsentExpirationTime    *string       `json:"consent_expiration_time,omitempty"`
	Reason                   string        `json:"reason,omitempty"`
}
