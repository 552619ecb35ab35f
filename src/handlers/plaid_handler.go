package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bank-link/src/middleware"
	"bank-link/src/models"
	"bank-link/src/services"
	"bank-link/src/util"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type LinkTokenCreator interface {
	CreateLinkToken(ctx context.Context, userID, itemID string) (*models.LinkToken, error)
}

type ItemManager interface {
	ExchangeToken(ctx context.Context, userID string, req services.ExchangeRequest) (*models.LinkedItem, error)
	DeleteAccount(ctx context.Context, userID, id string) error
	ListItems(ctx context.Context, userID string) ([]models.LinkedItem, error)
	GetAccounts(ctx context.Context, userID string) ([]models.BankAccount, error)
	ListTransactions(ctx context.Context, userID, accountID string) ([]models.SyncedTransaction, error)
}

type TransactionSyncer interface {
	SyncTransactions(ctx context.Context, userID, accountID string) (*models.SyncResult, error)
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte, header http.Header) error
}

type SandboxWebhookFirer interface {
	FireWebhook(ctx context.Context, userID, itemID, webhookCode string) error
}

// decodeJSON decodes a strict JSON body. An empty body leaves dst untouched
// when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return util.ValidationError("request body too large")
		}
		return util.ValidationError("invalid request body: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	if dec.More() {
		return util.ValidationError("invalid request body: trailing data")
	}
	return nil
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		util.WriteError(w, nil, util.Unauthorized("missing user"))
	}
	return userID, ok
}

func CreateLinkToken(svc LinkTokenCreator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req struct {
			ItemID string `json:"itemId"`
		}
		if err := decodeJSON(w, r, &req, true); err != nil {
			util.WriteError(w, logger, err)
			return
		}

		token, err := svc.CreateLinkToken(r.Context(), userID, req.ItemID)
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusCreated, token)
	}
}

func ExchangePublicToken(items ItemManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req services.ExchangeRequest
		if err := decodeJSON(w, r, &req, false); err != nil {
			util.WriteError(w, logger, err)
			return
		}
		if err := req.Validate(); err != nil {
			util.WriteError(w, logger, err)
			return
		}

		item, err := items.ExchangeToken(r.Context(), userID, req)
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusCreated, item)
	}
}

func GetPlaidItems(items ItemManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		list, err := items.ListItems(r.Context(), userID)
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, list)
	}
}

func GetAccounts(items ItemManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		accounts, err := items.GetAccounts(r.Context(), userID)
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, accounts)
	}
}

func GetTransactions(items ItemManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		transactions, err := items.ListTransactions(r.Context(), userID, chi.URLParam(r, "id"))
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, transactions)
	}
}

func SyncTransactions(syncer TransactionSyncer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req struct {
			AccountID string `json:"accountId"`
		}
		if err := decodeJSON(w, r, &req, true); err != nil {
			util.WriteError(w, logger, err)
			return
		}
		if req.AccountID == "" {
			req.AccountID = r.URL.Query().Get("accountId")
		}
		if req.AccountID != "" && !util.ValidateID(req.AccountID) {
			util.WriteError(w, logger, util.ValidationError("invalid accountId"))
			return
		}

		result, err := syncer.SyncTransactions(r.Context(), userID, req.AccountID)
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, result)
	}
}

func DeleteAccount(items ItemManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if err := items.DeleteAccount(r.Context(), userID, id); err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	}
}

// PlaidWebhook acknowledges deliveries that fail verification exactly like
// processed ones, so forged or stale requests learn nothing and are not
// redelivered.
func PlaidWebhook(webhooks WebhookHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			util.WriteError(w, logger, util.ValidationError("unreadable webhook body"))
			return
		}
		err = webhooks.HandleWebhook(r.Context(), body, r.Header)
		if util.IsKind(err, util.KindWebhookVerification) {
			logger.Warn("Ignoring unverified webhook", "remote_addr", r.RemoteAddr, "error", err)
			err = nil
		}
		if err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func FireSandboxWebhook(sandbox SandboxWebhookFirer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req struct {
			ItemID      string `json:"itemId"`
			WebhookCode string `json:"webhookCode"`
		}
		if err := decodeJSON(w, r, &req, false); err != nil {
			util.WriteError(w, logger, err)
			return
		}
		if req.WebhookCode == "" {
			req.WebhookCode = "SYNC_UPDATES_AVAILABLE"
		}
		if err := sandbox.FireWebhook(r.Context(), userID, req.ItemID, req.WebhookCode); err != nil {
			util.WriteError(w, logger, err)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"itemId": req.ItemID, "webhookCode": req.WebhookCode})
	}
}
