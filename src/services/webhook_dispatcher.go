package services

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"bank-link/src/metrics"
	"bank-link/src/models"
	"bank-link/src/util"
)

const (
	webhookTypeTransactions = "TRANSACTIONS"
	webhookTypeItem         = "ITEM"
)

// WebhookDispatcher turns verified provider webhooks into sync jobs and item
// status changes.
type WebhookDispatcher struct {
	verifier WebhookVerifier
	store    Store
	queue    SyncQueue
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewWebhookDispatcher(verifier WebhookVerifier, store Store, queue SyncQueue, m *metrics.Metrics, logger *slog.Logger) *WebhookDispatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &WebhookDispatcher{verifier: verifier, store: store, queue: queue, metrics: m, logger: logger}
}

// HandleWebhook verifies and routes one webhook body. A nil error means the
// provider should not redeliver.
func (d *WebhookDispatcher) HandleWebhook(ctx context.Context, body []byte, header http.Header) error {
	if err := d.verifier.Verify(ctx, body, header); err != nil {
		d.logger.Warn("Rejected webhook", "error", err)
		d.metrics.Webhooks.WithLabelValues("unknown", "rejected").Inc()
		return util.WebhookVerificationFailed(err)
	}

	payload, err := decodeWebhook(body)
	if err != nil {
		d.metrics.Webhooks.WithLabelValues("unknown", "invalid").Inc()
		return err
	}
	log := d.logger.With("webhook_type", payload.WebhookType, "webhook_code", payload.WebhookCode, "provider_item_id", payload.ItemID)

	item, err := d.store.GetItemByProviderID(ctx, payload.ItemID)
	if util.IsKind(err, util.KindNotFound) {
		log.Info("Ignoring webhook for unknown item")
		d.metrics.Webhooks.WithLabelValues(payload.WebhookType, "ignored").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status == models.ItemStatusRevoked {
		log.Info("Ignoring webhook for unlinked item", "item_id", item.ID)
		d.metrics.Webhooks.WithLabelValues(payload.WebhookType, "ignored").Inc()
		return nil
	}

	outcome, err := d.route(ctx, log, item, payload)
	if err != nil {
		d.metrics.Webhooks.WithLabelValues(payload.WebhookType, "failed").Inc()
		return err
	}
	d.metrics.Webhooks.WithLabelValues(payload.WebhookType, outcome).Inc()
	return nil
}

func decodeWebhook(body []byte) (*models.WebhookPayload, error) {
	var payload models.WebhookPayload
	// The provider adds fields over time, so unknown ones are tolerated here.
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		return nil, util.ValidationError("malformed webhook body")
	}
	switch {
	case payload.WebhookType == "":
		return nil, util.ValidationError("missing webhook_type")
	case payload.WebhookCode == "":
		return nil, util.ValidationError("missing webhook_code")
	case payload.ItemID == "":
		return nil, util.ValidationError("missing item_id")
	}
	return &payload, nil
}

func (d *WebhookDispatcher) route(ctx context.Context, log *slog.Logger, item *models.LinkedItem, payload *models.WebhookPayload) (string, error) {
	switch payload.WebhookType {
	case webhookTypeTransactions:
		switch payload.WebhookCode {
		case "SYNC_UPDATES_AVAILABLE", "INITIAL_UPDATE", "HISTORICAL_UPDATE", "DEFAULT_UPDATE", "TRANSACTIONS_REMOVED":
			if !item.Syncable() {
				log.Info("Skipping sync for item in error state", "item_id", item.ID)
				return "ignored", nil
			}
			return "enqueued", d.enqueue(ctx, item, payload.WebhookCode)
		}

	case webhookTypeItem:
		switch payload.WebhookCode {
		case "ERROR":
			code := "UNKNOWN"
			if payload.Error != nil && payload.Error.ErrorCode != "" {
				code = payload.Error.ErrorCode
			}
			return "status", d.setStatus(ctx, log, item, models.ItemStatusError, code)
		case "PENDING_EXPIRATION", "USER_PERMISSION_REVOKED":
			return "status", d.setStatus(ctx, log, item, models.ItemStatusError, payload.WebhookCode)
		case "LOGIN_REPAIRED":
			if err := d.setStatus(ctx, log, item, models.ItemStatusActive, ""); err != nil {
				return "", err
			}
			return "enqueued", d.enqueue(ctx, item, payload.WebhookCode)
		}
	}

	log.Info("Ignoring unhandled webhook")
	return "ignored", nil
}

func (d *WebhookDispatcher) enqueue(ctx context.Context, item *models.LinkedItem, reason string) error {
	job := models.SyncJob{ItemID: item.ID, Reason: reason, EnqueuedAt: time.Now().UTC()}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Error("Failed to enqueue sync job", "item_id", item.ID, "error", err)
		return err
	}
	return nil
}

func (d *WebhookDispatcher) setStatus(ctx context.Context, log *slog.Logger, item *models.LinkedItem, status models.ItemStatus, code string) error {
	if err := d.store.UpdateItemStatus(ctx, item.ID, status, code); err != nil {
		log.Error("Failed to update item status", "item_id", item.ID, "error", err)
		return err
	}
	log.Info("Item status updated", "item_id", item.ID, "status", status, "error_code", code)
	return nil
}
