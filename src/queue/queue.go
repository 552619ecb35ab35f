package queue

import (
	"context"
	"errors"

	"bank-link/src/models"
)

// Handler runs one sync job. Returning an error marks the job failed.
type Handler func(ctx context.Context, job models.SyncJob) error

var ErrQueueFull = errors.New("sync queue is full")
