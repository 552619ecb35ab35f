package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"bank-link/src/util"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

func Health(db Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Error("Health check failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"success":false,"status":"unavailable"}`))
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
