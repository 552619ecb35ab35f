package api

import (
	"log/slog"

	"bank-link/src/handlers"
	"bank-link/src/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	DB        handlers.Pinger
	Links     handlers.LinkTokenCreator
	Items     handlers.ItemManager
	Syncer    handlers.TransactionSyncer
	Webhooks  handlers.WebhookHandler
	Sandbox   handlers.SandboxWebhookFirer
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	JWTSecret string
	Origins   []string
	IsSandbox bool
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware(d.Origins))

	r.Get("/health", handlers.Health(d.DB, d.Logger))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/plaid", func(r chi.Router) {
		r.Post("/webhooks", handlers.PlaidWebhook(d.Webhooks, d.Logger))

		// Protected routes
		r.With(middleware.JWTAuthMiddleware(d.JWTSecret)).Group(func(r chi.Router) {
			r.Post("/link-token", handlers.CreateLinkToken(d.Links, d.Logger))
			r.Post("/exchange-token", handlers.ExchangePublicToken(d.Items, d.Logger))
			r.Get("/items", handlers.GetPlaidItems(d.Items, d.Logger))
			r.Get("/accounts", handlers.GetAccounts(d.Items, d.Logger))
			r.Get("/accounts/{id}/transactions", handlers.GetTransactions(d.Items, d.Logger))
			r.Delete("/accounts/{id}", handlers.DeleteAccount(d.Items, d.Logger))
			r.Post("/sync", handlers.SyncTransactions(d.Syncer, d.Logger))

			r.With(middleware.SandboxOnlyMiddleware(d.IsSandbox)).
				Post("/sandbox/fire-webhook", handlers.FireSandboxWebhook(d.Sandbox, d.Logger))
		})
	})

	return r
}
