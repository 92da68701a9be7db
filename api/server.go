/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests, origins from configuration

ROUTE GROUPS:
  /api/invoices/*    Invoice CRUD, validation, conflicts, payments, audit
  /api/parts/*       Inventory views
  /api/quotations/*  Quotation list and conversion
  /api/sessions/*    Edit session protocol
  /api/customers/*   Per-customer invoice mirror
  /api/scenarios/*   Demo scenarios
  /api/audit         Global audit query
  /health            Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. The allowed
// CORS origins come from configuration; an empty list falls back to "*".
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", actorHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Put("/{id}", h.EditInvoice)
			r.Delete("/{id}", h.DeleteInvoice)
			r.Post("/{id}/validate", h.ValidateInvoice)
			r.Post("/{id}/conflicts", h.PreviewConflicts)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/audit", h.GetInvoiceAudit)
		})

		// Inventory routes
		r.Route("/parts", func(r chi.Router) {
			r.Get("/", h.ListParts)
			r.Get("/low-stock", h.LowStockParts)
			r.Get("/{id}", h.GetPart)
		})

		// Quotation routes
		r.Route("/quotations", func(r chi.Router) {
			r.Get("/", h.ListQuotations)
			r.Post("/{id}/convert", h.ConvertQuotation)
		})

		// Edit session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.ListSessions)
			r.Get("/{id}", h.GetSession)
			r.Patch("/{id}", h.UpdateSession)
			r.Delete("/{id}", h.CancelSession)
			r.Post("/{id}/save", h.SaveSession)
			r.Post("/{id}/heartbeat", h.HeartbeatSession)
			r.Post("/{id}/resolve", h.ResolveSession)
		})

		// Customer mirror routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/{name}/invoices", h.ListCustomerInvoices)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/{name}/load", h.LoadScenario)
		})

		// Global audit query
		r.Get("/audit", h.QueryAudit)
	})

	// Minimal index so hitting the server root shows where the API lives.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Workshop Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Workshop Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/invoices">/api/invoices</a> - List invoices</li>
<li><a href="/api/parts">/api/parts</a> - List parts</li>
<li><a href="/api/quotations">/api/quotations</a> - List quotations</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
