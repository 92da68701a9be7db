/*
handlers.go - HTTP API handlers for the workshop invoice engine

PURPOSE:
  Exposes the invoice edit core via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                 List invoices
    POST   /api/invoices                 Create invoice (allocates stock)
    GET    /api/invoices/{id}            Get invoice
    PUT    /api/invoices/{id}            One-shot edit against a base version
    DELETE /api/invoices/{id}            Delete invoice (restores stock)
    POST   /api/invoices/{id}/validate   Dry-run validation, no writes
    POST   /api/invoices/{id}/conflicts  Conflict preview against the live doc
    POST   /api/invoices/{id}/payments   Record a payment
    GET    /api/invoices/{id}/audit      Audit trail for one invoice

  Inventory:
    GET    /api/parts                    List parts
    GET    /api/parts/{id}               Get part
    GET    /api/parts/low-stock          Threshold report

  Quotations:
    GET    /api/quotations               List quotations
    POST   /api/quotations/{id}/convert  Convert to a fresh invoice

  Sessions:
    POST   /api/sessions                 Start an edit session
    GET    /api/sessions                 List open sessions
    GET    /api/sessions/{id}            Session state
    PATCH  /api/sessions/{id}            Stage changes
    POST   /api/sessions/{id}/save       Validate + commit
    POST   /api/sessions/{id}/heartbeat  Keep-alive
    POST   /api/sessions/{id}/resolve    Submit a conflict resolution
    DELETE /api/sessions/{id}            Cancel without writing

  Misc:
    GET    /api/customers/{name}/invoices  Customer mirror with payments
    GET    /api/audit                      Global audit query

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: The configured backend (memory, sqlite or bolt)
  - Mutator/Sessions: Domain logic for atomic edits and the edit protocol
  - Mirror: Read-through parts cache used for commit-time snapshots

ERROR HANDLING:
  Structured outcomes are not errors: a failed validation returns 422
  with the full ValidationResult, a version conflict returns 409 with
  the ConflictReport. Errors map as:
  - 400: Malformed input
  - 404: Missing document or session
  - 409: Immutability, lost preconditions, protocol misuse
  - 422: Validation failures surfaced as errors
  - 500: Backend faults

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/logger"
)

// actorHeader optionally names the caller's actor session on one-shot
// mutations so their audit entries can be correlated.
const actorHeader = "X-Actor-Session"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    invoicing.Store
	Mutator  *invoicing.Mutator
	Sessions *invoicing.SessionManager
	Mirror   *invoicing.PartsMirror
	Log      zerolog.Logger

	// LowStockThreshold drives the /parts/low-stock report.
	LowStockThreshold int

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the domain around the given store.
func NewHandler(store invoicing.Store) *Handler {
	mutator := invoicing.NewMutator(store, zlog.Logger)
	return &Handler{
		Store:             store,
		Mutator:           mutator,
		Sessions:          invoicing.NewSessionManager(mutator, zlog.Logger),
		Mirror:            invoicing.NewPartsMirror(store, zlog.Logger),
		Log:               logger.WithComponent("api"),
		LowStockThreshold: invoicing.DefaultLowStockThreshold,
	}
}

// partsSnapshot resolves every part referenced by the given documents into
// one commit-time snapshot, served through the read-through mirror.
func (h *Handler) partsSnapshot(r *http.Request, docs ...*invoicing.Invoice) (map[invoicing.PartID]invoicing.Part, error) {
	seen := make(map[invoicing.PartID]bool)
	var ids []invoicing.PartID
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for _, it := range doc.Items {
			if !seen[it.PartID] {
				seen[it.PartID] = true
				ids = append(ids, it.PartID)
			}
		}
	}
	return h.Mirror.Snapshot(r.Context(), ids)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns invoices matching the query filters.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := invoicing.InvoiceFilter{
		CustomerName:  q.Get("customer"),
		Number:        q.Get("number"),
		PaymentStatus: invoicing.PaymentStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	invoices, err := h.Store.ListInvoices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		dtos[i] = *toInvoiceDTO(&invoices[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns a single invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CreateInvoice creates a new invoice, allocating stock for every line in
// one batch.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	items, badQty := itemsFromDTO(req.Items)
	if badQty != nil {
		writeJSON(w, http.StatusUnprocessableEntity, EditResultDTO{OK: false, Validation: toValidationResultDTO(badQty)})
		return
	}

	inv := &invoicing.Invoice{
		Number:   req.Number,
		Customer: fromCustomerDTO(req.Customer),
		Items:    items,
		Notes:    req.Notes,
	}
	parts, err := h.partsSnapshot(r, inv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
		return
	}

	res, err := h.Mutator.CreateInvoice(r.Context(), invoicing.CreateRequest{
		Invoice:      inv,
		CurrentParts: parts,
		SessionID:    r.Header.Get(actorHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeEditResult(w, res, http.StatusCreated)
}

// EditInvoice runs a one-shot edit: the request carries the base version
// the caller loaded plus the full modified state, and the commit
// preconditions on that version. Multi-step editing goes through
// /api/sessions instead.
func (h *Handler) EditInvoice(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	var req EditInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BaseVersion <= 0 {
		writeError(w, http.StatusBadRequest, "base_version is required", nil)
		return
	}

	live, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items, badQty := itemsFromDTO(req.Items)
	if badQty != nil {
		writeJSON(w, http.StatusUnprocessableEntity, EditResultDTO{OK: false, Validation: toValidationResultDTO(badQty)})
		return
	}

	// The caller's base content is not resent; only its version is. The
	// conflict check and the commit precondition both run against that
	// claimed version.
	original := live.Clone()
	original.Version = req.BaseVersion

	modified := live.Clone()
	if req.Customer != nil {
		modified.Customer = fromCustomerDTO(*req.Customer)
	}
	if req.Notes != nil {
		modified.Notes = *req.Notes
	}
	modified.Items = items
	modified.RecalculateTotals()
	if req.TotalAmount != nil {
		modified.TotalAmount = invoicing.NewMoney(*req.TotalAmount)
	}

	parts, err := h.partsSnapshot(r, original, modified)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
		return
	}

	res, err := h.Mutator.EditInvoice(r.Context(), invoicing.EditRequest{
		Original:     original,
		Modified:     modified,
		CurrentParts: parts,
		SessionID:    r.Header.Get(actorHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeEditResult(w, res, http.StatusOK)
}

// DeleteInvoice removes an invoice, restoring every consumed unit. With a
// session_id query parameter the delete runs through that session's
// protocol; otherwise it is a one-shot delete of the live document.
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))
	ctx := r.Context()

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		s, err := h.Sessions.Get(sessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if s.InvoiceID != id {
			writeError(w, http.StatusBadRequest, "Session is editing a different invoice", nil)
			return
		}
		parts, err := h.partsSnapshot(r, s.OriginalSnapshot)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
			return
		}
		res, err := h.Sessions.DeleteInvoice(ctx, sessionID, parts)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, EditResultDTO{
			OK:           res.OK,
			StockChanges: toStockChangeDTOs(res.StockChanges),
			OperationID:  res.OperationID,
			Warnings:     res.Warnings,
		})
		return
	}

	live, err := h.Store.GetInvoice(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	parts, err := h.partsSnapshot(r, live)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
		return
	}

	res, err := h.Mutator.DeleteInvoice(ctx, invoicing.DeleteRequest{
		Invoice:      live,
		CurrentParts: parts,
		SessionID:    r.Header.Get(actorHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EditResultDTO{
		OK:           res.OK,
		StockChanges: toStockChangeDTOs(res.StockChanges),
		OperationID:  res.OperationID,
		Warnings:     res.Warnings,
	})
}

// ValidateInvoice dry-runs validation of a modified state against the
// live document and current stock. Nothing is written; the result is
// returned even when invalid.
func (h *Handler) ValidateInvoice(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	var req EditInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	live, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items, badQty := itemsFromDTO(req.Items)
	if badQty != nil {
		writeJSON(w, http.StatusOK, toValidationResultDTO(badQty))
		return
	}

	modified := live.Clone()
	if req.Customer != nil {
		modified.Customer = fromCustomerDTO(*req.Customer)
	}
	if req.Notes != nil {
		modified.Notes = *req.Notes
	}
	modified.Items = items
	modified.RecalculateTotals()
	if req.TotalAmount != nil {
		modified.TotalAmount = invoicing.NewMoney(*req.TotalAmount)
	}

	parts, err := h.partsSnapshot(r, live, modified)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
		return
	}

	d := invoicing.Diff(live.Items, modified.Items)
	vr := h.Mutator.Validator.Validate(modified, live, parts, invoicing.NetStockImpact(d))
	writeJSON(w, http.StatusOK, toValidationResultDTO(&vr))
}

// PreviewConflicts compares the caller's loaded copy against the live
// document and returns the conflict report a save would produce.
func (h *Handler) PreviewConflicts(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	var req InvoiceDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version is required", nil)
		return
	}

	items, badQty := itemsFromDTO(req.Items)
	if badQty != nil {
		writeJSON(w, http.StatusUnprocessableEntity, EditResultDTO{OK: false, Validation: toValidationResultDTO(badQty)})
		return
	}

	base := &invoicing.Invoice{
		ID:          id,
		Number:      req.Number,
		Customer:    fromCustomerDTO(req.Customer),
		Items:       items,
		TotalAmount: invoicing.NewMoney(req.TotalAmount),
		Notes:       req.Notes,
		Version:     req.Version,
	}

	report, err := h.Mutator.Detector.CheckBeforeSave(r.Context(), base)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictReportDTO(report))
}

// RecordPayment records a payment against an invoice. Fully paid invoices
// become immutable to edit and delete.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Mutator.RecordPayment(r.Context(), invoicing.PaymentRequest{
		InvoiceID: id,
		Amount:    invoicing.NewMoney(req.Amount),
		Method:    req.Method,
		Reference: req.Reference,
		SessionID: r.Header.Get(actorHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResultDTO{
		OK:          res.OK,
		Invoice:     toInvoiceDTO(res.Invoice),
		Payment:     toPaymentDTO(res.Payment),
		OperationID: res.OperationID,
	})
}

// GetInvoiceAudit returns the audit trail for one invoice, newest first.
func (h *Handler) GetInvoiceAudit(w http.ResponseWriter, r *http.Request) {
	id := invoicing.InvoiceID(chi.URLParam(r, "id"))

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid audit filter", err)
		return
	}
	filter.InvoiceID = &id

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryDTOs(entries))
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// ListParts returns the parts inventory.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	parts, err := h.Store.ListParts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list parts", err)
		return
	}

	dtos := make([]PartDTO, len(parts))
	for i, p := range parts {
		dtos[i] = toPartDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPart returns a single part.
func (h *Handler) GetPart(w http.ResponseWriter, r *http.Request) {
	id := invoicing.PartID(chi.URLParam(r, "id"))

	part, err := h.Store.GetPart(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartDTO(*part))
}

// LowStockParts reports parts at or below the threshold. The configured
// threshold can be overridden per request.
func (h *Handler) LowStockParts(w http.ResponseWriter, r *http.Request) {
	threshold := h.LowStockThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid threshold", err)
			return
		}
		threshold = n
	}

	parts, err := h.Store.ListParts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list parts", err)
		return
	}

	low := make([]PartDTO, 0)
	for _, p := range parts {
		if p.UnitStock <= threshold {
			low = append(low, toPartDTO(p))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold,
		"parts":     low,
	})
}

// =============================================================================
// QUOTATION HANDLERS
// =============================================================================

// ListQuotations returns all quotations, newest first.
func (h *Handler) ListQuotations(w http.ResponseWriter, r *http.Request) {
	quotations, err := h.Store.ListQuotations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list quotations", err)
		return
	}

	dtos := make([]QuotationDTO, len(quotations))
	for i := range quotations {
		dtos[i] = *toQuotationDTO(&quotations[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ConvertQuotation turns a quotation into a fresh invoice, deducting
// stock through the same validated path as any create.
func (h *Handler) ConvertQuotation(w http.ResponseWriter, r *http.Request) {
	id := invoicing.QuotationID(chi.URLParam(r, "id"))

	res, err := h.Mutator.ConvertQuotation(r.Context(), invoicing.ConvertRequest{
		QuotationID: id,
		SessionID:   r.Header.Get(actorHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeEditResult(w, res, http.StatusCreated)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomerInvoices returns the denormalized per-customer mirror,
// including recorded payments.
func (h *Handler) ListCustomerInvoices(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	mirrors, err := h.Store.ListCustomerInvoices(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customer invoices", err)
		return
	}

	dtos := make([]CustomerInvoiceDTO, len(mirrors))
	for i, ci := range mirrors {
		dtos[i] = toCustomerInvoiceDTO(ci)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// StartSession opens an edit session on an invoice.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.InvoiceID == "" {
		writeError(w, http.StatusBadRequest, "invoice_id is required", nil)
		return
	}

	s, err := h.Sessions.StartEdit(r.Context(), invoicing.InvoiceID(req.InvoiceID), req.ActorSessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

// ListSessions returns every open edit session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	open := h.Sessions.OpenSessions()
	dtos := make([]SessionDTO, len(open))
	for i, s := range open {
		dtos[i] = *toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSession returns the current state of one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// UpdateSession stages changes onto an open session without writing
// anything to the store.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := invoicing.EditPatch{}
	if req.Customer != nil {
		c := fromCustomerDTO(*req.Customer)
		patch.Customer = &c
	}
	patch.Notes = req.Notes
	if req.Items != nil {
		items, badQty := itemsFromDTO(req.Items)
		if badQty != nil {
			writeJSON(w, http.StatusUnprocessableEntity, EditResultDTO{OK: false, Validation: toValidationResultDTO(badQty)})
			return
		}
		patch.Items = items
	}

	s, err := h.Sessions.UpdateEdit(sessionID, patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// SaveSession validates the staged changes and commits them atomically.
// A conflict keeps the session alive in conflicted for resolution.
func (h *Handler) SaveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	s, err := h.Sessions.Get(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	parts, err := h.partsSnapshot(r, s.OriginalSnapshot, s.Current)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to snapshot parts", err)
		return
	}

	res, err := h.Sessions.SaveEdit(r.Context(), sessionID, parts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeEditResult(w, res, http.StatusOK)
}

// HeartbeatSession marks a session as still in use.
func (h *Handler) HeartbeatSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Heartbeat(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResolveSession applies a conflict resolution strategy to a conflicted
// session. Abort ends the session; the other strategies return it to
// editing for another save.
func (h *Handler) ResolveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	strategy := invoicing.ResolutionStrategy(req.Strategy)
	if !invoicing.KnownResolution(strategy) {
		writeError(w, http.StatusBadRequest, "Unknown resolution strategy", nil)
		return
	}

	s, err := h.Sessions.ResolveConflicts(r.Context(), sessionID, strategy)
	if errors.Is(err, invoicing.ErrEditAborted) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted", "session_id": sessionID})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// CancelSession drops a session without writing anything.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.Sessions.CancelEdit(sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "session_id": sessionID})
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit runs a global audit query, newest first.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid audit filter", err)
		return
	}
	if v := r.URL.Query().Get("invoice_id"); v != "" {
		id := invoicing.InvoiceID(v)
		filter.InvoiceID = &id
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryDTOs(entries))
}

// parseAuditFilter reads the shared audit query parameters. invoice_id is
// left to the caller since the invoice-scoped route fixes it from the
// path.
func parseAuditFilter(r *http.Request) (invoicing.AuditFilter, error) {
	q := r.URL.Query()
	var f invoicing.AuditFilter

	if v := q.Get("session_id"); v != "" {
		f.SessionID = &v
	}
	if v := q.Get("operation_id"); v != "" {
		f.OperationID = &v
	}
	if v := q.Get("category"); v != "" {
		c := invoicing.AuditCategory(v)
		f.Category = &c
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, invoicing.AuditAction(a))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEditResult renders a structured mutation outcome: okStatus on
// commit, 409 with the report on conflict, 422 with the full validation
// result otherwise.
func writeEditResult(w http.ResponseWriter, res *invoicing.EditResult, okStatus int) {
	dto := toEditResultDTO(res)
	switch {
	case res.OK:
		writeJSON(w, okStatus, dto)
	case res.Conflict != nil:
		writeJSON(w, http.StatusConflict, dto)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, dto)
	}
}

// writeDomainError maps domain errors onto HTTP statuses: missing
// documents and sessions 404, immutability and lost preconditions and
// protocol misuse 409, validation surfaced as an error 422, anything
// else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var transition *invoicing.StateTransitionError
	switch {
	case invoicing.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Code: "NOT_FOUND", Details: err.Error()})
	case errors.Is(err, invoicing.ErrImmutableInvoice):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Invoice is paid and immutable", Code: "IMMUTABLE_INVOICE", Details: err.Error()})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Operation not allowed in the session's current state", Code: "ILLEGAL_TRANSITION", Details: err.Error()})
	case errors.Is(err, invoicing.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Version conflict", Code: "VERSION_CONFLICT", Details: err.Error()})
	case errors.Is(err, invoicing.ErrStaleStock):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Stock snapshot is stale", Code: "STALE_STOCK", Details: err.Error()})
	case errors.Is(err, invoicing.ErrValidationFailed):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Validation failed", Code: "VALIDATION_FAILED", Details: err.Error()})
	case errors.Is(err, invoicing.ErrEditAborted):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Edit aborted", Code: "EDIT_ABORTED", Details: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
