/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND QUANTITIES:
  Amounts cross the wire as JSON numbers and are converted to decimals at
  the boundary. Line quantities arrive as numbers too, so a fractional
  quantity can be rejected here with the same error shape the validator
  uses instead of being silently truncated.

TYPES:
  Invoice:
    InvoiceDTO, LineItemDTO, CustomerDTO
    CreateInvoiceRequest, EditInvoiceRequest

  Outcomes:
    EditResultDTO, ValidationResultDTO, ConflictReportDTO

  Sessions:
    SessionDTO, StartSessionRequest, ResolveRequest

  Inventory and audit:
    PartDTO, StockChangeDTO, AuditEntryDTO

SEE ALSO:
  - handlers.go: Uses these types
  - invoicing/types.go: The domain model these project
*/
package api

import (
	"fmt"
	"math"
	"time"

	"github.com/gearlock/workshop-engine/invoicing"
)

// =============================================================================
// INVOICE TYPES
// =============================================================================

// CustomerDTO is the embedded customer block on an invoice.
type CustomerDTO struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Address string `json:"address,omitempty"`
}

// LineItemDTO represents one invoice line. Quantity is a number on the
// wire; fractional values are rejected at the boundary.
type LineItemDTO struct {
	PartID    string  `json:"part_id"`
	PartName  string  `json:"part_name,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	LineTotal float64 `json:"line_total,omitempty"`
}

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	Customer      CustomerDTO   `json:"customer"`
	Items         []LineItemDTO `json:"items"`
	TotalAmount   float64       `json:"total_amount"`
	Notes         string        `json:"notes,omitempty"`
	Version       int64         `json:"version"`
	EditCount     int64         `json:"edit_count"`
	PaymentStatus string        `json:"payment_status"`
	CreatedAt     string        `json:"created_at,omitempty"`
	UpdatedAt     string        `json:"updated_at,omitempty"`
	LastEditedAt  *string       `json:"last_edited_at,omitempty"`
}

// CreateInvoiceRequest is the request to create an invoice.
type CreateInvoiceRequest struct {
	Number   string        `json:"number,omitempty"`
	Customer CustomerDTO   `json:"customer"`
	Items    []LineItemDTO `json:"items"`
	Notes    string        `json:"notes,omitempty"`
}

// EditInvoiceRequest is the one-shot edit request. BaseVersion is the
// version the caller loaded; the commit preconditions on it. Items is the
// full replacement line set. When TotalAmount is present it is taken as
// the caller's claimed total and checked against the line sums; when
// absent the total is recomputed server-side.
type EditInvoiceRequest struct {
	BaseVersion int64         `json:"base_version"`
	Customer    *CustomerDTO  `json:"customer,omitempty"`
	Items       []LineItemDTO `json:"items"`
	Notes       *string       `json:"notes,omitempty"`
	TotalAmount *float64      `json:"total_amount,omitempty"`
}

// =============================================================================
// OUTCOME TYPES
// =============================================================================

// ValidationErrorDTO is one blocking problem with a submitted invoice.
// Required and Available carry the stock arithmetic for shortages; they
// are always present so a zero reads as zero, not as missing.
type ValidationErrorDTO struct {
	Code      string `json:"code"`
	PartID    string `json:"part_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// ValidationWarningDTO is advisory only.
type ValidationWarningDTO struct {
	Code       string `json:"code"`
	PartID     string `json:"part_id,omitempty"`
	Message    string `json:"message"`
	StockAfter int    `json:"stock_after"`
}

// ValidationResultDTO carries every validation problem, not just the first.
type ValidationResultDTO struct {
	Valid    bool                   `json:"valid"`
	Errors   []ValidationErrorDTO   `json:"errors"`
	Warnings []ValidationWarningDTO `json:"warnings,omitempty"`
}

// FieldConflictDTO describes one diverged field with display-ready values.
type FieldConflictDTO struct {
	Field  string `json:"field"`
	Type   string `json:"type"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// ConflictReportDTO is the outcome of a version check. Resolutions lists
// the strategies a client may submit against it.
type ConflictReportDTO struct {
	HasConflicts    bool               `json:"has_conflicts"`
	InvoiceID       string             `json:"invoice_id"`
	ExpectedVersion int64              `json:"expected_version"`
	RemoteVersion   int64              `json:"remote_version"`
	Remote          *InvoiceDTO        `json:"remote,omitempty"`
	Conflicts       []FieldConflictDTO `json:"conflicts,omitempty"`
	Resolutions     []string           `json:"resolutions,omitempty"`
}

// EditResultDTO is the structured outcome of an edit, create, convert or
// delete. Exactly one of Validation and Conflict is set when OK is false.
type EditResultDTO struct {
	OK           bool                 `json:"ok"`
	Invoice      *InvoiceDTO          `json:"invoice,omitempty"`
	StockChanges []StockChangeDTO     `json:"stock_changes,omitempty"`
	OperationID  string               `json:"operation_id,omitempty"`
	Validation   *ValidationResultDTO `json:"validation,omitempty"`
	Conflict     *ConflictReportDTO   `json:"conflict,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// =============================================================================
// SESSION TYPES
// =============================================================================

// StartSessionRequest opens an edit session on an invoice. An empty
// actor_session_id gets a generated one.
type StartSessionRequest struct {
	InvoiceID      string `json:"invoice_id"`
	ActorSessionID string `json:"actor_session_id,omitempty"`
}

// UpdateSessionRequest stages changes onto an open session. Absent fields
// leave the staged value untouched; a present empty items array clears
// the lines.
type UpdateSessionRequest struct {
	Customer *CustomerDTO `json:"customer,omitempty"`
	Notes    *string      `json:"notes,omitempty"`
	// Items distinguishes absent (leave the lines alone) from an explicit
	// empty list (clear them), so no omitempty.
	Items []LineItemDTO `json:"items"`
}

// ResolveRequest submits a conflict resolution choice.
type ResolveRequest struct {
	Strategy string `json:"strategy"`
}

// SessionDTO represents an edit session in API responses. BaseVersion is
// the snapshot version the eventual commit preconditions on.
type SessionDTO struct {
	ID             string             `json:"id"`
	InvoiceID      string             `json:"invoice_id"`
	ActorSessionID string             `json:"actor_session_id"`
	State          string             `json:"state"`
	Dirty          bool               `json:"dirty"`
	BaseVersion    int64              `json:"base_version"`
	StartedAt      string             `json:"started_at"`
	LastActivityAt string             `json:"last_activity_at"`
	Current        *InvoiceDTO        `json:"current,omitempty"`
	Advisory       *ConflictReportDTO `json:"advisory,omitempty"`
	Conflict       *ConflictReportDTO `json:"conflict,omitempty"`
}

// =============================================================================
// INVENTORY, AUDIT AND PAYMENT TYPES
// =============================================================================

// StockStampDTO records the mutation that last touched a part's stock.
type StockStampDTO struct {
	Reason      string `json:"reason"`
	InvoiceID   string `json:"invoice_id"`
	Delta       int    `json:"delta"`
	Timestamp   string `json:"timestamp"`
	OperationID string `json:"operation_id"`
}

// PartDTO represents an inventoried part.
type PartDTO struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Code            string         `json:"code,omitempty"`
	UnitStock       int            `json:"unit_stock"`
	UnitPrice       float64        `json:"unit_price"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
	LastStockChange *StockStampDTO `json:"last_stock_change,omitempty"`
}

// StockChangeDTO is one applied stock movement.
type StockChangeDTO struct {
	PartID         string `json:"part_id"`
	PartName       string `json:"part_name,omitempty"`
	QuantityBefore int    `json:"quantity_before"`
	QuantityAfter  int    `json:"quantity_after"`
	Delta          int    `json:"delta"`
	Reason         string `json:"reason"`
	OperationID    string `json:"operation_id,omitempty"`
}

// AuditEntryDTO is one audit trail record.
type AuditEntryDTO struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	SessionID     string            `json:"session_id,omitempty"`
	OperationID   string            `json:"operation_id,omitempty"`
	Action        string            `json:"action"`
	Category      string            `json:"category"`
	InvoiceID     string            `json:"invoice_id,omitempty"`
	InvoiceNumber string            `json:"invoice_number,omitempty"`
	Details       string            `json:"details,omitempty"`
	StockChanges  []StockChangeDTO  `json:"stock_changes,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RecordPaymentRequest records a payment against an invoice.
type RecordPaymentRequest struct {
	Amount    float64 `json:"amount"`
	Method    string  `json:"method,omitempty"`
	Reference string  `json:"reference,omitempty"`
}

// PaymentDTO is one recorded payment.
type PaymentDTO struct {
	ID         string  `json:"id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"method,omitempty"`
	Reference  string  `json:"reference,omitempty"`
	ReceivedAt string  `json:"received_at"`
}

// PaymentResultDTO is the outcome of recording a payment.
type PaymentResultDTO struct {
	OK          bool        `json:"ok"`
	Invoice     *InvoiceDTO `json:"invoice,omitempty"`
	Payment     PaymentDTO  `json:"payment"`
	OperationID string      `json:"operation_id"`
}

// QuotationDTO represents a quotation in API responses.
type QuotationDTO struct {
	ID          string        `json:"id"`
	Number      string        `json:"number"`
	Customer    CustomerDTO   `json:"customer"`
	Items       []LineItemDTO `json:"items"`
	TotalAmount float64       `json:"total_amount"`
	CreatedAt   string        `json:"created_at,omitempty"`
}

// CustomerInvoiceDTO is the per-customer invoice mirror with payments.
type CustomerInvoiceDTO struct {
	ID            string       `json:"id"`
	Number        string       `json:"number"`
	CustomerName  string       `json:"customer_name"`
	TotalAmount   float64      `json:"total_amount"`
	PaidAmount    float64      `json:"paid_amount"`
	PaymentStatus string       `json:"payment_status"`
	Payments      []PaymentDTO `json:"payments,omitempty"`
	UpdatedAt     string       `json:"updated_at,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toCustomerDTO(c invoicing.Customer) CustomerDTO {
	return CustomerDTO{Name: c.Name, Contact: c.Contact, Address: c.Address}
}

func fromCustomerDTO(c CustomerDTO) invoicing.Customer {
	return invoicing.Customer{Name: c.Name, Contact: c.Contact, Address: c.Address}
}

func toLineItemDTO(it invoicing.LineItem) LineItemDTO {
	return LineItemDTO{
		PartID:    string(it.PartID),
		PartName:  it.PartName,
		Quantity:  float64(it.Quantity),
		UnitPrice: it.UnitPrice.InexactFloat64(),
		LineTotal: it.LineTotal.InexactFloat64(),
	}
}

func toInvoiceDTO(inv *invoicing.Invoice) *InvoiceDTO {
	if inv == nil {
		return nil
	}
	items := make([]LineItemDTO, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = toLineItemDTO(it)
	}
	dto := &InvoiceDTO{
		ID:            string(inv.ID),
		Number:        inv.Number,
		Customer:      toCustomerDTO(inv.Customer),
		Items:         items,
		TotalAmount:   inv.TotalAmount.InexactFloat64(),
		Notes:         inv.Notes,
		Version:       inv.Version,
		EditCount:     inv.EditCount,
		PaymentStatus: string(inv.PaymentStatus),
		CreatedAt:     inv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     inv.UpdatedAt.Format(time.RFC3339),
	}
	if inv.LastEditedAt != nil {
		s := inv.LastEditedAt.Format(time.RFC3339)
		dto.LastEditedAt = &s
	}
	return dto
}

// itemsFromDTO converts submitted line items to domain lines. Fractional
// quantities come back as validation errors in the validator's shape so
// clients see one error format regardless of where the check ran.
func itemsFromDTO(items []LineItemDTO) ([]invoicing.LineItem, *invoicing.ValidationResult) {
	var errs []invoicing.ValidationError
	out := make([]invoicing.LineItem, 0, len(items))
	for i, it := range items {
		if it.Quantity != math.Trunc(it.Quantity) {
			errs = append(errs, invoicing.ValidationError{
				Code:    invoicing.CodeInvalidQuantity,
				PartID:  invoicing.PartID(it.PartID),
				Field:   fmt.Sprintf("items[%d].quantity", i),
				Message: fmt.Sprintf("quantity must be a whole number, got %v", it.Quantity),
			})
			continue
		}
		line := invoicing.LineItem{
			PartID:    invoicing.PartID(it.PartID),
			PartName:  it.PartName,
			Quantity:  int(it.Quantity),
			UnitPrice: invoicing.NewMoney(it.UnitPrice),
		}
		line.LineTotal = invoicing.LineTotal(line.Quantity, line.UnitPrice)
		out = append(out, line)
	}
	if len(errs) > 0 {
		return nil, &invoicing.ValidationResult{Valid: false, Errors: errs}
	}
	return out, nil
}

func toValidationResultDTO(vr *invoicing.ValidationResult) *ValidationResultDTO {
	if vr == nil {
		return nil
	}
	dto := &ValidationResultDTO{Valid: vr.Valid, Errors: []ValidationErrorDTO{}}
	for _, e := range vr.Errors {
		dto.Errors = append(dto.Errors, ValidationErrorDTO{
			Code:      string(e.Code),
			PartID:    string(e.PartID),
			Field:     e.Field,
			Message:   e.Message,
			Required:  e.Required,
			Available: e.Available,
		})
	}
	for _, w := range vr.Warnings {
		dto.Warnings = append(dto.Warnings, ValidationWarningDTO{
			Code:       string(w.Code),
			PartID:     string(w.PartID),
			Message:    w.Message,
			StockAfter: w.StockAfter,
		})
	}
	return dto
}

func toConflictReportDTO(report *invoicing.ConflictReport) *ConflictReportDTO {
	if report == nil {
		return nil
	}
	dto := &ConflictReportDTO{
		HasConflicts:    report.HasConflicts,
		InvoiceID:       string(report.InvoiceID),
		ExpectedVersion: report.ExpectedVersion,
		RemoteVersion:   report.RemoteVersion,
		Remote:          toInvoiceDTO(report.Remote),
	}
	for _, c := range report.Conflicts {
		dto.Conflicts = append(dto.Conflicts, FieldConflictDTO{
			Field:  c.Field,
			Type:   string(c.Type),
			Local:  c.Local,
			Remote: c.Remote,
		})
	}
	if report.HasConflicts {
		dto.Resolutions = []string{
			string(invoicing.ResolutionAbort),
			string(invoicing.ResolutionDiscardLocal),
			string(invoicing.ResolutionForceOverwrite),
			string(invoicing.ResolutionMerge),
		}
	}
	return dto
}

func toStockChangeDTOs(changes []invoicing.StockChange) []StockChangeDTO {
	if len(changes) == 0 {
		return nil
	}
	dtos := make([]StockChangeDTO, len(changes))
	for i, c := range changes {
		dtos[i] = StockChangeDTO{
			PartID:         string(c.PartID),
			PartName:       c.PartName,
			QuantityBefore: c.QuantityBefore,
			QuantityAfter:  c.QuantityAfter,
			Delta:          c.Delta,
			Reason:         string(c.Reason),
			OperationID:    c.OperationID,
		}
	}
	return dtos
}

func toEditResultDTO(res *invoicing.EditResult) *EditResultDTO {
	if res == nil {
		return nil
	}
	return &EditResultDTO{
		OK:           res.OK,
		Invoice:      toInvoiceDTO(res.Invoice),
		StockChanges: toStockChangeDTOs(res.StockChanges),
		OperationID:  res.OperationID,
		Validation:   toValidationResultDTO(res.Validation),
		Conflict:     toConflictReportDTO(res.Conflict),
	}
}

func toSessionDTO(s *invoicing.EditSession) *SessionDTO {
	if s == nil {
		return nil
	}
	dto := &SessionDTO{
		ID:             s.ID,
		InvoiceID:      string(s.InvoiceID),
		ActorSessionID: s.ActorSessionID,
		State:          string(s.State),
		Dirty:          s.Dirty,
		StartedAt:      s.StartedAt.Format(time.RFC3339),
		LastActivityAt: s.LastActivityAt.Format(time.RFC3339),
		Current:        toInvoiceDTO(s.Current),
		Advisory:       toConflictReportDTO(s.Advisory),
	}
	if s.OriginalSnapshot != nil {
		dto.BaseVersion = s.OriginalSnapshot.Version
	}
	if s.LastResult != nil && s.LastResult.Conflict != nil {
		dto.Conflict = toConflictReportDTO(s.LastResult.Conflict)
	}
	return dto
}

func toPartDTO(p invoicing.Part) PartDTO {
	dto := PartDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Code:      p.Code,
		UnitStock: p.UnitStock,
		UnitPrice: p.UnitPrice.InexactFloat64(),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
	if p.LastStockChange != nil {
		dto.LastStockChange = &StockStampDTO{
			Reason:      string(p.LastStockChange.Reason),
			InvoiceID:   string(p.LastStockChange.InvoiceID),
			Delta:       p.LastStockChange.Delta,
			Timestamp:   p.LastStockChange.Timestamp.Format(time.RFC3339),
			OperationID: p.LastStockChange.OperationID,
		}
	}
	return dto
}

func toAuditEntryDTO(e invoicing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		Timestamp:     e.Timestamp.Format(time.RFC3339),
		SessionID:     e.SessionID,
		OperationID:   e.OperationID,
		Action:        string(e.Action),
		Category:      string(e.Category),
		InvoiceID:     string(e.InvoiceID),
		InvoiceNumber: e.InvoiceNumber,
		Details:       e.Details,
		StockChanges:  toStockChangeDTOs(e.StockChanges),
		Metadata:      e.Metadata,
	}
}

func toAuditEntryDTOs(entries []invoicing.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	return dtos
}

func toPaymentDTO(p invoicing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         p.ID,
		Amount:     p.Amount.InexactFloat64(),
		Method:     p.Method,
		Reference:  p.Reference,
		ReceivedAt: p.ReceivedAt.Format(time.RFC3339),
	}
}

func toQuotationDTO(q *invoicing.Quotation) *QuotationDTO {
	if q == nil {
		return nil
	}
	items := make([]LineItemDTO, len(q.Items))
	for i, it := range q.Items {
		items[i] = toLineItemDTO(it)
	}
	return &QuotationDTO{
		ID:          string(q.ID),
		Number:      q.Number,
		Customer:    toCustomerDTO(q.Customer),
		Items:       items,
		TotalAmount: q.TotalAmount.InexactFloat64(),
		CreatedAt:   q.CreatedAt.Format(time.RFC3339),
	}
}

func toCustomerInvoiceDTO(ci invoicing.CustomerInvoice) CustomerInvoiceDTO {
	dto := CustomerInvoiceDTO{
		ID:            string(ci.ID),
		Number:        ci.Number,
		CustomerName:  ci.CustomerName,
		TotalAmount:   ci.TotalAmount.InexactFloat64(),
		PaidAmount:    ci.PaidAmount.InexactFloat64(),
		PaymentStatus: string(ci.PaymentStatus),
		UpdatedAt:     ci.UpdatedAt.Format(time.RFC3339),
	}
	for _, p := range ci.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	return dto
}
