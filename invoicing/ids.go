package invoicing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Identifier formats are shared with the upstream clients and must not
// change: operation ids are "op_<unixMs>_<9 alnum>", actor sessions
// "session_<unixMs>_<9 alnum>", edit sessions "edit_<invoiceId>_<unixMs>",
// invoice numbers "INV-<unixMs>" and quotation numbers "QUO-<unixMs>".

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

// NewOperationID returns a fresh operation identifier.
func NewOperationID() string {
	return fmt.Sprintf("op_%d_%s", time.Now().UnixMilli(), randSuffix(9))
}

// NewActorSessionID returns a fresh actor (UI) session identifier.
func NewActorSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), randSuffix(9))
}

// NewEditSessionID returns the identifier for an edit session over one
// invoice.
func NewEditSessionID(invoiceID InvoiceID) string {
	return fmt.Sprintf("edit_%s_%d", invoiceID, time.Now().UnixMilli())
}

// NewInvoiceNumber returns a fresh invoice number.
func NewInvoiceNumber() string {
	return fmt.Sprintf("INV-%d", time.Now().UnixMilli())
}

// NewQuotationNumber returns a fresh quotation number.
func NewQuotationNumber() string {
	return fmt.Sprintf("QUO-%d", time.Now().UnixMilli())
}

// newAuditID returns the identifier for one audit trail entry.
func newAuditID() string {
	return uuid.NewString()
}

// NewPaymentID returns the identifier for one recorded payment.
func NewPaymentID() string {
	return uuid.NewString()
}

// NewBatchID labels one atomic batch for logging.
func NewBatchID() string {
	return uuid.NewString()
}
