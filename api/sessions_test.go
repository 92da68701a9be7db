/*
sessions_test.go - Unit tests for the edit session endpoints

Tests for:
- The start / stage / save flow and its stock effects
- Staged changes staying out of the store until save
- Conflicts between two sessions and each resolution strategy
- Session cancel, heartbeat and invalid-state handling
*/
package api

import (
	"context"
	"net/http"
	"testing"
)

// openSession starts an edit session on the invoice and returns its DTO.
func openSession(t *testing.T, router http.Handler, invoiceID, actor string) SessionDTO {
	t.Helper()
	rec := doJSON(t, router, "POST", "/api/sessions", StartSessionRequest{
		InvoiceID:      invoiceID,
		ActorSessionID: actor,
	})
	if rec.Code != 201 {
		t.Fatalf("Expected 201 starting a session, got %d: %s", rec.Code, rec.Body.String())
	}
	var s SessionDTO
	decodeBody(t, rec, &s)
	return s
}

func TestSessionFlow_IncreaseQuantity(t *testing.T) {
	// GIVEN: An invoice with 2 of P1 and stock at 10
	// WHEN: Staging a quantity of 5 in a session and saving
	// THEN: Version 2, total 25.00, stock 7, and the session is discarded

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}

	s := openSession(t, router, "INV-1001", "tab-a")
	if s.State != "editing" || s.Dirty {
		t.Fatalf("Expected a clean editing session, got state %s dirty %v", s.State, s.Dirty)
	}
	if s.BaseVersion != 1 {
		t.Errorf("Expected base version 1, got %d", s.BaseVersion)
	}

	rec := doJSON(t, router, "PATCH", "/api/sessions/"+s.ID, UpdateSessionRequest{
		Items: []LineItemDTO{{PartID: "P1", PartName: "Oil filter", Quantity: 5, UnitPrice: 5.00}},
	})
	if rec.Code != 200 {
		t.Fatalf("Expected 200 staging, got %d: %s", rec.Code, rec.Body.String())
	}
	var staged SessionDTO
	decodeBody(t, rec, &staged)
	if !staged.Dirty {
		t.Error("Expected the session to be dirty after staging")
	}
	if staged.Current.Items[0].Quantity != 5 {
		t.Errorf("Expected staged quantity 5, got %v", staged.Current.Items[0].Quantity)
	}

	// Nothing hits the store until save
	var live InvoiceDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/invoices/INV-1001", nil), &live)
	if live.Version != 1 || live.Items[0].Quantity != 2 {
		t.Fatalf("Expected the live invoice untouched, got version %d quantity %v", live.Version, live.Items[0].Quantity)
	}

	save := doJSON(t, router, "POST", "/api/sessions/"+s.ID+"/save", nil)
	if save.Code != 200 {
		t.Fatalf("Expected 200 saving, got %d: %s", save.Code, save.Body.String())
	}
	var res EditResultDTO
	decodeBody(t, save, &res)
	if !res.OK || res.Invoice.Version != 2 || res.Invoice.TotalAmount != 25.00 {
		t.Fatalf("Expected version 2 at 25.00, got %s", save.Body.String())
	}

	var part PartDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/parts/P1", nil), &part)
	if part.UnitStock != 7 {
		t.Errorf("Expected stock 7, got %d", part.UnitStock)
	}

	// Committed sessions are discarded
	if rec := doJSON(t, router, "GET", "/api/sessions/"+s.ID, nil); rec.Code != 404 {
		t.Errorf("Expected 404 for the discarded session, got %d", rec.Code)
	}
}

func TestSession_StartOnPaidInvoice(t *testing.T) {
	// GIVEN: A fully paid invoice
	// WHEN: Starting an edit session on it
	// THEN: 409 IMMUTABLE_INVOICE

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	if rec := doJSON(t, router, "POST", "/api/invoices/INV-1001/payments", RecordPaymentRequest{
		Amount: 10.00, Method: "card",
	}); rec.Code != 201 {
		t.Fatalf("Expected the payment to land, got %d", rec.Code)
	}

	rec := doJSON(t, router, "POST", "/api/sessions", StartSessionRequest{InvoiceID: "INV-1001"})
	if rec.Code != 409 {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.Code != "IMMUTABLE_INVOICE" {
		t.Errorf("Expected IMMUTABLE_INVOICE, got %q", errResp.Code)
	}
}

func TestSessionConflict_SecondEditorGetsReport(t *testing.T) {
	// GIVEN: Two sessions on the same invoice, the first already saved
	// WHEN: The second session saves
	// THEN: 409 with the diverged fields, and the session survives in conflicted

	h, router := setupTestServer(t)
	if err := h.loadConcurrentEditScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}

	a := openSession(t, router, "INV-1003", "tab-a")
	b := openSession(t, router, "INV-1003", "tab-b")

	// Session A raises the quantity and saves
	doJSON(t, router, "PATCH", "/api/sessions/"+a.ID, UpdateSessionRequest{
		Items: []LineItemDTO{{PartID: "P1", PartName: "Oil filter", Quantity: 5, UnitPrice: 5.00}},
	})
	if rec := doJSON(t, router, "POST", "/api/sessions/"+a.ID+"/save", nil); rec.Code != 200 {
		t.Fatalf("Expected session A to save, got %d: %s", rec.Code, rec.Body.String())
	}

	// Session B stages a note and collides
	notes := "customer asked for winter tires"
	doJSON(t, router, "PATCH", "/api/sessions/"+b.ID, UpdateSessionRequest{Notes: &notes})
	save := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/save", nil)
	if save.Code != 409 {
		t.Fatalf("Expected 409, got %d: %s", save.Code, save.Body.String())
	}

	var res EditResultDTO
	decodeBody(t, save, &res)
	if res.OK || res.Conflict == nil || !res.Conflict.HasConflicts {
		t.Fatalf("Expected a conflict result, got %s", save.Body.String())
	}
	if res.Conflict.ExpectedVersion != 1 || res.Conflict.RemoteVersion != 2 {
		t.Errorf("Expected versions 1/2, got %d/%d", res.Conflict.ExpectedVersion, res.Conflict.RemoteVersion)
	}
	fields := make(map[string]bool)
	for _, c := range res.Conflict.Conflicts {
		fields[c.Field] = true
	}
	if !fields["items.P1"] || !fields["totalAmount"] {
		t.Errorf("Expected items.P1 and totalAmount in the diff, got %v", fields)
	}

	var after SessionDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/sessions/"+b.ID, nil), &after)
	if after.State != "conflicted" {
		t.Errorf("Expected the session to sit in conflicted, got %s", after.State)
	}
	if after.Conflict == nil {
		t.Error("Expected the conflict report kept on the session")
	}
}

// conflictedPair runs the concurrent-edit scenario up to the point where
// session B holds a staged note and sits in conflicted against version 2.
func conflictedPair(t *testing.T) (*Handler, http.Handler, SessionDTO) {
	t.Helper()
	h, router := setupTestServer(t)
	if err := h.loadConcurrentEditScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}

	a := openSession(t, router, "INV-1003", "tab-a")
	b := openSession(t, router, "INV-1003", "tab-b")

	doJSON(t, router, "PATCH", "/api/sessions/"+a.ID, UpdateSessionRequest{
		Items: []LineItemDTO{{PartID: "P1", PartName: "Oil filter", Quantity: 5, UnitPrice: 5.00}},
	})
	if rec := doJSON(t, router, "POST", "/api/sessions/"+a.ID+"/save", nil); rec.Code != 200 {
		t.Fatalf("Expected session A to save, got %d", rec.Code)
	}

	notes := "customer asked for winter tires"
	doJSON(t, router, "PATCH", "/api/sessions/"+b.ID, UpdateSessionRequest{Notes: &notes})
	if rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/save", nil); rec.Code != 409 {
		t.Fatalf("Expected session B to conflict, got %d", rec.Code)
	}
	return h, router, b
}

func TestSessionResolve_ForceOverwrite(t *testing.T) {
	// GIVEN: A conflicted session holding only a staged note
	// WHEN: Resolving with force_overwrite and saving
	// THEN: The local content replaces the remote edit and its stock comes back

	_, router, b := conflictedPair(t)

	rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/resolve", ResolveRequest{Strategy: "force_overwrite"})
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var s SessionDTO
	decodeBody(t, rec, &s)
	if s.State != "editing" || !s.Dirty {
		t.Fatalf("Expected a dirty editing session, got state %s dirty %v", s.State, s.Dirty)
	}
	if s.BaseVersion != 2 {
		t.Errorf("Expected the session rebased onto version 2, got %d", s.BaseVersion)
	}

	save := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/save", nil)
	if save.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", save.Code, save.Body.String())
	}
	var res EditResultDTO
	decodeBody(t, save, &res)
	if res.Invoice.Version != 3 {
		t.Errorf("Expected version 3, got %d", res.Invoice.Version)
	}
	if res.Invoice.Items[0].Quantity != 2 {
		t.Errorf("Expected the local quantity 2 to win, got %v", res.Invoice.Items[0].Quantity)
	}
	if res.Invoice.Notes == "" {
		t.Error("Expected the staged note to survive")
	}

	// Overwriting the remote's quantity 5 with 2 releases 3 units
	var part PartDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/parts/P1", nil), &part)
	if part.UnitStock != 10 {
		t.Errorf("Expected stock back at 10, got %d", part.UnitStock)
	}
}

func TestSessionResolve_Merge(t *testing.T) {
	// GIVEN: A conflicted session whose only local change is a note
	// WHEN: Resolving with merge and saving
	// THEN: The remote quantity is adopted and the note kept

	_, router, b := conflictedPair(t)

	rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/resolve", ResolveRequest{Strategy: "merge"})
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var s SessionDTO
	decodeBody(t, rec, &s)
	if s.Current.Items[0].Quantity != 5 {
		t.Errorf("Expected the remote quantity 5 adopted, got %v", s.Current.Items[0].Quantity)
	}
	if s.Current.Notes == "" {
		t.Error("Expected the local note kept")
	}

	save := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/save", nil)
	if save.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", save.Code, save.Body.String())
	}
	var res EditResultDTO
	decodeBody(t, save, &res)
	if res.Invoice.Version != 3 || res.Invoice.TotalAmount != 25.00 {
		t.Errorf("Expected version 3 at 25.00, got %d at %.2f", res.Invoice.Version, res.Invoice.TotalAmount)
	}

	// The merged content matches the remote's lines, so stock is untouched
	var part PartDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/parts/P1", nil), &part)
	if part.UnitStock != 7 {
		t.Errorf("Expected stock to stay at 7, got %d", part.UnitStock)
	}
}

func TestSessionResolve_DiscardLocal(t *testing.T) {
	// GIVEN: A conflicted session
	// WHEN: Resolving with discard_local_reload_remote
	// THEN: The session returns to editing clean, carrying the remote content

	_, router, b := conflictedPair(t)

	rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/resolve", ResolveRequest{Strategy: "discard_local_reload_remote"})
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var s SessionDTO
	decodeBody(t, rec, &s)
	if s.State != "editing" || s.Dirty {
		t.Fatalf("Expected a clean editing session, got state %s dirty %v", s.State, s.Dirty)
	}
	if s.BaseVersion != 2 {
		t.Errorf("Expected base version 2, got %d", s.BaseVersion)
	}
	if s.Current.Items[0].Quantity != 5 {
		t.Errorf("Expected the remote quantity 5, got %v", s.Current.Items[0].Quantity)
	}
	if s.Current.Notes != "" {
		t.Errorf("Expected the staged note dropped, got %q", s.Current.Notes)
	}
}

func TestSessionResolve_Abort(t *testing.T) {
	// GIVEN: A conflicted session
	// WHEN: Resolving with abort
	// THEN: 200 aborted, the session is gone and the store untouched

	_, router, b := conflictedPair(t)

	rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/resolve", ResolveRequest{Strategy: "abort"})
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "aborted" {
		t.Errorf("Expected status aborted, got %q", body["status"])
	}

	if rec := doJSON(t, router, "GET", "/api/sessions/"+b.ID, nil); rec.Code != 404 {
		t.Errorf("Expected 404 for the aborted session, got %d", rec.Code)
	}

	var inv InvoiceDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/invoices/INV-1003", nil), &inv)
	if inv.Version != 2 {
		t.Errorf("Expected the remote edit to stand at version 2, got %d", inv.Version)
	}
}

func TestSessionResolve_UnknownStrategy(t *testing.T) {
	// GIVEN: A conflicted session
	// WHEN: Resolving with an unknown strategy
	// THEN: 400, and the session still sits in conflicted

	_, router, b := conflictedPair(t)

	rec := doJSON(t, router, "POST", "/api/sessions/"+b.ID+"/resolve", ResolveRequest{Strategy: "coin_flip"})
	if rec.Code != 400 {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var s SessionDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/sessions/"+b.ID, nil), &s)
	if s.State != "conflicted" {
		t.Errorf("Expected the session untouched in conflicted, got %s", s.State)
	}
}

func TestSessionResolve_NotConflicted(t *testing.T) {
	// GIVEN: A session still in editing
	// WHEN: Resolving it
	// THEN: 409 ILLEGAL_TRANSITION

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	s := openSession(t, router, "INV-1001", "tab-a")

	rec := doJSON(t, router, "POST", "/api/sessions/"+s.ID+"/resolve", ResolveRequest{Strategy: "force_overwrite"})
	if rec.Code != 409 {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	if errResp.Code != "ILLEGAL_TRANSITION" {
		t.Errorf("Expected ILLEGAL_TRANSITION, got %q", errResp.Code)
	}
}

func TestUpdateSession_ClearItemsFailsValidation(t *testing.T) {
	// GIVEN: A session whose staged state clears every line
	// WHEN: Saving
	// THEN: 422 EMPTY_INVOICE, the session is discarded, the store untouched

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	s := openSession(t, router, "INV-1001", "tab-a")

	rec := doJSON(t, router, "PATCH", "/api/sessions/"+s.ID, UpdateSessionRequest{
		Items: []LineItemDTO{},
	})
	if rec.Code != 200 {
		t.Fatalf("Expected 200 staging, got %d: %s", rec.Code, rec.Body.String())
	}

	save := doJSON(t, router, "POST", "/api/sessions/"+s.ID+"/save", nil)
	if save.Code != 422 {
		t.Fatalf("Expected 422, got %d: %s", save.Code, save.Body.String())
	}
	var res EditResultDTO
	decodeBody(t, save, &res)
	if res.Validation == nil || res.Validation.Errors[0].Code != "EMPTY_INVOICE" {
		t.Fatalf("Expected EMPTY_INVOICE, got %s", save.Body.String())
	}

	if rec := doJSON(t, router, "GET", "/api/sessions/"+s.ID, nil); rec.Code != 404 {
		t.Errorf("Expected the invalid session discarded, got %d", rec.Code)
	}

	var inv InvoiceDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/invoices/INV-1001", nil), &inv)
	if inv.Version != 1 {
		t.Errorf("Expected the invoice untouched, got version %d", inv.Version)
	}
}

func TestCancelSession(t *testing.T) {
	// GIVEN: A dirty session
	// WHEN: Canceling it
	// THEN: The session is gone and nothing was written

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	s := openSession(t, router, "INV-1001", "tab-a")
	doJSON(t, router, "PATCH", "/api/sessions/"+s.ID, UpdateSessionRequest{
		Items: []LineItemDTO{{PartID: "P1", Quantity: 5, UnitPrice: 5.00}},
	})

	rec := doJSON(t, router, "DELETE", "/api/sessions/"+s.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, router, "GET", "/api/sessions/"+s.ID, nil); rec.Code != 404 {
		t.Errorf("Expected 404 after cancel, got %d", rec.Code)
	}
	var inv InvoiceDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/invoices/INV-1001", nil), &inv)
	if inv.Version != 1 {
		t.Errorf("Expected version 1 untouched, got %d", inv.Version)
	}
}

func TestHeartbeatSession(t *testing.T) {
	// GIVEN: An open session
	// WHEN: Sending a heartbeat
	// THEN: 200 ok; unknown sessions get 404

	h, router := setupTestServer(t)
	if err := h.loadQuantityIncreaseScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	s := openSession(t, router, "INV-1001", "tab-a")

	if rec := doJSON(t, router, "POST", "/api/sessions/"+s.ID+"/heartbeat", nil); rec.Code != 200 {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec := doJSON(t, router, "POST", "/api/sessions/nope/heartbeat", nil); rec.Code != 404 {
		t.Errorf("Expected 404 for an unknown session, got %d", rec.Code)
	}
}

func TestDeleteInvoice_ViaSession(t *testing.T) {
	// GIVEN: A session editing the invoice from the delete-restock dataset
	// WHEN: Deleting the invoice through that session
	// THEN: Stocks are restored and the session ends

	h, router := setupTestServer(t)
	if err := h.loadDeleteRestockScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	s := openSession(t, router, "INV-1004", "tab-a")

	rec := doJSON(t, router, "DELETE", "/api/invoices/INV-1004?session_id="+s.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res EditResultDTO
	decodeBody(t, rec, &res)
	if !res.OK || len(res.StockChanges) != 2 {
		t.Fatalf("Expected 2 restorations, got %s", rec.Body.String())
	}

	var p1, p2 PartDTO
	decodeBody(t, doJSON(t, router, "GET", "/api/parts/P1", nil), &p1)
	decodeBody(t, doJSON(t, router, "GET", "/api/parts/P2", nil), &p2)
	if p1.UnitStock != 10 || p2.UnitStock != 5 {
		t.Errorf("Expected stocks 10 and 5, got %d and %d", p1.UnitStock, p2.UnitStock)
	}

	if rec := doJSON(t, router, "GET", "/api/sessions/"+s.ID, nil); rec.Code != 404 {
		t.Errorf("Expected the session discarded, got %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	// GIVEN: Two open sessions
	// WHEN: Listing sessions
	// THEN: Both come back

	h, router := setupTestServer(t)
	if err := h.loadConcurrentEditScenario(context.Background()); err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	openSession(t, router, "INV-1003", "tab-a")
	openSession(t, router, "INV-1003", "tab-b")

	rec := doJSON(t, router, "GET", "/api/sessions", nil)
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var sessions []SessionDTO
	decodeBody(t, rec, &sessions)
	if len(sessions) != 2 {
		t.Errorf("Expected 2 sessions, got %d", len(sessions))
	}
}
