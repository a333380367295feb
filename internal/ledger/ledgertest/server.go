// Package ledgertest provides an in-process fake of the accounting ledger API.
package ledgertest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/ledger"
)

// Fault makes matching requests fail.
type Fault struct {
	Method string
	// Path matches when the request path starts with it.
	Path       string
	Status     int
	Code       string
	RetryAfter string
	// Delay is slept before responding, letting client timeouts fire.
	Delay time.Duration
	// Apply processes the request before failing, simulating a lost response.
	Apply bool
	// Pass forwards the request after Delay instead of failing it.
	Pass bool
	// Times limits how many requests the fault hits. Zero means forever.
	Times int
}

// Call is a request observed by the fake.
type Call struct {
	Method         string
	Path           string
	IdempotencyKey string
	Tenant         string
	Token          string
}

type reply struct {
	status int
	body   []byte
}

// Server is a fake ledger backed by httptest.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	customers   map[string]ledger.Customer
	items       map[string]ledger.Item
	drafts      map[string]ledger.DraftOrder
	invoices    map[string]ledger.Invoice
	replies     map[string]reply
	faults      []*Fault
	calls       []Call
	token       string
	invoiceSkew decimal.Decimal
	nextID      int
}

// New starts a fake ledger that is closed when tb finishes.
func New(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		customers: make(map[string]ledger.Customer),
		items:     make(map[string]ledger.Item),
		drafts:    make(map[string]ledger.DraftOrder),
		invoices:  make(map[string]ledger.Invoice),
		replies:   make(map[string]reply),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/customers/{ref}", s.getCustomer)
	mux.HandleFunc("POST /v1/items/lookup", s.lookupItems)
	mux.HandleFunc("POST /v1/draft-orders", s.idempotent(s.createDraft))
	mux.HandleFunc("GET /v1/draft-orders/{id}", s.getDraft)
	mux.HandleFunc("DELETE /v1/draft-orders/{id}", s.idempotent(s.deleteDraft))
	mux.HandleFunc("POST /v1/invoices", s.idempotent(s.postInvoice))
	mux.HandleFunc("GET /v1/invoices/{id}", s.getInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/void", s.idempotent(s.voidInvoice))

	s.Server = httptest.NewServer(s.intercept(mux))
	tb.Cleanup(s.Close)
	return s
}

// AddCustomer registers a customer reference.
func (s *Server) AddCustomer(ref string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[ref] = ledger.Customer{Ref: ref, Name: ref, Active: active}
}

// AddItem registers a catalog item priced in USD.
func (s *Server) AddItem(sku, price string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sku] = ledger.Item{SKU: sku, Active: active, UnitPrice: decimal.RequireFromString(price), Currency: "USD"}
}

// RequireToken makes every request without this bearer token fail with 401.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SkewInvoiceTotals adds delta to every posted invoice total.
func (s *Server) SkewInvoiceTotals(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoiceSkew = decimal.RequireFromString(delta)
}

// Inject registers a fault. Faults are matched in registration order.
func (s *Server) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := f
	s.faults = append(s.faults, &fault)
}

// ClearFaults removes every registered fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls returns observed requests matching method and path prefix. Empty values match all.
func (s *Server) Calls(method, path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if (method == "" || c.Method == method) && strings.HasPrefix(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

// Drafts returns the number of live draft orders.
func (s *Server) Drafts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

// Invoices returns the number of invoices with the given status.
func (s *Server) Invoices(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inv := range s.invoices {
		if inv.Status == status {
			n++
		}
	}
	return n
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := Call{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Tenant:         r.Header.Get("X-Tenant-ID"),
			Token:          strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		token := s.token
		fault := s.matchFault(r)
		s.mu.Unlock()

		if token != "" && call.Token != token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if fault == nil {
			next.ServeHTTP(w, r)
			return
		}

		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Pass {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Apply {
			next.ServeHTTP(httptest.NewRecorder(), r)
		}
		if fault.RetryAfter != "" {
			w.Header().Set("Retry-After", fault.RetryAfter)
		}
		status := fault.Status
		if status == 0 {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, fault.Code, "injected fault")
	})
}

func (s *Server) matchFault(r *http.Request) *Fault {
	for i, f := range s.faults {
		if f.Method != "" && f.Method != r.Method {
			continue
		}
		if !strings.HasPrefix(r.URL.Path, f.Path) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.faults = append(s.faults[:i:i], s.faults[i+1:]...)
			}
		}
		return f
	}
	return nil
}

// idempotent replays the first reply recorded for an Idempotency-Key.
func (s *Server) idempotent(next func(*http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeError(w, http.StatusBadRequest, "idempotency_key_required", "missing Idempotency-Key")
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if prev, ok := s.replies[key]; ok {
			writeRaw(w, prev.status, prev.body)
			return
		}
		status, body := next(r)
		raw, _ := json.Marshal(body)
		if status < 500 {
			s.replies[key] = reply{status: status, body: raw}
		}
		writeRaw(w, status, raw)
	}
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.customers[r.PathValue("ref")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "customer_not_found", "unknown customer")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) lookupItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKUs []string `json:"skus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.mu.Lock()
	items := make([]ledger.Item, 0, len(req.SKUs))
	for _, sku := range req.SKUs {
		if item, ok := s.items[sku]; ok {
			items = append(items, item)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) createDraft(r *http.Request) (int, any) {
	var req ledger.CreateDraftOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return http.StatusBadRequest, errorBody("bad_request", err.Error())
	}
	s.nextID++
	draft := ledger.DraftOrder{
		ID:       fmt.Sprintf("draft-%d", s.nextID),
		OrderID:  req.OrderID,
		Status:   ledger.DraftStatusOpen,
		Currency: req.Currency,
		Total:    req.Total,
	}
	s.drafts[draft.ID] = draft
	return http.StatusCreated, draft
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	d, ok := s.drafts[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "draft_not_found", "unknown draft order")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDraft(r *http.Request) (int, any) {
	id := r.PathValue("id")
	if _, ok := s.drafts[id]; !ok {
		return http.StatusNotFound, errorBody("draft_not_found", "unknown draft order")
	}
	delete(s.drafts, id)
	return http.StatusOK, map[string]string{"id": id, "status": "deleted"}
}

func (s *Server) postInvoice(r *http.Request) (int, any) {
	var req ledger.PostInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return http.StatusBadRequest, errorBody("bad_request", err.Error())
	}
	if _, ok := s.drafts[req.DraftOrderID]; !ok {
		return http.StatusUnprocessableEntity, errorBody("draft_not_found", "draft order does not exist")
	}
	s.nextID++
	inv := ledger.Invoice{
		ID:           fmt.Sprintf("inv-%d", s.nextID),
		DraftOrderID: req.DraftOrderID,
		OrderID:      req.OrderID,
		Status:       ledger.InvoiceStatusPosted,
		Currency:     req.Currency,
		Total:        req.Total.Add(s.invoiceSkew),
	}
	s.invoices[inv.ID] = inv
	return http.StatusCreated, inv
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inv, ok := s.invoices[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "invoice_not_found", "unknown invoice")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) voidInvoice(r *http.Request) (int, any) {
	id := r.PathValue("id")
	inv, ok := s.invoices[id]
	if !ok {
		return http.StatusNotFound, errorBody("invoice_not_found", "unknown invoice")
	}
	if inv.Status == ledger.InvoiceStatusVoid {
		return http.StatusConflict, errorBody("already_void", "invoice already void")
	}
	inv.Status = ledger.InvoiceStatusVoid
	s.invoices[id] = inv
	return http.StatusOK, inv
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"code": code, "message": message}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody(code, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(v)
	writeRaw(w, status, buf.Bytes())
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
