package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Invoice and draft statuses reported by the ledger.
const (
	DraftStatusOpen     = "open"
	InvoiceStatusPosted = "posted"
	InvoiceStatusVoid   = "void"
)

// Customer is the ledger view of a customer reference.
type Customer struct {
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Item is a catalog entry as priced by the ledger.
type Item struct {
	SKU       string          `json:"sku"`
	Active    bool            `json:"active"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`
}

type lookupItemsRequest struct {
	SKUs []string `json:"skus"`
}

type lookupItemsResponse struct {
	Items []Item `json:"items"`
}

// DraftLine is one priced line of a draft order.
type DraftLine struct {
	SKU       string          `json:"sku"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateDraftOrderRequest creates a draft order for an internal order id.
type CreateDraftOrderRequest struct {
	OrderID     string          `json:"order_id"`
	CustomerRef string          `json:"customer_ref"`
	Currency    string          `json:"currency"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Lines       []DraftLine     `json:"lines"`
	Total       decimal.Decimal `json:"total"`
}

// Validate checks the request before it is sent.
func (r CreateDraftOrderRequest) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("%w: order id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.CustomerRef) == "" {
		return fmt.Errorf("%w: customer ref required", ErrInvalidRequest)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO-4217 code", ErrInvalidRequest)
	}
	if len(r.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrInvalidRequest)
	}
	for i, line := range r.Lines {
		if line.SKU == "" || line.Quantity <= 0 || line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d is invalid", ErrInvalidRequest, i)
		}
	}
	if r.Total.IsNegative() {
		return fmt.Errorf("%w: total must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// DraftOrder is a ledger draft order.
type DraftOrder struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
}

// PostInvoiceRequest posts an invoice against an existing draft order.
type PostInvoiceRequest struct {
	DraftOrderID string          `json:"draft_order_id"`
	OrderID      string          `json:"order_id"`
	Currency     string          `json:"currency"`
	Total        decimal.Decimal `json:"total"`
}

// Validate checks the request before it is sent.
func (r PostInvoiceRequest) Validate() error {
	if strings.TrimSpace(r.DraftOrderID) == "" {
		return fmt.Errorf("%w: draft order id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("%w: order id required", ErrInvalidRequest)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency must be an ISO-4217 code", ErrInvalidRequest)
	}
	if r.Total.IsNegative() {
		return fmt.Errorf("%w: total must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// Invoice is a posted (or voided) ledger invoice.
type Invoice struct {
	ID           string          `json:"id"`
	DraftOrderID string          `json:"draft_order_id"`
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	Currency     string          `json:"currency"`
	Total        decimal.Decimal `json:"total"`
}
