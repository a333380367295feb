package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultMaxLineItems bounds an order when no limit is configured.
const DefaultMaxLineItems = 100

// ErrInvalidOrder is returned by NewOrder for payloads that must not reach the ledger.
var ErrInvalidOrder = errors.New("invalid order")

// LineItem is one catalog-resolved line.
type LineItem struct {
	SKU       string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// Order is a validated, catalog-resolved order. It is immutable once built.
type Order struct {
	id          string
	customerRef string
	currency    string
	taxRate     decimal.Decimal
	items       []LineItem
}

// NewOrder validates and builds an Order. maxItems <= 0 uses DefaultMaxLineItems.
func NewOrder(id, customerRef, currency string, taxRate decimal.Decimal, items []LineItem, maxItems int) (Order, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxLineItems
	}
	id = strings.TrimSpace(id)
	customerRef = strings.TrimSpace(customerRef)
	currency = strings.ToUpper(strings.TrimSpace(currency))

	switch {
	case id == "":
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	case customerRef == "":
		return Order{}, fmt.Errorf("%w: customer reference is required", ErrInvalidOrder)
	case !validCurrency(currency):
		return Order{}, fmt.Errorf("%w: currency %q is not an ISO-4217 code", ErrInvalidOrder, currency)
	case taxRate.IsNegative():
		return Order{}, fmt.Errorf("%w: tax rate must be >= 0", ErrInvalidOrder)
	case len(items) == 0:
		return Order{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidOrder)
	case len(items) > maxItems:
		return Order{}, fmt.Errorf("%w: %d line items exceeds limit of %d", ErrInvalidOrder, len(items), maxItems)
	}

	copied := make([]LineItem, len(items))
	for i, item := range items {
		item.SKU = strings.TrimSpace(item.SKU)
		if item.SKU == "" {
			return Order{}, fmt.Errorf("%w: line %d has no sku", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: line %d quantity must be > 0", ErrInvalidOrder, i)
		}
		if item.UnitPrice.IsNegative() {
			return Order{}, fmt.Errorf("%w: line %d unit price must be >= 0", ErrInvalidOrder, i)
		}
		copied[i] = item
	}

	return Order{
		id:          id,
		customerRef: customerRef,
		currency:    currency,
		taxRate:     taxRate,
		items:       copied,
	}, nil
}

func (o Order) ID() string               { return o.id }
func (o Order) CustomerRef() string      { return o.customerRef }
func (o Order) Currency() string         { return o.currency }
func (o Order) TaxRate() decimal.Decimal { return o.taxRate }

// Items returns a copy of the line items.
func (o Order) Items() []LineItem {
	return append([]LineItem(nil), o.items...)
}

// SKUs returns the distinct SKUs in line order.
func (o Order) SKUs() []string {
	seen := make(map[string]bool, len(o.items))
	out := make([]string, 0, len(o.items))
	for _, item := range o.items {
		if !seen[item.SKU] {
			seen[item.SKU] = true
			out = append(out, item.SKU)
		}
	}
	return out
}

// Subtotal is the sum of quantity times unit price, rounded to the currency's minor unit.
func (o Order) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.items {
		sum = sum.Add(item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
	}
	return sum.Round(currencyExponent(o.currency))
}

// Tax is the subtotal times the tax rate, rounded to the currency's minor unit.
func (o Order) Tax() decimal.Decimal {
	return o.Subtotal().Mul(o.taxRate).Round(currencyExponent(o.currency))
}

// Total is subtotal plus tax.
func (o Order) Total() decimal.Decimal {
	return o.Subtotal().Add(o.Tax())
}

// MinorUnit returns the smallest amount representable in currency, e.g. 0.01 for USD.
func MinorUnit(currency string) decimal.Decimal {
	return decimal.New(1, -currencyExponent(currency))
}

// WithinMinorUnit reports whether a and b differ by at most one minor unit.
func WithinMinorUnit(a, b decimal.Decimal, currency string) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MinorUnit(currency))
}

func currencyExponent(code string) int32 {
	switch strings.ToUpper(code) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "UGX", "XAF", "XOF", "PYG":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND", "IQD", "LYD":
		return 3
	default:
		return 2
	}
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
