package ledger

import (
	"context"
	"log"
	"time"

	"orderflow/internal/reliability"
)

// API is the set of ledger operations the saga relies on.
type API interface {
	GetCustomer(ctx context.Context, ref string) (Customer, error)
	LookupItems(ctx context.Context, skus []string) ([]Item, error)
	CreateDraftOrder(ctx context.Context, key string, req CreateDraftOrderRequest) (DraftOrder, error)
	GetDraftOrder(ctx context.Context, id string) (DraftOrder, error)
	DeleteDraftOrder(ctx context.Context, key, id string) error
	PostInvoice(ctx context.Context, key string, req PostInvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	VoidInvoice(ctx context.Context, key, id string) error
}

// Observer receives per-call telemetry from ReliableClient.
type Observer interface {
	LedgerCall(op string, latency time.Duration, class string)
	LedgerRetry(op string, class string)
}

// ReliableClient wraps an API with retry and circuit breaker behavior.
type ReliableClient struct {
	base     API
	breaker  *reliability.CircuitBreaker
	retry    reliability.RetryPolicy
	observer Observer
	logf     func(string, ...any)
}

// NewReliableClient decorates base. breaker and observer may be nil.
func NewReliableClient(base API, breaker *reliability.CircuitBreaker, policy reliability.RetryPolicy, observer Observer, logf func(string, ...any)) *ReliableClient {
	if logf == nil {
		logf = log.Printf
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = IsRetryable
	}
	if policy.DelayHint == nil {
		policy.DelayHint = RetryAfter
	}
	return &ReliableClient{
		base:     base,
		breaker:  breaker,
		retry:    policy,
		observer: observer,
		logf:     logf,
	}
}

func (r *ReliableClient) GetCustomer(ctx context.Context, ref string) (Customer, error) {
	return do(r, ctx, "get_customer", func() (Customer, error) {
		return r.base.GetCustomer(ctx, ref)
	})
}

func (r *ReliableClient) LookupItems(ctx context.Context, skus []string) ([]Item, error) {
	return do(r, ctx, "lookup_items", func() ([]Item, error) {
		return r.base.LookupItems(ctx, skus)
	})
}

func (r *ReliableClient) CreateDraftOrder(ctx context.Context, key string, req CreateDraftOrderRequest) (DraftOrder, error) {
	return do(r, ctx, "create_draft_order", func() (DraftOrder, error) {
		return r.base.CreateDraftOrder(ctx, key, req)
	})
}

func (r *ReliableClient) GetDraftOrder(ctx context.Context, id string) (DraftOrder, error) {
	return do(r, ctx, "get_draft_order", func() (DraftOrder, error) {
		return r.base.GetDraftOrder(ctx, id)
	})
}

func (r *ReliableClient) DeleteDraftOrder(ctx context.Context, key, id string) error {
	_, err := do(r, ctx, "delete_draft_order", func() (struct{}, error) {
		return struct{}{}, r.base.DeleteDraftOrder(ctx, key, id)
	})
	return err
}

func (r *ReliableClient) PostInvoice(ctx context.Context, key string, req PostInvoiceRequest) (Invoice, error) {
	return do(r, ctx, "post_invoice", func() (Invoice, error) {
		return r.base.PostInvoice(ctx, key, req)
	})
}

func (r *ReliableClient) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	return do(r, ctx, "get_invoice", func() (Invoice, error) {
		return r.base.GetInvoice(ctx, id)
	})
}

func (r *ReliableClient) VoidInvoice(ctx context.Context, key, id string) error {
	_, err := do(r, ctx, "void_invoice", func() (struct{}, error) {
		return struct{}{}, r.base.VoidInvoice(ctx, key, id)
	})
	return err
}

func do[T any](r *ReliableClient, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var out T
	policy := r.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		class := classLabel(err)
		r.logf("ledger %s: attempt %d failed (%s), retrying in %s: %v", op, attempt, class, delay, err)
		if r.observer != nil {
			r.observer.LedgerRetry(op, class)
		}
	}

	err := policy.Do(ctx, func() error {
		return r.breaker.Execute(func() error {
			start := time.Now()
			v, err := fn()
			if r.observer != nil {
				r.observer.LedgerCall(op, time.Since(start), classLabel(err))
			}
			if err != nil {
				return err
			}
			out = v
			return nil
		})
	})
	return out, err
}

func classLabel(err error) string {
	if err == nil {
		return ""
	}
	if class, ok := ClassOf(err); ok {
		return class.String()
	}
	if err == reliability.ErrCircuitOpen {
		return "circuit_open"
	}
	return "error"
}
