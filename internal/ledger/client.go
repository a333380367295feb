package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"orderflow/internal/reliability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerTenant         = "X-Tenant-ID"
	headerRetryAfter     = "Retry-After"

	defaultRequestTimeout = 30 * time.Second
	defaultThrottlePause  = time.Second
)

// Config configures the ledger HTTP client.
type Config struct {
	BaseURL   string
	TenantID  string
	Timeout   time.Duration
	UserAgent string
}

// Request describes a single ledger call.
type Request struct {
	Op             string
	Method         string
	Path           string
	IdempotencyKey string
	Body           any
	// Safe marks a non-GET request without side effects; it needs no idempotency key.
	Safe bool
}

func (r Request) mutating() bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead && !r.Safe
}

// Result is a successful ledger response.
type Result struct {
	StatusCode int
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Client talks to the accounting ledger for one tenant.
type Client struct {
	http    *resty.Client
	tenant  string
	tokens  *TokenCache
	limiter *reliability.RateLimiter
	timeout time.Duration
	now     func() time.Time
	logf    func(string, ...any)
}

// NewClient builds a ledger client. limiter may be nil.
func NewClient(cfg Config, tokens *TokenCache, limiter *reliability.RateLimiter, logf func(string, ...any)) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("ledger: base url is required")
	}
	if strings.TrimSpace(cfg.TenantID) == "" {
		return nil, errors.New("ledger: tenant id is required")
	}
	if tokens == nil {
		return nil, errors.New("ledger: token cache is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader(headerTenant, cfg.TenantID)
	if cfg.UserAgent != "" {
		httpClient.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Client{
		http:    httpClient,
		tenant:  cfg.TenantID,
		tokens:  tokens,
		limiter: limiter,
		timeout: timeout,
		now:     time.Now,
		logf:    logf,
	}, nil
}

// Tenant returns the tenant this client acts for.
func (c *Client) Tenant() string { return c.tenant }

// Call sends one request. Once dispatched, the request runs under its own timeout
// and is not abandoned when ctx is cancelled.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if req.Op == "" {
		req.Op = req.Method + " " + req.Path
	}
	if req.mutating() && strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	token, err := c.tokens.Token(callCtx)
	if err != nil {
		return nil, &Error{Class: ClassRetryable, Op: req.Op, Code: codeTokenRefresh, Err: err}
	}

	resp, err := c.send(callCtx, req, token)
	if err != nil {
		return nil, classifyTransport(req.Op, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.logf("ledger %s: 401 for tenant %s, refreshing token", req.Op, c.tenant)
		c.tokens.Invalidate(token)
		if token, err = c.tokens.Token(callCtx); err != nil {
			return nil, &Error{Class: ClassRetryable, Op: req.Op, StatusCode: http.StatusUnauthorized, Code: codeTokenRefresh, Err: err}
		}
		if resp, err = c.send(callCtx, req, token); err != nil {
			return nil, classifyTransport(req.Op, err)
		}
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return &Result{StatusCode: status, Body: resp.Body()}, nil
	}

	var body apiError
	_ = json.Unmarshal(resp.Body(), &body)
	retryAfter := parseRetryAfter(resp.Header().Get(headerRetryAfter), c.now())
	if status == http.StatusTooManyRequests {
		pause := retryAfter
		if pause <= 0 {
			pause = defaultThrottlePause
		}
		c.limiter.Pause(pause)
	}
	return nil, classifyStatus(req.Op, status, body, retryAfter)
}

func (c *Client) send(ctx context.Context, req Request, token string) (*resty.Response, error) {
	r := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if req.IdempotencyKey != "" {
		r.SetHeader(headerIdempotencyKey, req.IdempotencyKey)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	return r.Execute(req.Method, req.Path)
}

// GetCustomer resolves a customer reference.
func (c *Client) GetCustomer(ctx context.Context, ref string) (Customer, error) {
	var out Customer
	res, err := c.Call(ctx, Request{
		Op:     "get_customer",
		Method: http.MethodGet,
		Path:   "/v1/customers/" + url.PathEscape(ref),
	})
	if err != nil {
		return out, err
	}
	return out, decode(res, &out, "get_customer")
}

// LookupItems returns the ledger's catalog entries for skus.
func (c *Client) LookupItems(ctx context.Context, skus []string) ([]Item, error) {
	res, err := c.Call(ctx, Request{
		Op:     "lookup_items",
		Method: http.MethodPost,
		Path:   "/v1/items/lookup",
		Body:   lookupItemsRequest{SKUs: skus},
		Safe:   true,
	})
	if err != nil {
		return nil, err
	}
	var out lookupItemsResponse
	if err := decode(res, &out, "lookup_items"); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateDraftOrder creates a draft order. The ledger deduplicates on key.
func (c *Client) CreateDraftOrder(ctx context.Context, key string, req CreateDraftOrderRequest) (DraftOrder, error) {
	var out DraftOrder
	if err := req.Validate(); err != nil {
		return out, err
	}
	res, err := c.Call(ctx, Request{
		Op:             "create_draft_order",
		Method:         http.MethodPost,
		Path:           "/v1/draft-orders",
		IdempotencyKey: key,
		Body:           req,
	})
	if err != nil {
		return out, err
	}
	return out, decode(res, &out, "create_draft_order")
}

// GetDraftOrder fetches a draft order by id.
func (c *Client) GetDraftOrder(ctx context.Context, id string) (DraftOrder, error) {
	var out DraftOrder
	res, err := c.Call(ctx, Request{
		Op:     "get_draft_order",
		Method: http.MethodGet,
		Path:   "/v1/draft-orders/" + url.PathEscape(id),
	})
	if err != nil {
		return out, err
	}
	return out, decode(res, &out, "get_draft_order")
}

// DeleteDraftOrder deletes a draft order. Deleting an absent draft succeeds.
func (c *Client) DeleteDraftOrder(ctx context.Context, key, id string) error {
	_, err := c.Call(ctx, Request{
		Op:             "delete_draft_order",
		Method:         http.MethodDelete,
		Path:           "/v1/draft-orders/" + url.PathEscape(id),
		IdempotencyKey: key,
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// PostInvoice posts an invoice for a draft order. The ledger deduplicates on key.
func (c *Client) PostInvoice(ctx context.Context, key string, req PostInvoiceRequest) (Invoice, error) {
	var out Invoice
	if err := req.Validate(); err != nil {
		return out, err
	}
	res, err := c.Call(ctx, Request{
		Op:             "post_invoice",
		Method:         http.MethodPost,
		Path:           "/v1/invoices",
		IdempotencyKey: key,
		Body:           req,
	})
	if err != nil {
		return out, err
	}
	return out, decode(res, &out, "post_invoice")
}

// GetInvoice fetches an invoice by id.
func (c *Client) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var out Invoice
	res, err := c.Call(ctx, Request{
		Op:     "get_invoice",
		Method: http.MethodGet,
		Path:   "/v1/invoices/" + url.PathEscape(id),
	})
	if err != nil {
		return out, err
	}
	return out, decode(res, &out, "get_invoice")
}

// VoidInvoice voids an invoice. Voiding an already void invoice succeeds.
func (c *Client) VoidInvoice(ctx context.Context, key, id string) error {
	_, err := c.Call(ctx, Request{
		Op:             "void_invoice",
		Method:         http.MethodPost,
		Path:           "/v1/invoices/" + url.PathEscape(id) + "/void",
		IdempotencyKey: key,
	})
	var le *Error
	if errors.As(err, &le) && le.StatusCode == http.StatusConflict && le.Code == "already_void" {
		return nil
	}
	return err
}

func decode(res *Result, v any, op string) error {
	if err := res.Decode(v); err != nil {
		return &Error{Class: ClassTerminal, Op: op, StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
