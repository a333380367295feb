package orders

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"orderflow/internal/idempotency"
	"orderflow/internal/ledger"
	"orderflow/internal/ledger/ledgertest"
	"orderflow/internal/reliability"
	"orderflow/internal/saga"
)

type staticToken string

func (s staticToken) Token(ctx context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: string(s), Expiry: time.Now().Add(time.Hour)}, nil
}

type fixture struct {
	srv    *ledgertest.Server
	client *ledger.Client
	runs   *saga.MemoryStore
	keys   *idempotency.MemoryStore
	orch   *Orchestrator
}

func newFixture(t *testing.T, callTimeout time.Duration) *fixture {
	t.Helper()
	srv := ledgertest.New(t)
	srv.AddCustomer("cust-1", true)
	srv.AddItem("sku-a", "10.00", true)
	srv.AddItem("sku-b", "2.50", true)

	client, err := ledger.NewClient(ledger.Config{
		BaseURL:  srv.URL,
		TenantID: "tenant-a",
		Timeout:  callTimeout,
	}, ledger.NewTokenCache("tenant-a", staticToken("token-1")), nil, t.Logf)
	require.NoError(t, err)

	api := ledger.NewReliableClient(client, nil, reliability.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Factor:      2,
		MaxDelay:    5 * time.Millisecond,
	}, nil, t.Logf)

	f := &fixture{
		srv:    srv,
		client: client,
		runs:   saga.NewMemoryStore(),
		keys:   idempotency.NewMemoryStore(),
	}
	guard := idempotency.NewGuard(f.keys, idempotency.GuardConfig{Poll: time.Millisecond, Logf: t.Logf})
	f.orch = NewOrchestrator(api, guard, f.runs, Config{Logf: t.Logf})
	return f
}

func testOrder(t *testing.T, id string) Order {
	t.Helper()
	order, err := NewOrder(id, "cust-1", "usd", decimal.RequireFromString("0.08"), []LineItem{
		{SKU: "sku-a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{SKU: "sku-b", Quantity: 1, UnitPrice: decimal.RequireFromString("2.50")},
	}, 0)
	require.NoError(t, err)
	return order
}

func TestRun_CommitsOrder(t *testing.T) {
	f := newFixture(t, time.Second)

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, out.Status)
	require.NotEmpty(t, out.DraftOrderID)
	require.NotEmpty(t, out.InvoiceID)
	require.False(t, out.Replayed)
	require.Equal(t, 1, f.srv.Drafts())
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusPosted))

	run, err := f.runs.Latest(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, run.State)
	require.Equal(t, out.RunID, run.ID)

	for _, call := range f.srv.Calls(http.MethodPost, "/v1/") {
		if call.Path == "/v1/items/lookup" {
			continue
		}
		require.NotEmpty(t, call.IdempotencyKey, "mutating call %s without key", call.Path)
	}
}

func TestRun_InvoiceRejectedRollsBackDraft(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusBadRequest, Code: "invalid_invoice"})

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, StepPostInvoice, out.FailedStep)
	require.Equal(t, []string{StepCreateDraft}, out.ReversedSteps)
	require.NotEmpty(t, out.DraftOrderID)
	require.Empty(t, out.InvoiceID)
	require.Contains(t, out.Reason, "status=400")

	_, err = f.client.GetDraftOrder(context.Background(), out.DraftOrderID)
	require.True(t, ledger.IsNotFound(err), "draft should be gone, got %v", err)
	// Terminal rejections are not retried.
	require.Len(t, f.srv.Calls(http.MethodPost, "/v1/invoices"), 1)
}

func TestRun_DeleteTimeoutLeavesCompensationFailed(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusBadRequest})
	f.srv.Inject(ledgertest.Fault{Method: http.MethodDelete, Path: "/v1/draft-orders", Delay: 300 * time.Millisecond})

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCompensationFailed, out.Status)
	require.Equal(t, []string{StepCreateDraft}, out.FailedSteps)
	require.Empty(t, out.ReversedSteps)
	require.Equal(t, 1, f.srv.Drafts())
	require.Len(t, f.srv.Calls(http.MethodDelete, "/v1/draft-orders"), 3)

	deletes := f.srv.Calls(http.MethodDelete, "/v1/draft-orders")
	for _, call := range deletes[1:] {
		require.Equal(t, deletes[0].IdempotencyKey, call.IdempotencyKey)
	}
}

func TestRun_LostInvoiceResponseReusesInvoice(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Inject(ledgertest.Fault{
		Method: http.MethodPost,
		Path:   "/v1/invoices",
		Status: http.StatusBadGateway,
		Apply:  true,
		Times:  1,
	})

	first, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, first.Status)
	require.NotEmpty(t, first.InvoiceID)

	second, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.InvoiceID, second.InvoiceID)
	require.Equal(t, first.RunID, second.RunID)
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusPosted))

	posts := f.srv.Calls(http.MethodPost, "/v1/invoices")
	require.Len(t, posts, 2)
	require.Equal(t, posts[0].IdempotencyKey, posts[1].IdempotencyKey)
}

func TestRun_AmbiguousInvoiceFailureVoidsAppliedInvoice(t *testing.T) {
	f := newFixture(t, time.Second)
	// Every attempt is applied once and answered with a gateway timeout.
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusGatewayTimeout, Apply: true, Times: 3})

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, []string{StepPostInvoice, StepCreateDraft}, out.ReversedSteps)
	require.Equal(t, 0, f.srv.Invoices(ledger.InvoiceStatusPosted))
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusVoid))
	require.Equal(t, 0, f.srv.Drafts())
}

func TestRun_InvoiceTotalMismatchIsVoided(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.SkewInvoiceTotals("0.05")

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, StepPostInvoice, out.FailedStep)
	require.Contains(t, out.Reason, ErrInvoiceMismatch.Error())
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusVoid))
	require.Equal(t, 0, f.srv.Drafts())
}

func TestRun_RoundingDifferenceWithinMinorUnitCommits(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.SkewInvoiceTotals("0.01")

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, out.Status)
}

func TestRun_ValidationFailuresHaveNothingToUndo(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*ledgertest.Server)
		step  string
	}{
		{
			name:  "inactive customer",
			setup: func(s *ledgertest.Server) { s.AddCustomer("cust-1", false) },
			step:  StepVerifyCustomer,
		},
		{
			name:  "inactive item",
			setup: func(s *ledgertest.Server) { s.AddItem("sku-b", "2.50", false) },
			step:  StepCheckInventory,
		},
		{
			name:  "price drift",
			setup: func(s *ledgertest.Server) { s.AddItem("sku-a", "11.00", true) },
			step:  StepCheckInventory,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			tc.setup(f.srv)

			out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
			require.NoError(t, err)
			require.Equal(t, saga.StateRolledBack, out.Status)
			require.Equal(t, tc.step, out.FailedStep)
			require.Empty(t, out.ReversedSteps)
			require.Equal(t, 0, f.srv.Drafts())
		})
	}
}

func TestRun_UnknownCustomerIsTerminal(t *testing.T) {
	f := newFixture(t, time.Second)
	order, err := NewOrder("order-1", "ghost", "USD", decimal.Zero, []LineItem{
		{SKU: "sku-a", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
	}, 0)
	require.NoError(t, err)

	out, err := f.orch.Run(context.Background(), order, time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, StepVerifyCustomer, out.FailedStep)
	require.Len(t, f.srv.Calls(http.MethodGet, "/v1/customers/"), 1)
}

func TestRun_ExpiredDeadlineRollsBackWithoutCalls(t *testing.T) {
	f := newFixture(t, time.Second)

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Contains(t, out.Reason, "deadline")
	require.Empty(t, f.srv.Calls("", "/v1/"))
}

// slowRetries rebuilds the orchestrator with a backoff longer than the test deadlines.
func (f *fixture) slowRetries(t *testing.T) {
	t.Helper()
	api := ledger.NewReliableClient(f.client, nil, reliability.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    time.Second,
		Jitter:      func(d time.Duration) time.Duration { return d },
	}, nil, t.Logf)
	guard := idempotency.NewGuard(f.keys, idempotency.GuardConfig{Poll: time.Millisecond, Logf: t.Logf})
	f.orch = NewOrchestrator(api, guard, f.runs, Config{Logf: t.Logf})
}

func TestRun_DeadlineDuringDraftRetryDeletesAppliedDraft(t *testing.T) {
	f := newFixture(t, time.Second)
	f.slowRetries(t)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/draft-orders", Status: http.StatusGatewayTimeout, Apply: true, Times: 1})

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Now().Add(150*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, StepCreateDraft, out.FailedStep)
	require.Equal(t, []string{StepCreateDraft}, out.ReversedSteps)
	require.Equal(t, 0, f.srv.Drafts())

	creates := f.srv.Calls(http.MethodPost, "/v1/draft-orders")
	require.Len(t, creates, 2)
	require.Equal(t, creates[0].IdempotencyKey, creates[1].IdempotencyKey)
}

func TestRun_DeadlineDuringInvoiceRetryVoidsAppliedInvoice(t *testing.T) {
	f := newFixture(t, time.Second)
	f.slowRetries(t)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusGatewayTimeout, Apply: true, Times: 1})

	out, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Now().Add(150*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, out.Status)
	require.Equal(t, StepPostInvoice, out.FailedStep)
	require.Equal(t, []string{StepPostInvoice, StepCreateDraft}, out.ReversedSteps)
	require.Equal(t, 0, f.srv.Invoices(ledger.InvoiceStatusPosted))
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusVoid))
	require.Equal(t, 0, f.srv.Drafts())
}

func TestRun_RolledBackOrderRetriesUnderNewEpoch(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusBadRequest, Times: 1})

	first, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateRolledBack, first.Status)
	require.Equal(t, 0, first.Epoch)

	second, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, second.Status)
	require.Equal(t, 1, second.Epoch)
	require.NotEqual(t, first.DraftOrderID, second.DraftOrderID)

	creates := f.srv.Calls(http.MethodPost, "/v1/draft-orders")
	require.Len(t, creates, 2)
	require.NotEqual(t, creates[0].IdempotencyKey, creates[1].IdempotencyKey)
	require.Equal(t, idempotency.Key("order-1", StepCreateDraft, 1), creates[1].IdempotencyKey)
}

func TestRun_CompensationFailedRefusesRerun(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.srv.Inject(ledgertest.Fault{Method: http.MethodPost, Path: "/v1/invoices", Status: http.StatusBadRequest})
	f.srv.Inject(ledgertest.Fault{Method: http.MethodDelete, Path: "/v1/draft-orders", Status: http.StatusInternalServerError})

	first, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCompensationFailed, first.Status)

	f.srv.ClearFaults()
	second, err := f.orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.ErrorIs(t, err, ErrReconciliationRequired)
	require.Equal(t, first.RunID, second.RunID)
	require.Equal(t, saga.StateCompensationFailed, second.Status)
	require.Len(t, f.srv.Calls(http.MethodPost, "/v1/draft-orders"), 1)
}

func TestRun_InterruptedRunResumesSameEpoch(t *testing.T) {
	f := newFixture(t, time.Second)
	order := testOrder(t, "order-1")

	// A previous process created the draft and died before recording anything.
	stale := saga.NewRun("order-1", 0)
	stale.State = saga.StateRunning
	stale.StartedAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.runs.Save(context.Background(), stale))
	draft, err := f.client.CreateDraftOrder(context.Background(),
		idempotency.Key("order-1", StepCreateDraft, 0), f.orch.draftRequest(order))
	require.NoError(t, err)

	out, err := f.orch.Run(context.Background(), order, time.Time{})
	require.NoError(t, err)
	require.Equal(t, saga.StateCommitted, out.Status)
	require.Equal(t, 0, out.Epoch)
	require.Equal(t, draft.ID, out.DraftOrderID)
	require.Equal(t, 1, f.srv.Drafts())
}

func TestRun_ConcurrentSubmissionsShareOneRun(t *testing.T) {
	f := newFixture(t, time.Second)
	f.srv.Inject(ledgertest.Fault{Path: "/v1/customers", Delay: 100 * time.Millisecond, Pass: true, Times: 1})

	order := testOrder(t, "order-1")
	const callers = 5
	var wg sync.WaitGroup
	outs := make([]Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = f.orch.Run(context.Background(), order, time.Time{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, saga.StateCommitted, outs[i].Status)
		require.Equal(t, outs[0].InvoiceID, outs[i].InvoiceID)
	}
	require.Len(t, f.srv.Calls(http.MethodPost, "/v1/draft-orders"), 1)
	require.Equal(t, 1, f.srv.Invoices(ledger.InvoiceStatusPosted))
}

type failingRuns struct {
	*saga.MemoryStore
	fail bool
}

func (f *failingRuns) Save(ctx context.Context, run *saga.Run) error {
	if f.fail && run.State.Terminal() {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, run)
}

func TestRun_TerminalPersistenceFailureIsReported(t *testing.T) {
	f := newFixture(t, time.Second)
	runs := &failingRuns{MemoryStore: saga.NewMemoryStore(), fail: true}
	guard := idempotency.NewGuard(f.keys, idempotency.GuardConfig{Poll: time.Millisecond, Logf: t.Logf})
	api := ledger.NewReliableClient(f.client, nil, reliability.RetryPolicy{MaxAttempts: 1}, nil, t.Logf)
	orch := NewOrchestrator(api, guard, runs, Config{Logf: t.Logf})

	out, err := orch.Run(context.Background(), testOrder(t, "order-1"), time.Time{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, saga.StateCommitted, out.Status)
}

func TestMarkUnknown(t *testing.T) {
	ambiguous := &ledger.Error{Class: ledger.ClassAmbiguous, Op: "post_invoice"}
	rejected := &ledger.Error{Class: ledger.ClassTerminal, Op: "post_invoice", StatusCode: 400}
	throttled := &ledger.Error{Class: ledger.ClassRetryable, Op: "post_invoice", StatusCode: 429}

	require.ErrorIs(t, markUnknown(context.Background(), ambiguous), errOutcomeUnknown)
	require.NotErrorIs(t, markUnknown(context.Background(), rejected), errOutcomeUnknown)
	require.NotErrorIs(t, markUnknown(context.Background(), throttled), errOutcomeUnknown)

	// An open breaker alone means nothing was sent.
	require.NotErrorIs(t, markUnknown(context.Background(), reliability.ErrCircuitOpen), errOutcomeUnknown)

	// After a failed attempt it hides whether that attempt was applied.
	ctx, _ := reliability.WithAttempts(context.Background())
	calls := 0
	err := reliability.RetryPolicy{MaxAttempts: 3, ShouldRetry: ledger.IsRetryable}.Do(ctx, func() error {
		calls++
		if calls == 1 {
			return &ledger.Error{Class: ledger.ClassRetryable, Op: "post_invoice", StatusCode: 503}
		}
		return reliability.ErrCircuitOpen
	})
	require.ErrorIs(t, err, reliability.ErrCircuitOpen)
	require.ErrorIs(t, markUnknown(ctx, err), errOutcomeUnknown)

	// A deadline alone means nothing was sent; after a retry it hides the earlier attempt.
	require.NotErrorIs(t, markUnknown(context.Background(), context.DeadlineExceeded), errOutcomeUnknown)
	require.ErrorIs(t, markUnknown(ctx, context.DeadlineExceeded), errOutcomeUnknown)

	// The joined error from an abandoned retry keeps the gateway failure visible.
	joined := errors.Join(&ledger.Error{Class: ledger.ClassRetryable, Op: "create_draft_order", StatusCode: 504}, context.DeadlineExceeded)
	require.ErrorIs(t, markUnknown(context.Background(), joined), errOutcomeUnknown)
}

func TestClassify(t *testing.T) {
	require.Equal(t, "", Classify(nil))
	require.Equal(t, "ambiguous", Classify(&ledger.Error{Class: ledger.ClassAmbiguous}))
	require.Equal(t, "circuit_open", Classify(reliability.ErrCircuitOpen))
	require.Equal(t, "terminal", Classify(ErrInventoryMismatch))
	require.Equal(t, "deadline", Classify(context.DeadlineExceeded))
}
