package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"orderflow/internal/idempotency"
	"orderflow/internal/ledger"
	"orderflow/internal/reliability"
	"orderflow/internal/saga"
)

// Pipeline step names. Compensation keys use their own names so they never collide
// with forward keys.
const (
	StepVerifyCustomer = "verify-customer"
	StepCheckInventory = "check-inventory"
	StepCreateDraft    = "create-draft-order"
	StepPostInvoice    = "post-invoice"

	keyDeleteDraft = "delete-draft-order"
	keyVoidInvoice = "void-invoice"
)

var (
	// ErrCustomerInactive means the ledger knows the customer but will not bill them.
	ErrCustomerInactive = errors.New("customer is not active")
	// ErrInventoryMismatch means the catalog and the ledger disagree on an item.
	ErrInventoryMismatch = errors.New("inventory check failed")
	// ErrInvoiceMismatch means the posted invoice does not match the draft or the order total.
	ErrInvoiceMismatch = errors.New("invoice does not match order")
	// ErrReconciliationRequired means a previous run left ledger records that need an operator.
	ErrReconciliationRequired = errors.New("previous run requires manual reconciliation")

	errOutcomeUnknown = errors.New("ledger outcome unknown")
	errNoDraft        = errors.New("no draft order recorded")
)

// Outcome is the terminal result reported to callers.
type Outcome struct {
	Status        saga.State `json:"status"`
	OrderID       string     `json:"order_id"`
	RunID         string     `json:"run_id"`
	Epoch         int        `json:"epoch"`
	DraftOrderID  string     `json:"draft_order_id,omitempty"`
	InvoiceID     string     `json:"invoice_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	FailedStep    string     `json:"failed_step,omitempty"`
	FailedSteps   []string   `json:"failed_steps,omitempty"`
	ReversedSteps []string   `json:"reversed_steps,omitempty"`
	Replayed      bool       `json:"replayed"`
}

// OutcomeFromRun summarises a terminal run.
func OutcomeFromRun(run *saga.Run) Outcome {
	out := Outcome{
		Status:        run.State,
		OrderID:       run.OrderID,
		RunID:         run.ID,
		Epoch:         run.Epoch,
		Reason:        run.Reason,
		FailedStep:    run.FailedStep,
		ReversedSteps: append([]string(nil), run.Reversed...),
	}
	if res, ok := run.Result(StepCreateDraft); ok {
		out.DraftOrderID = res.ObjectID
	}
	if res, ok := run.Result(StepPostInvoice); ok {
		out.InvoiceID = res.ObjectID
	}
	switch {
	case run.State == saga.StateCompensationFailed:
		out.FailedSteps = append([]string(nil), run.FailedCompensations...)
	case run.FailedStep != "":
		out.FailedSteps = []string{run.FailedStep}
	}
	return out
}

// Config configures an Orchestrator.
type Config struct {
	DefaultDeadline time.Duration
	Sink            saga.Sink
	Now             func() time.Time
	Logf            func(string, ...any)
}

// Orchestrator runs the fulfillment saga for one order at a time per order id.
type Orchestrator struct {
	ledger   ledger.API
	guard    *idempotency.Guard
	runs     saga.RunStore
	manager  *saga.Manager
	group    singleflight.Group
	deadline time.Duration
	now      func() time.Time
	logf     func(string, ...any)
}

// NewOrchestrator wires the saga pipeline over api.
func NewOrchestrator(api ledger.API, guard *idempotency.Guard, runs saga.RunStore, cfg Config) *Orchestrator {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	o := &Orchestrator{
		ledger:   api,
		guard:    guard,
		runs:     runs,
		deadline: cfg.DefaultDeadline,
		now:      cfg.Now,
		logf:     cfg.Logf,
	}
	o.manager = saga.NewManager(saga.Config{
		Checkpoint: runs.Save,
		Sink:       cfg.Sink,
		Classify:   Classify,
		Now:        cfg.Now,
		Logf:       cfg.Logf,
	})
	return o
}

// Run executes the saga for order and returns its terminal outcome. A zero deadline
// uses the configured default. Concurrent calls for the same order id share one
// execution. The terminal run is persisted before Run returns; a persistence failure
// is returned alongside the outcome.
func (o *Orchestrator) Run(ctx context.Context, order Order, deadline time.Time) (Outcome, error) {
	v, err, _ := o.group.Do(order.ID(), func() (any, error) {
		out, err := o.run(ctx, order, deadline)
		return out, err
	})
	out, _ := v.(Outcome)
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, order Order, deadline time.Time) (Outcome, error) {
	if deadline.IsZero() {
		deadline = o.now().Add(o.deadline)
	}

	epoch, prev, err := o.nextEpoch(ctx, order.ID())
	if err != nil {
		return Outcome{}, err
	}
	if prev != nil {
		out := OutcomeFromRun(prev)
		if prev.State == saga.StateCommitted {
			out.Replayed = true
			o.logf("orders: order %s already committed by run %s, replaying outcome", order.ID(), prev.ID)
			return out, nil
		}
		o.logf("orders: order %s run %s is %s, refusing to re-run", order.ID(), prev.ID, prev.State)
		return out, fmt.Errorf("orders: order %s: %w", order.ID(), ErrReconciliationRequired)
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	run := saga.NewRun(order.ID(), epoch)
	o.logf("orders: run %s order %s epoch %d started", run.ID, order.ID(), epoch)
	run = o.manager.Execute(runCtx, run, o.steps(order, epoch))

	out := OutcomeFromRun(run)
	if err := o.runs.Save(context.WithoutCancel(ctx), run); err != nil {
		o.logf("orders: persist run %s (%s): %v", run.ID, run.State, err)
		return out, fmt.Errorf("orders: persist terminal run %s: %w", run.ID, err)
	}
	o.logf("orders: run %s order %s finished %s", run.ID, order.ID(), run.State)
	return out, nil
}

// nextEpoch decides how a new submission relates to the latest recorded run. A non-nil
// run means the caller must not start a new one.
func (o *Orchestrator) nextEpoch(ctx context.Context, orderID string) (int, *saga.Run, error) {
	prev, err := o.runs.Latest(ctx, orderID)
	if errors.Is(err, saga.ErrRunNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("orders: load latest run for %s: %w", orderID, err)
	}
	switch prev.State {
	case saga.StateCommitted, saga.StateCompensating, saga.StateCompensationFailed:
		return prev.Epoch, prev, nil
	case saga.StateRolledBack:
		// Keys of the rolled back epoch point at deleted ledger objects.
		return prev.Epoch + 1, nil, nil
	default:
		// Interrupted while running: same epoch, so completed calls replay.
		return prev.Epoch, nil, nil
	}
}

func (o *Orchestrator) steps(order Order, epoch int) []saga.Step {
	return []saga.Step{
		{
			Name:   StepVerifyCustomer,
			Action: func(ctx context.Context) (saga.StepResult, error) { return o.verifyCustomer(ctx, order) },
		},
		{
			Name:   StepCheckInventory,
			Action: func(ctx context.Context) (saga.StepResult, error) { return o.checkInventory(ctx, order) },
		},
		{
			Name: StepCreateDraft,
			Action: func(ctx context.Context) (saga.StepResult, error) {
				return o.createDraft(ctx, order, epoch)
			},
			Compensate: func(ctx context.Context, res saga.StepResult) error {
				return o.deleteDraft(ctx, order, epoch, res)
			},
			Uncertain: func(err error) bool { return errors.Is(err, errOutcomeUnknown) },
		},
		{
			Name: StepPostInvoice,
			Action: func(ctx context.Context) (saga.StepResult, error) {
				return o.postInvoice(ctx, order, epoch)
			},
			Compensate: func(ctx context.Context, res saga.StepResult) error {
				return o.voidInvoice(ctx, order, epoch, res)
			},
			Uncertain: func(err error) bool {
				return errors.Is(err, ErrInvoiceMismatch) || errors.Is(err, errOutcomeUnknown)
			},
		},
	}
}

func (o *Orchestrator) verifyCustomer(ctx context.Context, order Order) (saga.StepResult, error) {
	customer, err := o.ledger.GetCustomer(ctx, order.CustomerRef())
	if err != nil {
		return saga.StepResult{}, err
	}
	if !customer.Active {
		return saga.StepResult{}, fmt.Errorf("%w: %s", ErrCustomerInactive, order.CustomerRef())
	}
	return saga.StepResult{ObjectID: customer.Ref, Status: "active"}, nil
}

func (o *Orchestrator) checkInventory(ctx context.Context, order Order) (saga.StepResult, error) {
	items, err := o.ledger.LookupItems(ctx, order.SKUs())
	if err != nil {
		return saga.StepResult{}, err
	}
	bySKU := make(map[string]ledger.Item, len(items))
	for _, item := range items {
		bySKU[item.SKU] = item
	}
	for _, line := range order.Items() {
		item, ok := bySKU[line.SKU]
		switch {
		case !ok:
			return saga.StepResult{}, fmt.Errorf("%w: sku %s not found", ErrInventoryMismatch, line.SKU)
		case !item.Active:
			return saga.StepResult{}, fmt.Errorf("%w: sku %s is inactive", ErrInventoryMismatch, line.SKU)
		case !item.UnitPrice.Equal(line.UnitPrice):
			return saga.StepResult{}, fmt.Errorf("%w: sku %s priced %s by ledger, %s by order",
				ErrInventoryMismatch, line.SKU, item.UnitPrice, line.UnitPrice)
		case item.Currency != "" && item.Currency != order.Currency():
			return saga.StepResult{}, fmt.Errorf("%w: sku %s priced in %s, order in %s",
				ErrInventoryMismatch, line.SKU, item.Currency, order.Currency())
		}
	}
	return saga.StepResult{Status: "available"}, nil
}

func (o *Orchestrator) draftRequest(order Order) ledger.CreateDraftOrderRequest {
	items := order.Items()
	lines := make([]ledger.DraftLine, len(items))
	for i, item := range items {
		lines[i] = ledger.DraftLine{SKU: item.SKU, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	return ledger.CreateDraftOrderRequest{
		OrderID:     order.ID(),
		CustomerRef: order.CustomerRef(),
		Currency:    order.Currency(),
		TaxRate:     order.TaxRate(),
		Lines:       lines,
		Total:       order.Total(),
	}
}

func (o *Orchestrator) createDraft(ctx context.Context, order Order, epoch int) (saga.StepResult, error) {
	key := idempotency.Key(order.ID(), StepCreateDraft, epoch)
	req := o.draftRequest(order)
	out, replayed, err := o.guard.Do(ctx, key, order.ID(), StepCreateDraft, func(ctx context.Context) (idempotency.Outcome, error) {
		draft, err := o.ledger.CreateDraftOrder(ctx, key, req)
		if err != nil {
			return idempotency.Outcome{}, err
		}
		return idempotency.Outcome{ObjectID: draft.ID, Status: draft.Status}, nil
	})
	if err != nil {
		return saga.StepResult{}, markUnknown(ctx, err)
	}
	return saga.StepResult{ObjectID: out.ObjectID, Status: out.Status, Replayed: replayed}, nil
}

func (o *Orchestrator) deleteDraft(ctx context.Context, order Order, epoch int, res saga.StepResult) error {
	draftID := res.ObjectID
	if draftID == "" {
		// The create call may have been applied without us seeing the reply.
		// Re-issuing it under the same key makes the ledger return that draft.
		key := idempotency.Key(order.ID(), StepCreateDraft, epoch)
		draft, err := o.ledger.CreateDraftOrder(ctx, key, o.draftRequest(order))
		if err != nil {
			return fmt.Errorf("resolve draft for %s: %w", order.ID(), err)
		}
		draftID = draft.ID
	}

	key := idempotency.Key(order.ID(), keyDeleteDraft, epoch)
	_, _, err := o.guard.Do(ctx, key, order.ID(), keyDeleteDraft, func(ctx context.Context) (idempotency.Outcome, error) {
		if err := o.ledger.DeleteDraftOrder(ctx, key, draftID); err != nil {
			return idempotency.Outcome{}, err
		}
		return idempotency.Outcome{ObjectID: draftID, Status: "deleted"}, nil
	})
	return err
}

func (o *Orchestrator) invoiceRequest(order Order, draftID string) ledger.PostInvoiceRequest {
	return ledger.PostInvoiceRequest{
		DraftOrderID: draftID,
		OrderID:      order.ID(),
		Currency:     order.Currency(),
		Total:        order.Total(),
	}
}

func (o *Orchestrator) draftID(ctx context.Context, order Order, epoch int) (string, error) {
	out, ok, err := o.guard.Lookup(ctx, idempotency.Key(order.ID(), StepCreateDraft, epoch))
	if err != nil {
		return "", err
	}
	if !ok || out.ObjectID == "" {
		return "", fmt.Errorf("%w for %s epoch %d", errNoDraft, order.ID(), epoch)
	}
	return out.ObjectID, nil
}

func (o *Orchestrator) postInvoice(ctx context.Context, order Order, epoch int) (saga.StepResult, error) {
	draftID, err := o.draftID(ctx, order, epoch)
	if err != nil {
		return saga.StepResult{}, err
	}

	key := idempotency.Key(order.ID(), StepPostInvoice, epoch)
	req := o.invoiceRequest(order, draftID)
	var posted *ledger.Invoice
	out, replayed, err := o.guard.Do(ctx, key, order.ID(), StepPostInvoice, func(ctx context.Context) (idempotency.Outcome, error) {
		inv, err := o.ledger.PostInvoice(ctx, key, req)
		if err != nil {
			return idempotency.Outcome{}, err
		}
		posted = &inv
		return idempotency.Outcome{ObjectID: inv.ID, Status: inv.Status}, nil
	})
	if err != nil {
		return saga.StepResult{}, markUnknown(ctx, err)
	}
	res := saga.StepResult{ObjectID: out.ObjectID, Status: out.Status, Replayed: replayed}

	if posted == nil {
		inv, err := o.ledger.GetInvoice(ctx, out.ObjectID)
		if err != nil {
			// The invoice exists; an unverifiable one is voided.
			return res, fmt.Errorf("%w: verify invoice %s: %w", errOutcomeUnknown, out.ObjectID, err)
		}
		posted = &inv
	}
	if posted.DraftOrderID != draftID {
		return res, fmt.Errorf("%w: invoice %s references draft %s, expected %s",
			ErrInvoiceMismatch, posted.ID, posted.DraftOrderID, draftID)
	}
	if !WithinMinorUnit(posted.Total, order.Total(), order.Currency()) {
		return res, fmt.Errorf("%w: invoice %s total %s, order total %s",
			ErrInvoiceMismatch, posted.ID, posted.Total, order.Total())
	}
	return res, nil
}

func (o *Orchestrator) voidInvoice(ctx context.Context, order Order, epoch int, res saga.StepResult) error {
	invoiceID := res.ObjectID
	if invoiceID == "" {
		draftID, err := o.draftID(ctx, order, epoch)
		if err != nil {
			return fmt.Errorf("resolve invoice for %s: %w", order.ID(), err)
		}
		key := idempotency.Key(order.ID(), StepPostInvoice, epoch)
		inv, err := o.ledger.PostInvoice(ctx, key, o.invoiceRequest(order, draftID))
		if err != nil {
			return fmt.Errorf("resolve invoice for %s: %w", order.ID(), err)
		}
		invoiceID = inv.ID
	}

	key := idempotency.Key(order.ID(), keyVoidInvoice, epoch)
	_, _, err := o.guard.Do(ctx, key, order.ID(), keyVoidInvoice, func(ctx context.Context) (idempotency.Outcome, error) {
		if err := o.ledger.VoidInvoice(ctx, key, invoiceID); err != nil {
			return idempotency.Outcome{}, err
		}
		return idempotency.Outcome{ObjectID: invoiceID, Status: ledger.InvoiceStatusVoid}, nil
	})
	return err
}

// markUnknown tags err when the failed call may still have been applied, so the
// step is compensated. An open breaker or an ended context after earlier failed
// attempts hides whether one of those attempts went through.
func markUnknown(ctx context.Context, err error) error {
	if ledger.MayHaveApplied(err) || (retried(ctx) && interrupted(err)) {
		return fmt.Errorf("%w: %w", errOutcomeUnknown, err)
	}
	return err
}

func retried(ctx context.Context) bool {
	return reliability.AttemptsFrom(ctx).Retries() > 0
}

func interrupted(err error) bool {
	return errors.Is(err, reliability.ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Classify labels an error for logs, events and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if class, ok := ledger.ClassOf(err); ok {
		return class.String()
	}
	switch {
	case errors.Is(err, reliability.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, saga.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, ErrCustomerInactive), errors.Is(err, ErrInventoryMismatch),
		errors.Is(err, ErrInvoiceMismatch), errors.Is(err, ledger.ErrInvalidRequest):
		return "terminal"
	case errors.Is(err, saga.ErrCompensationFailed):
		return "compensation_failure"
	default:
		return "error"
	}
}
