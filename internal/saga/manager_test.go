package saga

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	calls  []string
	events []Event
	saved  []State
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) checkpoint(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, run.State)
	return nil
}

func (r *recorder) step(name string, fail error, compFail error) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context) (StepResult, error) {
			r.add("do:" + name)
			if fail != nil {
				return StepResult{}, fail
			}
			return StepResult{ObjectID: name + "-id"}, nil
		},
		Compensate: func(ctx context.Context, res StepResult) error {
			r.add("undo:" + name + ":" + res.ObjectID)
			return compFail
		},
	}
}

func readOnly(r *recorder, name string) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context) (StepResult, error) {
			r.add("do:" + name)
			return StepResult{}, nil
		},
	}
}

func newManager(t *testing.T, r *recorder) *Manager {
	return NewManager(Config{Checkpoint: r.checkpoint, Sink: r, Logf: t.Logf})
}

func TestExecute_CommitsWhenAllStepsSucceed(t *testing.T) {
	r := &recorder{}
	run := newManager(t, r).Execute(context.Background(), NewRun("order-1", 0), []Step{
		readOnly(r, "verify"),
		r.step("draft", nil, nil),
		r.step("invoice", nil, nil),
	})

	if run.State != StateCommitted || run.Err != nil || run.Reason != "" {
		t.Fatalf("unexpected run: state=%s err=%v reason=%q", run.State, run.Err, run.Reason)
	}
	if res, ok := run.Result("invoice"); !ok || res.ObjectID != "invoice-id" {
		t.Fatalf("expected invoice result, got %+v", res)
	}
	want := []string{"do:verify", "do:draft", "do:invoice"}
	if !reflect.DeepEqual(r.calls, want) {
		t.Fatalf("unexpected calls: %v", r.calls)
	}
	if run.EndedAt.Before(run.StartedAt) {
		t.Fatalf("expected end after start")
	}
	last := r.events[len(r.events)-1]
	if last.Phase != PhaseRun || last.Outcome != string(StateCommitted) {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestExecute_RollsBackInReverseOrder(t *testing.T) {
	r := &recorder{}
	boom := errors.New("400 bad request")
	run := newManager(t, r).Execute(context.Background(), NewRun("order-1", 0), []Step{
		readOnly(r, "verify"),
		r.step("draft", nil, nil),
		r.step("reserve", nil, nil),
		r.step("invoice", boom, nil),
	})

	if run.State != StateRolledBack {
		t.Fatalf("expected rolled back, got %s", run.State)
	}
	if !errors.Is(run.Err, ErrStepFailed) || !errors.Is(run.Err, boom) {
		t.Fatalf("expected step failure wrapping cause, got %v", run.Err)
	}
	if run.FailedStep != "invoice" {
		t.Fatalf("unexpected failed step %q", run.FailedStep)
	}
	want := []string{"do:verify", "do:draft", "do:reserve", "do:invoice", "undo:reserve:reserve-id", "undo:draft:draft-id"}
	if !reflect.DeepEqual(r.calls, want) {
		t.Fatalf("unexpected calls: %v", r.calls)
	}
	if !reflect.DeepEqual(run.Reversed, []string{"reserve", "draft"}) {
		t.Fatalf("unexpected reversed steps: %v", run.Reversed)
	}
	if run.Reason == "" {
		t.Fatalf("expected a human readable reason")
	}

	wantSaved := []State{StateRunning, StateRunning, StateRunning, StateRunning, StateCompensating, StateCompensating, StateCompensating}
	if !reflect.DeepEqual(r.saved, wantSaved) {
		t.Fatalf("unexpected checkpoints: %v", r.saved)
	}
}

func TestExecute_StopsAtFirstCompensationFailure(t *testing.T) {
	r := &recorder{}
	compErr := errors.New("delete timed out")
	run := newManager(t, r).Execute(context.Background(), NewRun("order-1", 0), []Step{
		r.step("draft", nil, nil),
		r.step("reserve", nil, compErr),
		r.step("invoice", errors.New("400"), nil),
	})

	if run.State != StateCompensationFailed {
		t.Fatalf("expected compensation failed, got %s", run.State)
	}
	var cf *CompensationFailedError
	if !errors.As(run.Err, &cf) || !errors.Is(run.Err, ErrCompensationFailed) {
		t.Fatalf("expected compensation failed error, got %v", run.Err)
	}
	if cf.FailedStep != "reserve" || !errors.Is(cf.CompensationError, compErr) {
		t.Fatalf("unexpected compensation error: %+v", cf)
	}
	if !reflect.DeepEqual(run.FailedCompensations, []string{"reserve", "draft"}) {
		t.Fatalf("unexpected failed compensations: %v", run.FailedCompensations)
	}
	for _, c := range r.calls {
		if c == "undo:draft:draft-id" {
			t.Fatalf("draft must not be compensated after an earlier compensation failed")
		}
	}
	if len(run.Reversed) != 0 {
		t.Fatalf("expected nothing reversed, got %v", run.Reversed)
	}
}

func TestExecute_BestEffortFailureContinues(t *testing.T) {
	r := &recorder{}
	notify := r.step("notify", errors.New("smtp down"), nil)
	notify.BestEffort = true

	run := newManager(t, r).Execute(context.Background(), NewRun("order-1", 0), []Step{
		r.step("draft", nil, nil),
		notify,
		r.step("invoice", nil, nil),
	})

	if run.State != StateCommitted {
		t.Fatalf("expected committed, got %s", run.State)
	}
	if _, ok := run.Result("notify"); ok {
		t.Fatalf("failed best-effort step must not be recorded as completed")
	}
	skipped := 0
	for _, ev := range r.events {
		if ev.Step == "notify" && ev.Outcome == OutcomeSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("expected one skipped event, got %d", skipped)
	}
}

func TestExecute_DeadlineBetweenStepsCompensatesDetached(t *testing.T) {
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var compCtxErr error
	draft := r.step("draft", nil, nil)
	draft.Action = func(context.Context) (StepResult, error) {
		r.add("do:draft")
		cancel()
		return StepResult{ObjectID: "draft-id"}, nil
	}
	draft.Compensate = func(ctx context.Context, res StepResult) error {
		compCtxErr = ctx.Err()
		r.add("undo:draft:" + res.ObjectID)
		return nil
	}

	run := newManager(t, r).Execute(ctx, NewRun("order-1", 0), []Step{draft, r.step("invoice", nil, nil)})

	if run.State != StateRolledBack {
		t.Fatalf("expected rolled back, got %s", run.State)
	}
	if !errors.Is(run.Err, ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", run.Err)
	}
	if compCtxErr != nil {
		t.Fatalf("compensation context must not be cancelled, got %v", compCtxErr)
	}
	want := []string{"do:draft", "undo:draft:draft-id"}
	if !reflect.DeepEqual(r.calls, want) {
		t.Fatalf("unexpected calls: %v", r.calls)
	}
}

func TestExecute_DeadlineAfterLastStepStillCommits(t *testing.T) {
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	last := r.step("invoice", nil, nil)
	last.Action = func(context.Context) (StepResult, error) {
		cancel()
		return StepResult{ObjectID: "inv"}, nil
	}

	run := newManager(t, r).Execute(ctx, NewRun("order-1", 0), []Step{last})
	if run.State != StateCommitted {
		t.Fatalf("expected committed, got %s", run.State)
	}
}

func TestExecute_UncertainFailureIsCompensated(t *testing.T) {
	r := &recorder{}
	timeout := errors.New("timeout")
	invoice := r.step("invoice", timeout, nil)
	invoice.Uncertain = func(err error) bool { return errors.Is(err, timeout) }

	run := newManager(t, r).Execute(context.Background(), NewRun("order-1", 0), []Step{
		r.step("draft", nil, nil),
		invoice,
	})

	if run.State != StateRolledBack {
		t.Fatalf("expected rolled back, got %s", run.State)
	}
	if !reflect.DeepEqual(run.Reversed, []string{"invoice", "draft"}) {
		t.Fatalf("unexpected reversed steps: %v", run.Reversed)
	}
}

func TestExecute_TerminalRunIsUnchanged(t *testing.T) {
	r := &recorder{}
	run := NewRun("order-1", 0)
	run.State = StateCommitted

	got := newManager(t, r).Execute(context.Background(), run, []Step{r.step("draft", nil, nil)})
	if got != run || got.State != StateCommitted || len(r.calls) != 0 {
		t.Fatalf("terminal run must not execute, calls=%v", r.calls)
	}
}

func TestExecute_PanickingSinkDoesNotBreakRun(t *testing.T) {
	r := &recorder{}
	m := NewManager(Config{
		Sink: SinkFunc(func(context.Context, Event) error { panic("sink exploded") }),
		Logf: t.Logf,
	})

	run := m.Execute(context.Background(), NewRun("order-1", 0), []Step{r.step("draft", nil, nil)})
	if run.State != StateCommitted {
		t.Fatalf("expected committed, got %s", run.State)
	}
}

func TestExecute_EventsCarryRetriesAndClass(t *testing.T) {
	r := &recorder{}
	m := NewManager(Config{
		Sink:     r,
		Classify: func(err error) string { return "terminal" },
		Logf:     t.Logf,
	})
	run := m.Execute(context.Background(), NewRun("order-1", 2), []Step{r.step("draft", errors.New("400"), nil)})

	var forward *Event
	for i := range r.events {
		if r.events[i].Phase == PhaseForward {
			forward = &r.events[i]
		}
	}
	if forward == nil {
		t.Fatalf("expected a forward event")
	}
	if forward.Class != "terminal" || forward.Outcome != OutcomeFailed || forward.Epoch != 2 || forward.RunID != run.ID {
		t.Fatalf("unexpected event: %+v", forward)
	}
}

func TestRunClone_IsDeep(t *testing.T) {
	run := NewRun("order-1", 0)
	run.Completed = []CompletedStep{{Name: "draft"}}
	clone := run.Clone()
	clone.Completed[0].Name = "changed"
	if run.Completed[0].Name != "draft" {
		t.Fatalf("clone shares completed slice")
	}
}

func TestTruncateError(t *testing.T) {
	if got := TruncateError(errors.New("abcdefghij"), 6); got != "abc..." {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := TruncateError(nil, 6); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
