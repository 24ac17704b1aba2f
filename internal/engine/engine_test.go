package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/actions"
	"github.com/rendis/flowcore/internal/dataengine"
	"github.com/rendis/flowcore/internal/idempotency"
	"github.com/rendis/flowcore/internal/metadata"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

type actionFunc func(in actions.ActionInput) (map[string]any, error)

type fakeActions struct {
	mu    sync.Mutex
	fns   map[string]actionFunc
	calls []string
}

func newFakeActions() *fakeActions {
	return &fakeActions{fns: make(map[string]actionFunc)}
}

func (f *fakeActions) On(name string, fn actionFunc) { f.fns[name] = fn }

func (f *fakeActions) Run(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in.Action)
	fn := f.fns[in.Action]
	f.mu.Unlock()
	if fn == nil {
		return &actions.ActionOutput{Data: map[string]any{"action": in.Action}}, nil
	}
	data, err := fn(in)
	if err != nil {
		return nil, err
	}
	return &actions.ActionOutput{Data: data}, nil
}

func (f *fakeActions) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeActions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingLifecycle struct {
	mu     sync.Mutex
	events []schema.LifecycleEvent
}

func (r *recordingLifecycle) PublishEvent(_ context.Context, _ string, ev schema.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingLifecycle) Types(execID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.ExecutionID == execID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type conceptMap map[string]*schema.Concept

func (m conceptMap) GetConcept(_ context.Context, id string) (*schema.Concept, error) {
	c, ok := m[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "concept not found: %s", id)
	}
	return c, nil
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// after fires immediately and keeps the requested delay.
func (d *delayRecorder) after(delay time.Duration, f func()) func() bool {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	f()
	return func() bool { return false }
}

func (d *delayRecorder) Delays() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

type fixture struct {
	engine    *Engine
	catalog   *metadata.Catalog
	actions   *fakeActions
	delays    *delayRecorder
	lifecycle *recordingLifecycle
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	catalog := metadata.NewCatalog(metadata.NewKVRepository(kv))
	v, err := validation.New()
	require.NoError(t, err)

	f := &fixture{
		catalog:   catalog,
		actions:   newFakeActions(),
		delays:    &delayRecorder{},
		lifecycle: &recordingLifecycle{},
	}
	base := []Option{
		WithValidator(v),
		WithActions(f.actions),
		WithIdempotency(idempotency.New(kv)),
		WithRules(rules.New(catalog)),
		WithLifecycle(f.lifecycle),
	}
	f.engine = New(kv, catalog, append(base, opts...)...)
	f.engine.after = f.delays.after
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func (f *fixture) register(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, f.engine.RegisterWorkflow(context.Background(), def))
}

func waitStatus(t *testing.T, e *Engine, id string, status schema.ExecutionStatus) *schema.Execution {
	t.Helper()
	var exec *schema.Execution
	require.Eventually(t, func() bool {
		got, err := e.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		exec = got
		return got.Status == status
	}, 3*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, status)
	return exec
}

func linear(id string, steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	for i := range steps {
		if i+1 < len(steps) && steps[i].Next == "" && steps[i].Type != schema.StepTypeEnd {
			steps[i].Next = steps[i+1].ID
		}
	}
	return &schema.WorkflowDefinition{ID: id, Name: id, Steps: steps}
}

func action(id, name string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeAction, Action: name}
}

func end() schema.StepDefinition {
	return schema.StepDefinition{ID: "done", Type: schema.StepTypeEnd}
}

func historyStatuses(exec *schema.Execution, stepID string) []string {
	var out []string
	for _, h := range exec.History {
		if h.StepID == stepID {
			out = append(out, h.Status)
		}
	}
	return out
}

func TestEngine_RunsActionsToCompletion(t *testing.T) {
	f := newFixture(t)
	f.actions.On("Echo", func(in actions.ActionInput) (map[string]any, error) {
		return map[string]any{"echo": in.Params["value"]}, nil
	})
	step := action("echo", "Echo")
	step.Params = map[string]any{"value": "${inputs.name}"}
	f.register(t, linear("echo-flow", step, end()))

	exec, err := f.engine.StartExecution(context.Background(), "echo-flow", map[string]any{"name": "ada"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTriggeredBy, exec.TriggeredBy)
	assert.Equal(t, exec.ID, exec.IdempotencyKey)
	assert.Equal(t, "echo", exec.CurrentStep)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)
	require.NotNil(t, done.CompletedAt)
	result, ok := done.Context["echo_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, map[string]any{"echo": "ada"}, result["data"])
	assert.Equal(t, []string{schema.HistoryStarted, schema.HistorySucceeded}, historyStatuses(done, "echo"))

	require.Eventually(t, func() bool {
		return len(f.lifecycle.Types(exec.ID)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowCompleted}, f.lifecycle.Types(exec.ID))
}

func TestEngine_UnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.StartExecution(context.Background(), "missing", nil, "", "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = f.engine.GetExecution(context.Background(), "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEngine_RejectsCyclicWorkflows(t *testing.T) {
	f := newFixture(t)
	a := action("a", "A")
	a.Next = "b"
	b := action("b", "B")
	b.Next = "a"
	def := &schema.WorkflowDefinition{ID: "loop", Name: "loop", Steps: []schema.StepDefinition{a, b}}

	err := f.engine.RegisterWorkflow(context.Background(), def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// stored behind the engine's back, it still never starts
	require.NoError(t, f.catalog.SaveWorkflow(context.Background(), def))
	_, err = f.engine.StartExecution(context.Background(), "loop", nil, "", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))

	all, err := f.engine.ListExecutions(context.Background(), ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.actions.Calls())
}

func TestEngine_ConcurrentStartsShareOneExecution(t *testing.T) {
	f := newFixture(t)
	f.register(t, linear("charge", action("charge", "Charge"), end()))

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := f.engine.StartExecution(context.Background(), "charge", map[string]any{"amount": 10}, "api", "order-42")
			if assert.NoError(t, err) {
				ids[i] = exec.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	waitStatus(t, f.engine, ids[0], schema.ExecutionCompleted)

	again, err := f.engine.StartExecution(context.Background(), "charge", map[string]any{"amount": 99}, "api", "order-42")
	require.NoError(t, err)
	assert.Equal(t, ids[0], again.ID)
	assert.Equal(t, schema.ExecutionCompleted, again.Status)
	assert.Equal(t, 1, f.actions.Count("Charge"))
}

func TestEngine_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	calls := 0
	f.actions.On("Post", func(actions.ActionInput) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, schema.NewError(schema.ErrCodeTransient, "ledger busy")
		}
		return map[string]any{"posted": true}, nil
	})
	f.register(t, linear("post", action("post", "Post"), end()))

	exec, err := f.engine.StartExecution(context.Background(), "post", nil, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.delays.Delays())
	assert.Equal(t, 2, done.RetryAttempts["post"])
	assert.Equal(t, 3, f.actions.Count("Post"))
	assert.Contains(t, historyStatuses(done, "post"), schema.HistoryRetrying)
	assert.Empty(t, done.Error)
	assert.Contains(t, f.lifecycle.Types(exec.ID), schema.EventWorkflowStepRetry)
}

func TestEngine_CompensatesAfterPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.actions.On("Charge", func(actions.ActionInput) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodePermanent, "card declined")
	})
	var snapshot map[string]any
	f.actions.On("ReleaseStock", func(in actions.ActionInput) (map[string]any, error) {
		snapshot = in.Context
		return nil, nil
	})
	reserve := action("reserve", "ReserveStock")
	reserve.Compensation = "ReleaseStock"
	f.register(t, linear("order", reserve, action("charge", "Charge"), end()))

	exec, err := f.engine.StartExecution(context.Background(), "order", map[string]any{"sku": "A-1"}, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Contains(t, done.Error, "card declined")
	assert.NotNil(t, done.CompensatedAt)
	assert.Equal(t, 1, f.actions.Count("ReleaseStock"))
	assert.Equal(t, 1, f.actions.Count("Charge"))
	assert.Equal(t, "A-1", snapshot["sku"])
	assert.Contains(t, snapshot, "reserve_result")
	assert.NotContains(t, snapshot, "charge_result")
	assert.Equal(t, []string{schema.HistoryStarted, schema.HistorySucceeded, schema.HistoryCompensated}, historyStatuses(done, "reserve"))
}

func TestEngine_CompensationRunsInReverseAndSurvivesFailures(t *testing.T) {
	f := newFixture(t)
	f.actions.On("Ship", func(actions.ActionInput) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "no carrier")
	})
	f.actions.On("UndoB", func(actions.ActionInput) (map[string]any, error) {
		return nil, errors.New("undo b failed")
	})
	a := action("a", "A")
	a.Compensation = "UndoA"
	b := action("b", "B")
	b.Compensation = "UndoB"
	f.register(t, linear("saga", a, b, action("ship", "Ship"), end()))

	exec, err := f.engine.StartExecution(context.Background(), "saga", nil, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Equal(t, []string{"A", "B", "Ship", "UndoB", "UndoA"}, f.actions.Calls())
	assert.Contains(t, historyStatuses(done, "b"), schema.HistoryCompFailed)
	assert.Contains(t, historyStatuses(done, "a"), schema.HistoryCompensated)
	assert.Contains(t, done.Error, "no carrier")
}

func TestEngine_ExhaustedRetriesCompensate(t *testing.T) {
	f := newFixture(t)
	f.actions.On("Post", func(actions.ActionInput) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeTransient, "timeout talking to ledger")
	})
	step := action("post", "Post")
	step.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 50}
	f.register(t, linear("post", step, end()))

	exec, err := f.engine.StartExecution(context.Background(), "post", nil, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Equal(t, 2, f.actions.Count("Post"))
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, f.delays.Delays())
	assert.Contains(t, done.Error, schema.ErrCodeRetryExhausted)
	assert.Contains(t, done.Error, "timeout talking to ledger")
}

func TestEngine_OpenCircuitSkipsTheAction(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		f.engine.Breakers().RecordFailure("Charge")
	}
	step := action("charge", "Charge")
	step.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 1}
	f.register(t, linear("charge", step, end()))

	exec, err := f.engine.StartExecution(context.Background(), "charge", nil, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Contains(t, done.Error, schema.ErrCodeCircuitOpen)
	assert.Zero(t, f.actions.Count("Charge"))
}

func TestEngine_EmitsCircuitOpened(t *testing.T) {
	hub := streaming.NewMemoryHub(64)
	cfg := DefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 2
	f := newFixture(t, WithHub(hub), WithConfig(cfg))

	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{Topics: []string{streaming.TopicWorkflow}})
	require.NoError(t, err)
	defer cancel()

	f.actions.On("Charge", func(actions.ActionInput) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeTransient, "gateway down")
	})
	step := action("charge", "Charge")
	step.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 1}
	f.register(t, linear("charge", step, end()))

	exec, err := f.engine.StartExecution(context.Background(), "charge", nil, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)

	assert.Equal(t, CircuitOpen, f.engine.Breakers().GetState("Charge"))
	var seen []string
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen = append(seen, ev.Type)
			default:
				for _, s := range seen {
					if s == schema.EventCircuitOpened {
						return true
					}
				}
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_GuardRuleSet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.catalog.SaveRuleSet(context.Background(), &schema.RuleSet{
		ID: "small-orders",
		Rules: []schema.Rule{{
			ID:        "under-100",
			Condition: &schema.Condition{Type: schema.ConditionComparison, Field: "amount", Operator: "<", Value: 100},
			Outcome:   map[string]any{"allow": true},
		}},
	}))
	step := action("ship", "Ship")
	step.GuardRuleSet = "small-orders"
	f.register(t, linear("ship", step, end()))

	ok, err := f.engine.StartExecution(context.Background(), "ship", map[string]any{"amount": 20}, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, ok.ID, schema.ExecutionCompleted)

	rejected, err := f.engine.StartExecution(context.Background(), "ship", map[string]any{"amount": 500}, "", "")
	require.NoError(t, err)
	done := waitStatus(t, f.engine, rejected.ID, schema.ExecutionCompensated)
	assert.Contains(t, done.Error, schema.ErrCodeGuardRejected)
	assert.Equal(t, 1, f.actions.Count("Ship"))
}

func invoiceConcept() conceptMap {
	return conceptMap{"Invoice": {
		ID: "Invoice",
		States: []schema.ConceptState{
			{ID: "pending", AllowedTransitions: []string{"approved", "rejected"}},
			{ID: "approved", AllowedTransitions: []string{"paid"}},
			{ID: "rejected"},
			{ID: "paid"},
		},
	}}
}

func approveInvoiceFlow() *schema.WorkflowDefinition {
	step := schema.StepDefinition{
		ID:   "approve",
		Type: schema.StepTypeAction,
		DB: &schema.DBBinding{
			Action:      schema.DataUpdate,
			Resource:    "invoices",
			TargetState: "approved",
			Params: map[string]any{
				"filter": map[string]any{"id": "${inputs.invoiceId}"},
				"patch":  map[string]any{"approvedBy": "ops"},
			},
		},
		RetryPolicy: &schema.RetryPolicy{MaxAttempts: 1},
	}
	def := linear("approve-invoice", step, end())
	def.Concept = "Invoice"
	return def
}

func TestEngine_StateTransitionGuard(t *testing.T) {
	tests := []struct {
		name      string
		rows      []map[string]any
		status    schema.ExecutionStatus
		wantState string
	}{
		{"allowed", []map[string]any{{"id": "inv-1", "state": "pending"}}, schema.ExecutionCompleted, "approved"},
		{"not declared", []map[string]any{{"id": "inv-1", "state": "paid"}}, schema.ExecutionCompensated, "paid"},
		{"unknown current state", []map[string]any{{"id": "inv-1", "state": "archived"}}, schema.ExecutionCompensated, "archived"},
		{"missing state", []map[string]any{{"id": "inv-1"}}, schema.ExecutionCompensated, ""},
		{"no row", nil, schema.ExecutionCompensated, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := dataengine.NewMemoryEngine()
			data.Seed("invoices", tc.rows...)
			f := newFixture(t, WithDataEngine(data), WithConcepts(invoiceConcept()))
			f.register(t, approveInvoiceFlow())

			exec, err := f.engine.StartExecution(context.Background(), "approve-invoice", map[string]any{"invoiceId": "inv-1"}, "", "")
			require.NoError(t, err)
			done := waitStatus(t, f.engine, exec.ID, tc.status)

			if tc.status == schema.ExecutionCompensated {
				assert.Contains(t, done.Error, schema.ErrCodeInvalidTransition)
			}
			rows := data.Rows("invoices")
			if len(tc.rows) == 0 {
				assert.Empty(t, rows)
				return
			}
			state, _ := rows[0]["state"].(string)
			assert.Equal(t, tc.wantState, state)
			if tc.status == schema.ExecutionCompleted {
				assert.Equal(t, "ops", rows[0]["approvedBy"])
			} else {
				assert.NotContains(t, rows[0], "approvedBy")
			}
		})
	}
}

func TestEngine_StateGuardWithoutConceptSourceRejects(t *testing.T) {
	data := dataengine.NewMemoryEngine()
	data.Seed("invoices", map[string]any{"id": "inv-1", "state": "pending"})
	f := newFixture(t, WithDataEngine(data))
	f.register(t, approveInvoiceFlow())

	exec, err := f.engine.StartExecution(context.Background(), "approve-invoice", map[string]any{"invoiceId": "inv-1"}, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Equal(t, "pending", data.Rows("invoices")[0]["state"])
}

func TestEngine_CreateSetsTargetState(t *testing.T) {
	data := dataengine.NewMemoryEngine()
	f := newFixture(t, WithDataEngine(data), WithConcepts(invoiceConcept()))
	def := linear("register-invoice", schema.StepDefinition{
		ID:   "create",
		Type: schema.StepTypeAction,
		DB: &schema.DBBinding{
			Action:      schema.DataCreate,
			Resource:    "invoices",
			TargetState: "pending",
			Params:      map[string]any{"record": map[string]any{"number": "${inputs.number}"}},
		},
	}, end())
	def.Concept = "Invoice"
	f.register(t, def)

	exec, err := f.engine.StartExecution(context.Background(), "register-invoice", map[string]any{"number": "F-7"}, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)

	rows := data.Rows("invoices")
	require.Len(t, rows, 1)
	assert.Equal(t, "pending", rows[0]["state"])
	assert.Equal(t, "F-7", rows[0]["number"])
}

func TestEngine_StepLock(t *testing.T) {
	f := newFixture(t)
	def := linear("locked", action("post", "Post"), end())
	def.Steps[0].RequiresLock = true
	step := &def.Steps[0]
	exec := &schema.Execution{ID: "exec-1", Context: map[string]any{}, RetryAttempts: map[string]int{}}

	key := LockKey("exec-1", "post")
	require.True(t, f.engine.Locks().Acquire(key, time.Minute))
	_, err := f.engine.invokeAction(context.Background(), exec, def, step)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeLockHeld))
	assert.Zero(t, f.actions.Count("Post"))

	f.engine.Locks().Release(key)
	_, err = f.engine.invokeAction(context.Background(), exec, def, step)
	require.NoError(t, err)
	assert.False(t, f.engine.Locks().Held(key))
	assert.Empty(t, exec.Locks)

	f.actions.On("Post", func(actions.ActionInput) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	_, err = f.engine.invokeAction(context.Background(), exec, def, step)
	require.Error(t, err)
	assert.False(t, f.engine.Locks().Held(key), "lock released after failure")
}

func TestEngine_HumanTaskTimeoutViaRecover(t *testing.T) {
	f := newFixture(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f.engine.now = clock.Now

	review := action("reserve", "Reserve")
	review.Compensation = "Unreserve"
	task := schema.StepDefinition{ID: "review", Type: schema.StepTypeHumanTask, TaskType: "review", Timeout: "1h"}
	f.register(t, linear("review", review, task, end()))

	exec, err := f.engine.StartExecution(context.Background(), "review", nil, "", "")
	require.NoError(t, err)
	waiting := waitStatus(t, f.engine, exec.ID, schema.ExecutionWaiting)
	require.NotNil(t, waiting.WaitingFor)
	require.NotNil(t, waiting.WaitingFor.TimeoutAt)
	assert.True(t, waiting.WaitingFor.TimeoutAt.Equal(clock.Now().Add(time.Hour)))

	n, err := f.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = f.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)
	assert.Contains(t, done.Error, schema.ErrCodeTimeout)
	assert.Nil(t, done.WaitingFor)
	assert.Equal(t, 1, f.actions.Count("Unreserve"))
}

func TestEngine_RecoverResumesStaleExecutions(t *testing.T) {
	f := newFixture(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f.engine.now = clock.Now
	f.register(t, linear("resume", action("a", "A"), end()))

	// an execution persisted by a process that died mid-run
	stale := &schema.Execution{
		ID: "stale-1", WorkflowID: "resume", Status: schema.ExecutionRunning, CurrentStep: "a",
		Context: map[string]any{}, RetryAttempts: map[string]int{}, StartedAt: clock.Now(),
	}
	f.engine.save(context.Background(), stale)

	n, err := f.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(DefaultStaleAfter + time.Second)
	n, err = f.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitStatus(t, f.engine, "stale-1", schema.ExecutionCompleted)
	assert.Equal(t, 1, f.actions.Count("A"))
}

func TestEngine_CompleteHumanTaskRequiresWaiting(t *testing.T) {
	f := newFixture(t)
	f.register(t, linear("quick", action("a", "A"), end()))
	exec, err := f.engine.StartExecution(context.Background(), "quick", nil, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)

	_, err = f.engine.CompleteHumanTask(context.Background(), exec.ID, map[string]any{"approved": true})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = f.engine.CompleteHumanTask(context.Background(), "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEngine_HealthAndListing(t *testing.T) {
	f := newFixture(t)
	report := f.engine.Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Metrics.OpenCircuitBreakers)

	f.register(t, linear("ok", action("a", "A"), end()))
	task := schema.StepDefinition{ID: "wait", Type: schema.StepTypeHumanTask, Next: "done"}
	f.register(t, linear("parked", task, end()))

	done, err := f.engine.StartExecution(context.Background(), "ok", nil, "", "")
	require.NoError(t, err)
	parked, err := f.engine.StartExecution(context.Background(), "parked", nil, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, done.ID, schema.ExecutionCompleted)
	waitStatus(t, f.engine, parked.ID, schema.ExecutionWaiting)

	all, err := f.engine.ListExecutions(context.Background(), ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	waiting, err := f.engine.ListExecutions(context.Background(), ExecutionFilter{Status: schema.ExecutionWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, parked.ID, waiting[0].ID)
	byWorkflow, err := f.engine.ListExecutions(context.Background(), ExecutionFilter{WorkflowID: "ok"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, done.ID, byWorkflow[0].ID)

	report = f.engine.Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, 1, report.Metrics.Waiting)
	assert.Equal(t, 1, report.Metrics.Completed)

	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		f.engine.Breakers().RecordFailure("A")
	}
	report = f.engine.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, []string{"A"}, report.Metrics.OpenCircuitBreakers)
}

type failingExecStore struct {
	*store.MemoryStore
}

func (s failingExecStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.HasPrefix(key, execPrefix) {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, key, value, ttl)
}

func TestEngine_PersistenceFailureKeepsRunning(t *testing.T) {
	catalog := metadata.NewCatalog(metadata.NewKVRepository(store.NewMemoryStore()))
	acts := newFakeActions()
	e := New(failingExecStore{store.NewMemoryStore()}, catalog, WithActions(acts))
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.RegisterWorkflow(context.Background(), linear("flow", action("a", "A"), end())))

	exec, err := e.StartExecution(context.Background(), "flow", nil, "", "")
	require.NoError(t, err)
	waitStatus(t, e, exec.ID, schema.ExecutionCompleted)
	assert.Equal(t, 1, acts.Count("A"))

	all, err := e.ListExecutions(context.Background(), ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_ExecuteNextStep(t *testing.T) {
	f := newFixture(t)
	f.register(t, linear("manual", action("a", "A"), end()))
	stepper := &schema.Execution{
		ID: "manual-1", WorkflowID: "manual", Status: schema.ExecutionRunning, CurrentStep: "a",
		Context: map[string]any{}, RetryAttempts: map[string]int{}, StartedAt: time.Now(),
	}
	f.engine.save(context.Background(), stepper)

	require.NoError(t, f.engine.ExecuteNextStep(context.Background(), "manual-1"))
	waitStatus(t, f.engine, "manual-1", schema.ExecutionCompleted)
	assert.Equal(t, 1, f.actions.Count("A"))

	// terminal executions are left alone
	require.NoError(t, f.engine.ExecuteNextStep(context.Background(), "manual-1"))
	assert.Equal(t, 1, f.actions.Count("A"))
}

func TestEngine_NonRetryableDataFailureCompensatesAtOnce(t *testing.T) {
	data := dataengine.NewMemoryEngine()
	data.Seed("invoices", map[string]any{"id": "inv-1", "state": "pending"})
	f := newFixture(t, WithDataEngine(data))
	f.register(t, linear("wipe-invoices", schema.StepDefinition{
		ID:   "wipe",
		Type: schema.StepTypeAction,
		DB: &schema.DBBinding{
			Action:   schema.DataUpdate,
			Resource: "invoices",
			Params:   map[string]any{"patch": map[string]any{"state": "void"}},
		},
		RetryPolicy: &schema.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10},
	}, end()))

	exec, err := f.engine.StartExecution(context.Background(), "wipe-invoices", nil, "", "")
	require.NoError(t, err)
	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)

	assert.Contains(t, done.Error, schema.ErrCodePermanent)
	assert.NotContains(t, done.Error, schema.ErrCodeRetryExhausted)
	assert.Empty(t, f.delays.Delays())
	assert.Zero(t, done.RetryAttempts["wipe"])
	assert.Equal(t, "pending", data.Rows("invoices")[0]["state"])
}

func TestEngine_DBStepWithoutDataEngineIsPermanent(t *testing.T) {
	f := newFixture(t)
	step := approveInvoiceFlow().Steps[0]
	step.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 10}
	step.DB.TargetState = ""
	f.register(t, linear("approve-unbound", step, end()))

	exec, err := f.engine.StartExecution(context.Background(), "approve-unbound", map[string]any{"invoiceId": "inv-1"}, "", "")
	require.NoError(t, err)
	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompensated)

	assert.Contains(t, done.Error, schema.ErrCodePermanent)
	assert.Empty(t, f.delays.Delays())
}

func TestConfig_CompleteTTLNeverShorterThanReserve(t *testing.T) {
	d := DefaultConfig()
	assert.GreaterOrEqual(t, d.CompleteTTL, d.ReserveTTL)

	cfg := Config{ReserveTTL: 2 * time.Hour, CompleteTTL: time.Minute}
	cfg.setDefaults()
	assert.Equal(t, 2*time.Hour, cfg.CompleteTTL)

	cfg = Config{CompleteTTL: time.Hour}
	cfg.setDefaults()
	assert.Equal(t, DefaultReserveTTL, cfg.ReserveTTL)
	assert.Equal(t, DefaultReserveTTL, cfg.CompleteTTL)

	cfg = Config{ReserveTTL: time.Hour, CompleteTTL: 48 * time.Hour}
	cfg.setDefaults()
	assert.Equal(t, 48*time.Hour, cfg.CompleteTTL)
}

func TestEngine_CompletedKeyKeepsReserveWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReserveTTL = 3 * time.Hour
	cfg.CompleteTTL = time.Minute
	f := newFixture(t, WithConfig(cfg))
	f.register(t, linear("pay", action("pay", "Pay"), end()))

	exec, err := f.engine.StartExecution(context.Background(), "pay", nil, "", "order-7")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)

	var rec *idempotency.Record
	require.Eventually(t, func() bool {
		rec, err = f.engine.idem.Lookup(context.Background(), "order-7")
		return err == nil && rec != nil && rec.Status == idempotency.StatusComplete
	}, time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(3*time.Hour), rec.ExpiresAt, time.Minute)
}
