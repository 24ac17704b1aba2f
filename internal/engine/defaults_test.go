package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func TestDefaultWorkflows_AreValid(t *testing.T) {
	v, err := validation.New()
	require.NoError(t, err)
	for _, def := range DefaultWorkflows() {
		assert.NoError(t, v.ValidateWorkflow(def), def.ID)
	}
}

func seededFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, rules.New(f.catalog).Seed(context.Background()))
	require.NoError(t, f.engine.Seed(context.Background()))
	// seeding twice leaves stored definitions alone
	require.NoError(t, f.engine.Seed(context.Background()))
	return f
}

func TestInvoiceProcessing_HighAmountNeedsCFO(t *testing.T) {
	f := seededFixture(t)
	ctx := context.Background()

	started, err := f.engine.Trigger(ctx, "InvoiceReceived", map[string]any{"amount": 150000, "vendor": map[string]any{"risk": "Low"}}, "", "evt-1")
	require.NoError(t, err)
	require.Len(t, started, 1)
	exec := started[0]
	assert.Equal(t, "invoice-processing", exec.WorkflowID)
	assert.Equal(t, "event:InvoiceReceived", exec.TriggeredBy)
	assert.Equal(t, "evt-1:invoice-processing", exec.IdempotencyKey)

	waiting := waitStatus(t, f.engine, exec.ID, schema.ExecutionWaiting)
	assert.Equal(t, "await-approval", waiting.CurrentStep)
	assert.Equal(t, "CFO", waiting.Context["approvalLevel"])
	require.NotNil(t, waiting.WaitingFor)
	assert.Equal(t, "CFO", waiting.WaitingFor.AssignedTo)
	assert.Equal(t, "approval", waiting.WaitingFor.TaskType)
	assert.NotNil(t, waiting.WaitingFor.TimeoutAt)

	// the same event does not start a second run
	again, err := f.engine.Trigger(ctx, "InvoiceReceived", map[string]any{"amount": 150000}, "", "evt-1")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, exec.ID, again[0].ID)

	resumed, err := f.engine.CompleteHumanTask(ctx, exec.ID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, "check-approval-result", resumed.CurrentStep)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)
	assert.Contains(t, done.Context, "post-accounting_result")
	assert.NotContains(t, done.Context, "reject-invoice_result")
	assert.Equal(t, 1, f.actions.Count("PostAccountingEntry"))
	assert.Contains(t, f.lifecycle.Types(exec.ID), schema.EventWorkflowResumed)
}

func TestInvoiceProcessing_RejectedApproval(t *testing.T) {
	f := seededFixture(t)
	ctx := context.Background()

	exec, err := f.engine.StartExecution(ctx, "invoice-processing", map[string]any{"amount": 250000}, "", "")
	require.NoError(t, err)
	waitStatus(t, f.engine, exec.ID, schema.ExecutionWaiting)

	_, err = f.engine.CompleteHumanTask(ctx, exec.ID, map[string]any{"approved": false})
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)
	assert.Contains(t, done.Context, "reject-invoice_result")
	assert.Zero(t, f.actions.Count("PostAccountingEntry"))
}

func TestInvoiceProcessing_SmallAmountAutoApproves(t *testing.T) {
	f := seededFixture(t)

	exec, err := f.engine.StartExecution(context.Background(), "invoice-processing", map[string]any{"amount": 500}, "", "")
	require.NoError(t, err)

	done := waitStatus(t, f.engine, exec.ID, schema.ExecutionCompleted)
	assert.Equal(t, "Auto", done.Context["approvalLevel"])
	assert.Equal(t, false, done.Context["requiresApproval"])
	assert.Contains(t, done.Context, "post-accounting_result")
	assert.Nil(t, done.WaitingFor)
}

func TestPurchaseOrderApproval_RoutesToDirector(t *testing.T) {
	f := seededFixture(t)

	started, err := f.engine.Trigger(context.Background(), "PurchaseOrderCreated", map[string]any{"amount": 75000}, "erp", "")
	require.NoError(t, err)
	require.Len(t, started, 1)

	waiting := waitStatus(t, f.engine, started[0].ID, schema.ExecutionWaiting)
	assert.Equal(t, "Director", waiting.WaitingFor.AssignedTo)
	assert.Equal(t, "erp", waiting.TriggeredBy)

	_, err = f.engine.CompleteHumanTask(context.Background(), started[0].ID, map[string]any{"approved": true})
	require.NoError(t, err)
	waitStatus(t, f.engine, started[0].ID, schema.ExecutionCompleted)
	assert.Equal(t, 1, f.actions.Count("CreatePO"))
	assert.Zero(t, f.actions.Count("CancelPO"))
}

func TestTrigger_UnknownEventStartsNothing(t *testing.T) {
	f := seededFixture(t)
	started, err := f.engine.Trigger(context.Background(), "NothingListens", nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestHandleEventRecord(t *testing.T) {
	f := seededFixture(t)
	ctx := context.Background()

	rec := &schema.EventRecord{
		ID:     "evt-42",
		Event:  "InvoiceReceived",
		Module: "finance",
		Detail: map[string]any{"amount": 200},
		Actor:  &schema.Actor{User: "ana"},
	}
	require.NoError(t, f.engine.HandleEventRecord(ctx, rec))
	// redelivery
	require.NoError(t, f.engine.HandleEventRecord(ctx, rec))

	execs, err := f.engine.ListExecutions(ctx, ExecutionFilter{WorkflowID: "invoice-processing"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "user:ana", execs[0].TriggeredBy)
	assert.Equal(t, "evt-42:invoice-processing", execs[0].IdempotencyKey)
	waitStatus(t, f.engine, execs[0].ID, schema.ExecutionCompleted)

	// the engine's own lifecycle events never trigger workflows
	require.NoError(t, f.engine.HandleEventRecord(ctx, &schema.EventRecord{ID: "evt-43", Event: "InvoiceReceived", Module: "workflow"}))
	execs, err = f.engine.ListExecutions(ctx, ExecutionFilter{WorkflowID: "invoice-processing"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestListen(t *testing.T) {
	f := seededFixture(t)
	tr := transport.NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.engine.Listen(ctx, tr, "events", "") }()

	require.NoError(t, tr.Publish(ctx, "events", "erp", []byte("not json")))
	payload, err := json.Marshal(schema.EventRecord{
		ID: "evt-7", Event: "PurchaseOrderCreated", Module: "erp", Detail: map[string]any{"amount": 1000},
	})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "events", "erp", payload))

	require.Eventually(t, func() bool {
		execs, err := f.engine.ListExecutions(context.Background(), ExecutionFilter{WorkflowID: "purchase-order-approval"})
		return err == nil && len(execs) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDetailInputs(t *testing.T) {
	assert.Equal(t, map[string]any{}, detailInputs(nil))
	assert.Equal(t, map[string]any{"detail": "x"}, detailInputs("x"))
	src := map[string]any{"a": 1}
	got := detailInputs(src)
	got["a"] = 2
	assert.Equal(t, 1, src["a"])
}
