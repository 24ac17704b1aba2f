package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

type recordingBus struct {
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, evt eventbus.Event, _ map[string]string) (string, error) {
	b.events = append(b.events, evt)
	return "evt-1", nil
}

type recordingQueue struct {
	jobs []transport.Job
	err  error
}

func (q *recordingQueue) PublishJob(_ context.Context, job transport.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type pipelineMap map[string]*schema.Pipeline

func (m pipelineMap) Pipeline(_ context.Context, id string) (*schema.Pipeline, error) {
	if p, ok := m[id]; ok {
		return p, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %s not found", id)
}

func newBuiltins(t *testing.T, bus EventPublisher) *Registry {
	t.Helper()
	engines, err := expressions.NewRegistry()
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinDeps{Expressions: engines, Events: bus}))
	return reg
}

func TestBuiltins_Registered(t *testing.T) {
	reg := newBuiltins(t, &recordingBus{})
	for _, name := range []string{"noop", "workflow.log", "workflow.fail", "expr.eval", "event.publish"} {
		assert.True(t, reg.Has(name), name)
	}

	bare := NewRegistry()
	require.NoError(t, RegisterBuiltins(bare, BuiltinDeps{}))
	assert.False(t, bare.Has("expr.eval"))
	assert.False(t, bare.Has("event.publish"))
}

func TestNoop(t *testing.T) {
	reg := newBuiltins(t, nil)
	out, err := reg.Run(context.Background(), ActionInput{Action: "noop"})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["success"])
	assert.NotEmpty(t, out.Data["executedAt"])
}

func TestExprEval(t *testing.T) {
	reg := newBuiltins(t, nil)
	out, err := reg.Run(context.Background(), ActionInput{
		Action:  "expr.eval",
		Params:  map[string]any{"expression": "amount * 2"},
		Context: map[string]any{"amount": 21},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out.Data["result"])

	out, err = reg.Run(context.Background(), ActionInput{
		Action: "expr.eval",
		Params: map[string]any{"engine": "jq", "expression": ".data.items | length", "data": map[string]any{"items": []any{1, 2, 3}}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Data["result"])

	_, err = reg.Run(context.Background(), ActionInput{Action: "expr.eval", Params: map[string]any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestWorkflowFail(t *testing.T) {
	reg := newBuiltins(t, nil)
	_, err := reg.Run(context.Background(), ActionInput{Action: "workflow.fail", StepID: "s1", Params: map[string]any{"reason": "boom"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePermanent))
	assert.False(t, schema.IsRetryable(err))

	_, err = reg.Run(context.Background(), ActionInput{Action: "workflow.fail", Params: map[string]any{"retryable": true}})
	assert.True(t, schema.IsRetryable(err))
}

func TestWorkflowLogValidation(t *testing.T) {
	reg := newBuiltins(t, nil)
	_, err := reg.Run(context.Background(), ActionInput{Action: "workflow.log", Params: map[string]any{"message": "hi", "level": "loud"}})
	assert.Error(t, err)
	out, err := reg.Run(context.Background(), ActionInput{Action: "workflow.log", Params: map[string]any{"message": "hi", "level": "warn"}})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["logged"])
}

func TestEventPublish(t *testing.T) {
	bus := &recordingBus{}
	reg := newBuiltins(t, bus)
	out, err := reg.Run(context.Background(), ActionInput{
		Action: "event.publish", ExecutionID: "e1", StepID: "s1",
		Params: map[string]any{"event": "InvoicePosted", "module": "finance"},
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", out.Data["eventId"])
	require.Len(t, bus.events, 1)
	assert.Equal(t, "InvoicePosted", bus.events[0].Name)
	assert.Equal(t, map[string]any{"executionId": "e1", "stepId": "s1"}, bus.events[0].Detail)
}

func TestDispatchAction(t *testing.T) {
	q := &recordingQueue{}
	d := NewDispatchAction(q, pipelineMap{"PostAccountingEntry": {ID: "PostAccountingEntry"}})
	reg := NewRegistry()
	reg.SetFallback(d)

	out, err := reg.Run(context.Background(), ActionInput{
		ExecutionID: "exec-1", StepID: "post", Action: "PostAccountingEntry",
		Params:  map[string]any{"ledger": "main"},
		Context: map[string]any{"invoiceId": "inv-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["dispatched"])
	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, "PostAccountingEntry", job.PipelineID)
	assert.Equal(t, "exec-1:post", job.IdempotencyKey)
	assert.Equal(t, map[string]any{"invoiceId": "inv-1", "ledger": "main"}, job.Inputs)
	assert.Equal(t, job.ExecutionID, out.Data["jobId"])

	_, err = reg.Run(context.Background(), ActionInput{Action: "Unknown"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	q.err = errors.New("broker down")
	_, err = reg.Run(context.Background(), ActionInput{Action: "PostAccountingEntry"})
	assert.True(t, schema.IsRetryable(err))
}
