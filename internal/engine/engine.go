// Package engine runs persistent, resumable workflow executions.
//
// An execution walks a WorkflowDefinition one step at a time. Each step is
// dispatched on its type (action, decision, human-task or end) and the
// execution is persisted after every transition, so a crashed process can be
// picked up by the recovery sweep. Action steps carry the reliability
// features: guard rule sets, concept state-transition checks, step locks,
// per-action circuit breakers, retries with exponential backoff and saga
// compensation once retries are exhausted.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/flowcore/internal/actions"
	"github.com/rendis/flowcore/internal/dataengine"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/idempotency"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/pkg/schema"
)

const execPrefix = "exec:"

// Defaults.
const (
	DefaultPoolSize    = 10
	DefaultStaleAfter  = 5 * time.Minute
	DefaultReserveTTL  = 7 * 24 * time.Hour
	DefaultTriggeredBy = "manual"
)

// WorkflowStore holds workflow definitions. *metadata.Catalog satisfies it.
type WorkflowStore interface {
	Workflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	Workflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
}

// RuleEvaluator backs decision steps and guards. *rules.Engine satisfies it.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ruleSetID string, data map[string]any) ([]schema.RuleMatch, error)
	EvaluateCondition(ctx context.Context, c *schema.Condition, data map[string]any) bool
}

// ConceptSource resolves taxonomy concepts for state-transition guards.
type ConceptSource interface {
	GetConcept(ctx context.Context, id string) (*schema.Concept, error)
}

// ActionRunner executes generic action steps. *actions.Registry satisfies it.
type ActionRunner interface {
	Run(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error)
}

// WorkflowValidator checks definitions before they are stored or started.
type WorkflowValidator interface {
	ValidateWorkflow(def *schema.WorkflowDefinition) error
}

// EventPublisher is the durable event bus. *eventbus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, evt eventbus.Event, headers map[string]string) (string, error)
}

// LifecyclePublisher forwards lifecycle events to the message transport.
// *transport.Queue satisfies it.
type LifecyclePublisher interface {
	PublishEvent(ctx context.Context, executionID string, ev schema.LifecycleEvent) error
}

// Config tunes the engine.
type Config struct {
	PoolSize       int
	LockTTL        time.Duration
	StaleAfter     time.Duration
	Retry          schema.RetryPolicy
	CircuitBreaker CircuitBreakerConfig
	ReserveTTL     time.Duration
	CompleteTTL    time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		LockTTL:        DefaultLockTTL,
		StaleAfter:     DefaultStaleAfter,
		Retry:          schema.DefaultRetryPolicy(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		ReserveTTL:     DefaultReserveTTL,
		CompleteTTL:    DefaultReserveTTL,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.ReserveTTL <= 0 {
		c.ReserveTTL = d.ReserveTTL
	}
	if c.CompleteTTL <= 0 {
		c.CompleteTTL = d.CompleteTTL
	}
	// a completed key must outlive its reservation
	if c.CompleteTTL < c.ReserveTTL {
		c.CompleteTTL = c.ReserveTTL
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the defaults.
func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }

// WithRules enables decision steps and guards.
func WithRules(r RuleEvaluator) Option { return func(e *Engine) { e.rules = r } }

// WithConcepts enables concept state-transition guards.
func WithConcepts(c ConceptSource) Option { return func(e *Engine) { e.concepts = c } }

// WithDataEngine enables DB-mapped action steps.
func WithDataEngine(d dataengine.Engine) Option { return func(e *Engine) { e.data = d } }

// WithActions sets the generic action runner.
func WithActions(r ActionRunner) Option { return func(e *Engine) { e.actions = r } }

// WithIdempotency reserves idempotency keys in s.
func WithIdempotency(s *idempotency.Store) Option { return func(e *Engine) { e.idem = s } }

// WithValidator checks definitions on registration and start.
func WithValidator(v WorkflowValidator) Option { return func(e *Engine) { e.validator = v } }

// WithEventBus publishes workflow events as durable records.
func WithEventBus(p EventPublisher) Option { return func(e *Engine) { e.bus = p } }

// WithLifecycle forwards workflow events to the message transport.
func WithLifecycle(p LifecyclePublisher) Option { return func(e *Engine) { e.lifecycle = p } }

// WithHub streams workflow events to live subscribers.
func WithHub(h streaming.EventHub) Option { return func(e *Engine) { e.hub = h } }

// WithTelemetry sets the tracer and meter wrapper.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(e *Engine) { e.tel = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// Engine is the workflow engine. All reliability state (breakers, locks,
// retry timers) is owned by the instance.
type Engine struct {
	kv        store.KeyValueStore
	workflows WorkflowStore
	rules     RuleEvaluator
	concepts  ConceptSource
	data      dataengine.Engine
	actions   ActionRunner
	idem      *idempotency.Store
	validator WorkflowValidator
	bus       EventPublisher
	lifecycle LifecyclePublisher
	hub       streaming.EventHub
	tel       *telemetry.Telemetry
	logger    *slog.Logger
	cfg       Config

	fsm      *ExecutionFSM
	breakers *CircuitBreakerRegistry
	locks    *LockManager
	pool     *WorkerPool
	starts   singleflight.Group

	mu     sync.Mutex
	serial map[string]*execMutex
	dirty  map[string]*schema.Execution
	timers map[string]*retryTimer

	baseCtx context.Context
	cancel  context.CancelFunc
	now     func() time.Time
	after   afterFunc
}

// New creates an Engine persisting executions in kv and reading definitions
// from workflows.
func New(kv store.KeyValueStore, workflows WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		kv:        kv,
		workflows: workflows,
		cfg:       DefaultConfig(),
		serial:    make(map[string]*execMutex),
		dirty:     make(map[string]*schema.Execution),
		timers:    make(map[string]*retryTimer),
		now:       time.Now,
		after:     realAfter,
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg.setDefaults()
	e.logger = logging.OrDiscard(e.logger)
	e.tel = telemetry.OrGlobal(e.tel)
	e.breakers = NewCircuitBreakerRegistry(e.cfg.CircuitBreaker)
	e.locks = NewLockManager()
	e.pool = NewWorkerPool(e.cfg.PoolSize, e.logger)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.fsm = NewExecutionFSM()
	e.registerHooks()
	return e
}

// Close stops retry timers and waits for in-flight steps.
func (e *Engine) Close() error {
	e.mu.Lock()
	for id, t := range e.timers {
		if t.stop != nil {
			t.stop()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.cancel()
	e.pool.Shutdown()
	return nil
}

// Breakers exposes the engine's circuit breakers.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Locks exposes the engine's step locks.
func (e *Engine) Locks() *LockManager { return e.locks }

func execKey(id string) string { return execPrefix + id }

// StartExecution creates an execution of workflowID at its first step and
// schedules it. When idempotencyKey names a live execution, that execution
// is returned unchanged and nothing new runs.
func (e *Engine) StartExecution(ctx context.Context, workflowID string, inputs map[string]any, triggeredBy, idempotencyKey string) (*schema.Execution, error) {
	if idempotencyKey == "" {
		return e.start(ctx, workflowID, inputs, triggeredBy, "")
	}
	// Concurrent starts in this process share one attempt.
	v, err, _ := e.starts.Do(idempotencyKey, func() (any, error) {
		return e.start(ctx, workflowID, inputs, triggeredBy, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	return cloneExecution(v.(*schema.Execution)), nil
}

func (e *Engine) start(ctx context.Context, workflowID string, inputs map[string]any, triggeredBy, key string) (*schema.Execution, error) {
	log := logging.LogWith(logging.WithWorkflowID(ctx, workflowID), e.logger)

	if key != "" {
		existing, err := e.findByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info("duplicate execution prevented by idempotency key",
				slog.String("idempotency_key", key), slog.String("execution_id", existing.ID))
			return existing, nil
		}
	}

	def, err := e.workflows.Workflow(ctx, workflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", workflowID).WithCause(err)
		}
		return nil, err
	}
	if e.validator != nil {
		if err := e.validator.ValidateWorkflow(def); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	id := uuid.NewString()
	if triggeredBy == "" {
		triggeredBy = DefaultTriggeredBy
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	exec := &schema.Execution{
		ID:             id,
		WorkflowID:     def.ID,
		WorkflowName:   def.Name,
		Status:         schema.ExecutionRunning,
		CurrentStep:    def.FirstStep(),
		Inputs:         schema.CloneMap(inputs),
		Context:        schema.CloneMap(inputs),
		History:        []schema.HistoryEntry{},
		Compensations:  []schema.CompensationEntry{},
		RetryAttempts:  map[string]int{},
		IdempotencyKey: key,
		TriggeredBy:    triggeredBy,
		Locks:          []string{},
		StartedAt:      now,
	}
	if key == "" {
		exec.IdempotencyKey = id
	}

	if key != "" && e.idem != nil {
		ok, err := e.idem.Reserve(ctx, key, id, e.cfg.ReserveTTL)
		switch {
		case err != nil:
			log.Warn("idempotency reserve failed, starting anyway",
				slog.String("idempotency_key", key), slog.String("error", err.Error()))
		case !ok:
			existing, err := e.findByKey(ctx, key)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "idempotency key %q is already reserved", key)
		}
	}

	e.save(ctx, exec)
	e.emit(ctx, exec, schema.EventWorkflowStarted, "", "")
	log.Info("execution started", slog.String("execution_id", id), slog.String("triggered_by", triggeredBy))
	e.schedule(id)
	return exec, nil
}

// findByKey returns the execution owning key, or nil.
func (e *Engine) findByKey(ctx context.Context, key string) (*schema.Execution, error) {
	if e.idem == nil {
		all, err := e.ListExecutions(ctx, ExecutionFilter{})
		if err != nil {
			return nil, err
		}
		for _, exec := range all {
			if exec.IdempotencyKey == key {
				return exec, nil
			}
		}
		return nil, nil
	}

	rec, err := e.idem.Lookup(ctx, key)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("idempotency lookup failed",
			slog.String("idempotency_key", key), slog.String("error", err.Error()))
		return nil, nil
	}
	if rec == nil {
		return nil, nil
	}
	exec, err := e.load(ctx, rec.ExecutionID)
	if err == nil {
		return exec, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	if rec.Status == idempotency.StatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s for idempotency key %q is still starting", rec.ExecutionID, key)
	}
	// The completed execution is gone; the key is free again.
	if err := e.idem.Remove(ctx, key); err != nil {
		return nil, err
	}
	return nil, nil
}

// Trigger starts every workflow whose triggerEvent is event. A non-empty key
// is scoped per workflow so one event starts each workflow at most once.
func (e *Engine) Trigger(ctx context.Context, event string, inputs map[string]any, triggeredBy, key string) ([]*schema.Execution, error) {
	defs, err := e.workflows.Workflows(ctx)
	if err != nil {
		return nil, err
	}
	if triggeredBy == "" {
		triggeredBy = "event:" + event
	}
	var out []*schema.Execution
	for _, def := range defs {
		if def.TriggerEvent != event {
			continue
		}
		k := key
		if k != "" {
			k = key + ":" + def.ID
		}
		exec, err := e.StartExecution(ctx, def.ID, inputs, triggeredBy, k)
		if err != nil {
			return out, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// RegisterWorkflow validates def and stores it.
func (e *Engine) RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if e.validator != nil {
		if err := e.validator.ValidateWorkflow(def); err != nil {
			return err
		}
	}
	return e.workflows.SaveWorkflow(ctx, def)
}

// Seed registers DefaultWorkflows that are not stored yet.
func (e *Engine) Seed(ctx context.Context) error {
	for _, def := range DefaultWorkflows() {
		_, err := e.workflows.Workflow(ctx, def.ID)
		if err == nil {
			continue
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
		if err := e.RegisterWorkflow(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// GetExecution loads one execution.
func (e *Engine) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return e.load(ctx, id)
}

// ExecutionFilter selects executions. Empty fields match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
}

// ListExecutions returns matching executions, newest first.
func (e *Engine) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*schema.Execution, error) {
	stored, err := store.ScanJSON[schema.Execution](ctx, e.kv, execPrefix)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*schema.Execution, len(stored))
	for _, exec := range stored {
		byID[exec.ID] = exec
	}
	e.mu.Lock()
	for id, exec := range e.dirty {
		byID[id] = cloneExecution(exec)
	}
	e.mu.Unlock()

	out := make([]*schema.Execution, 0, len(byID))
	for _, exec := range byID {
		if f.WorkflowID != "" && exec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && exec.Status != f.Status {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// load prefers an unpersisted in-memory copy over the store.
func (e *Engine) load(ctx context.Context, id string) (*schema.Execution, error) {
	e.mu.Lock()
	if exec, ok := e.dirty[id]; ok {
		e.mu.Unlock()
		return cloneExecution(exec), nil
	}
	e.mu.Unlock()

	exec, err := store.GetJSON[schema.Execution](ctx, e.kv, execKey(id))
	if store.IsNotFound(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// save persists exec. A failed write is logged and the execution is kept in
// memory so the run continues; the next successful save clears it.
func (e *Engine) save(ctx context.Context, exec *schema.Execution) {
	exec.UpdatedAt = e.now().UTC()
	if err := store.PutJSON(ctx, e.kv, execKey(exec.ID), exec, 0); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist execution",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		e.mu.Lock()
		e.dirty[exec.ID] = cloneExecution(exec)
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	delete(e.dirty, exec.ID)
	e.mu.Unlock()
}

func cloneExecution(exec *schema.Execution) *schema.Execution {
	if exec == nil {
		return nil
	}
	out := *exec
	out.Inputs = schema.CloneMap(exec.Inputs)
	out.Context = schema.CloneMap(exec.Context)
	out.History = append([]schema.HistoryEntry(nil), exec.History...)
	out.Compensations = make([]schema.CompensationEntry, len(exec.Compensations))
	for i, c := range exec.Compensations {
		c.Context = schema.CloneMap(c.Context)
		out.Compensations[i] = c
	}
	out.RetryAttempts = make(map[string]int, len(exec.RetryAttempts))
	for k, v := range exec.RetryAttempts {
		out.RetryAttempts[k] = v
	}
	out.Locks = append([]string(nil), exec.Locks...)
	if exec.WaitingFor != nil {
		w := *exec.WaitingFor
		out.WaitingFor = &w
	}
	return &out
}
