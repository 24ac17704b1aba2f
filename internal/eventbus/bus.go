// Package eventbus ingests domain events durably and delivers them to the
// message transport in the background.
//
// Publish writes a pending record first, counts the event in the module
// registry and broadcasts it, then hands it to the delivery loop. Delivery
// retries with exponential backoff; after MaxAttempts failures the record
// moves to the dead letter area.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

// Defaults.
const (
	DefaultMaxAttempts = 6
	DefaultRetryBase   = time.Second
	DefaultRetryMax    = 5 * time.Minute
	DefaultSeenTTL     = 24 * time.Hour
	DefaultTopic       = "orchestrator-events"
	DefaultGroup       = "orchestrator-group"
	DefaultService     = "flowcore"
)

// Store key prefixes.
const (
	eventPrefix  = "evt:"
	dlqPrefix    = "dlq:"
	modulePrefix = "mod:"
)

// Config tunes delivery.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	SeenTTL     time.Duration
	Topic       string
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
}

// Bus is the durable event bus. Its registry and seen cache belong to the
// instance.
type Bus struct {
	kv        store.KeyValueStore
	transport transport.MessageTransport
	hub       streaming.EventHub
	tel       *telemetry.Telemetry
	logger    *slog.Logger
	cfg       Config
	producer  schema.Producer
	seen      *SeenCache
	now       func() time.Time

	mu       sync.Mutex
	registry map[string]*ModuleStats
	pending  map[string]struct{}
	timers   map[string]*time.Timer
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithConfig overrides delivery settings. Zero fields keep defaults.
func WithConfig(c Config) Option {
	return func(b *Bus) { b.cfg = c }
}

// WithHub broadcasts registry updates and failure notices on hub.
func WithHub(h streaming.EventHub) Option {
	return func(b *Bus) { b.hub = h }
}

// WithTelemetry records delivery metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Bus) { b.tel = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithProducer sets the producer stamped on events that carry none.
func WithProducer(p schema.Producer) Option {
	return func(b *Bus) { b.producer = p }
}

// New creates a bus that persists to kv and delivers through t.
func New(kv store.KeyValueStore, t transport.MessageTransport, opts ...Option) *Bus {
	host, _ := os.Hostname()
	if host == "" {
		host = "server"
	}
	b := &Bus{
		kv:        kv,
		transport: t,
		producer:  schema.Producer{Service: DefaultService, Instance: host},
		now:       time.Now,
		registry:  make(map[string]*ModuleStats),
		pending:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(b)
	}
	b.cfg.setDefaults()
	b.seen = NewSeenCache(b.cfg.SeenTTL)
	b.logger = logging.OrDiscard(b.logger)
	b.tel = telemetry.OrGlobal(b.tel)
	return b
}

func eventKey(id string) string { return eventPrefix + id }
func dlqKey(id string) string   { return dlqPrefix + id }

// Publish records evt and schedules its delivery. headers supply actor
// fields when evt has none. If the record cannot be persisted the event is
// still counted and broadcast, and a PERSISTENCE_ERROR is returned.
func (b *Bus) Publish(ctx context.Context, evt Event, headers map[string]string) (string, error) {
	rec := newRecord(evt, headers, b.producer, b.now())
	log := logging.LogWith(ctx, b.logger)

	if err := store.PutJSON(ctx, b.kv, eventKey(rec.ID), rec, 0); err != nil {
		log.Error("persist event failed", slog.String("event_id", rec.ID), slog.String("error", err.Error()))
		b.observe(ctx, rec)
		return "", schema.NewErrorf(schema.ErrCodePersistence, "persist event %s", rec.ID).WithCause(err)
	}
	b.observe(ctx, rec)
	b.enqueue(rec.ID)
	log.Debug("event published", slog.String("event_id", rec.ID), slog.String("event", rec.Name()))
	return rec.ID, nil
}

// observe counts rec in the registry once per ID and broadcasts it.
func (b *Bus) observe(ctx context.Context, rec *schema.EventRecord) {
	if rec.ID != "" && !b.seen.Mark(rec.ID) {
		return
	}
	name := rec.Name()
	module := rec.Module
	if module == "" {
		module = "unknown"
	}

	b.mu.Lock()
	stats, ok := b.registry[module]
	if !ok {
		stats = &ModuleStats{Events: make(map[string]int)}
		b.registry[module] = stats
	}
	stats.Events[name]++
	stats.Total++
	snapshot := stats.clone()
	b.mu.Unlock()

	if err := store.PutJSON(ctx, b.kv, modulePrefix+module, snapshot, 0); err != nil {
		b.logger.Warn("persist module registry failed", slog.String("module", module), slog.String("error", err.Error()))
	}
	level := rec.Level
	if level == "" {
		level = schema.EventLevelDomain
	}
	b.broadcast(ctx, name, map[string]any{"module": module, "event": name, "level": level, "detail": rec})
}

func (b *Bus) broadcast(ctx context.Context, eventType string, payload map[string]any) {
	if b.hub == nil {
		return
	}
	payload["ts"] = b.now().UnixMilli()
	_ = b.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		Topic:   streaming.TopicEventBus,
		Type:    eventType,
		Payload: payload,
	})
}

func (b *Bus) enqueue(id string) {
	b.mu.Lock()
	if _, ok := b.pending[id]; ok || b.closed {
		b.mu.Unlock()
		return
	}
	b.pending[id] = struct{}{}
	b.mu.Unlock()
	b.schedule(id, 0)
}

func (b *Bus) schedule(id string, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		delete(b.pending, id)
		return
	}
	b.wg.Add(1)
	b.timers[id] = time.AfterFunc(delay, func() {
		defer b.wg.Done()
		b.mu.Lock()
		delete(b.timers, id)
		b.mu.Unlock()
		b.process(id)
	})
}

func (b *Bus) done(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// backoff is min(RetryMax, RetryBase * 2^attempts).
func (b *Bus) backoff(attempts int) time.Duration {
	d := float64(b.cfg.RetryBase) * math.Pow(2, float64(attempts))
	if d > float64(b.cfg.RetryMax) {
		return b.cfg.RetryMax
	}
	return time.Duration(d)
}

func (b *Bus) process(id string) {
	ctx := context.Background()
	key := eventKey(id)
	rec, err := store.GetJSON[schema.EventRecord](ctx, b.kv, key)
	if err != nil {
		if !store.IsNotFound(err) {
			b.logger.Warn("load event failed", slog.String("event_id", id), slog.String("error", err.Error()))
		}
		b.done(id)
		return
	}
	if rec.Status == schema.EventPublished {
		b.done(id)
		return
	}

	derr := b.deliver(ctx, rec)
	if derr == nil {
		rec.Status = schema.EventPublished
		rec.PublishedTS = b.now().UnixMilli()
		if err := store.PutJSON(ctx, b.kv, key, rec, 0); err != nil {
			b.logger.Warn("mark published failed", slog.String("event_id", id), slog.String("error", err.Error()))
		}
		b.tel.RecordDelivery(ctx, rec.Module, "published")
		b.done(id)
		return
	}
	rec.Attempts++
	rec.LastError = derr.Error()

	if rec.Attempts >= b.cfg.MaxAttempts {
		b.deadLetter(ctx, rec)
		b.done(id)
		return
	}
	if err := store.PutJSON(ctx, b.kv, key, rec, 0); err != nil {
		b.logger.Warn("update event failed", slog.String("event_id", id), slog.String("error", err.Error()))
	}
	b.tel.RecordDelivery(ctx, rec.Module, "retry")
	b.schedule(id, b.backoff(rec.Attempts))
}

func (b *Bus) deliver(ctx context.Context, rec *schema.EventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.transport.Publish(ctx, b.cfg.Topic, rec.Module, data)
}

func (b *Bus) deadLetter(ctx context.Context, rec *schema.EventRecord) {
	rec.Status = schema.EventFailed
	if err := store.PutJSON(ctx, b.kv, dlqKey(rec.ID), rec, 0); err != nil {
		b.logger.Error("persist dead letter failed", slog.String("event_id", rec.ID), slog.String("error", err.Error()))
		return
	}
	if err := b.kv.Delete(ctx, eventKey(rec.ID)); err != nil {
		b.logger.Warn("remove delivered record failed", slog.String("event_id", rec.ID), slog.String("error", err.Error()))
	}
	b.tel.RecordDelivery(ctx, rec.Module, "dlq")
	b.logger.Error("event moved to DLQ", slog.String("event_id", rec.ID), slog.String("error", rec.LastError))
	b.broadcast(ctx, "event.failed", map[string]any{
		"module": rec.Module,
		"event":  rec.Event,
		"id":     rec.ID,
		"status": string(schema.EventFailed),
		"detail": rec,
	})
}

// Consume reads delivered records back from the transport and counts any
// not already seen. It blocks until ctx is done.
func (b *Bus) Consume(ctx context.Context, group string) error {
	if group == "" {
		group = DefaultGroup
	}
	return b.transport.Subscribe(ctx, b.cfg.Topic, group, func(ctx context.Context, msg transport.Message) error {
		var rec schema.EventRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			b.logger.Warn("undecodable event message", slog.String("error", err.Error()))
			return err
		}
		b.observe(ctx, &rec)
		return nil
	})
}

// Recover loads the persisted module registry and re-enqueues every record
// not yet published. It returns the number of re-enqueued records.
func (b *Bus) Recover(ctx context.Context) (int, error) {
	entries, err := b.kv.Scan(ctx, modulePrefix)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	for _, e := range entries {
		var stats ModuleStats
		if json.Unmarshal(e.Value, &stats) != nil || stats.Events == nil {
			continue
		}
		b.registry[e.Key[len(modulePrefix):]] = &stats
	}
	b.mu.Unlock()

	pending, err := b.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range pending {
		b.enqueue(rec.ID)
	}
	if len(pending) > 0 {
		logging.LogWith(ctx, b.logger).Info("recovered pending events", slog.Int("count", len(pending)))
	}
	return len(pending), nil
}

// ListPending returns records not yet published.
func (b *Bus) ListPending(ctx context.Context) ([]*schema.EventRecord, error) {
	recs, err := store.ScanJSON[schema.EventRecord](ctx, b.kv, eventPrefix)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Status != schema.EventPublished {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListDLQ returns dead-lettered records.
func (b *Bus) ListDLQ(ctx context.Context) ([]*schema.EventRecord, error) {
	return store.ScanJSON[schema.EventRecord](ctx, b.kv, dlqPrefix)
}

// RequeueDLQ moves a dead letter back to pending with its attempts reset.
// It reports false when no such dead letter exists.
func (b *Bus) RequeueDLQ(ctx context.Context, id string) (bool, error) {
	rec, err := store.GetJSON[schema.EventRecord](ctx, b.kv, dlqKey(id))
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	rec.Attempts = 0
	rec.Status = schema.EventPending
	rec.LastError = ""
	if err := store.PutJSON(ctx, b.kv, eventKey(id), rec, 0); err != nil {
		return false, err
	}
	if err := b.kv.Delete(ctx, dlqKey(id)); err != nil {
		return false, err
	}
	b.enqueue(id)
	return true, nil
}

// ListRecords returns active records matching f.
func (b *Bus) ListRecords(ctx context.Context, f Filter) ([]*schema.EventRecord, error) {
	recs, err := store.ScanJSON[schema.EventRecord](ctx, b.kv, eventPrefix)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteRecord removes a record and its dead letter.
func (b *Bus) DeleteRecord(ctx context.Context, id string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "event id is required")
	}
	if err := b.kv.Delete(ctx, eventKey(id)); err != nil {
		return err
	}
	return b.kv.Delete(ctx, dlqKey(id))
}

// DeleteByFilter removes active records whose module and raw event name
// equal the non-empty filter fields. It returns the number removed.
func (b *Bus) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	recs, err := store.ScanJSON[schema.EventRecord](ctx, b.kv, eventPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range recs {
		if f.Module != "" && r.Module != f.Module {
			continue
		}
		if f.Event != "" && r.Event != f.Event {
			continue
		}
		if err := b.DeleteRecord(ctx, r.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearModule forgets a module's registry counts.
func (b *Bus) ClearModule(ctx context.Context, module string) error {
	if module == "" {
		return schema.NewError(schema.ErrCodeValidation, "module is required")
	}
	b.mu.Lock()
	delete(b.registry, module)
	b.mu.Unlock()
	return b.kv.Delete(ctx, modulePrefix+module)
}

// Registry returns a copy of the module registry.
func (b *Bus) Registry() map[string]ModuleStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ModuleStats, len(b.registry))
	for k, v := range b.registry {
		out[k] = v.clone()
	}
	return out
}

// SweepSeen drops expired IDs from the seen cache.
func (b *Bus) SweepSeen() int { return b.seen.Sweep() }

// Pending returns how many records are queued for delivery.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops scheduled deliveries and waits for running ones. Records stay
// in the store for the next Recover.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	for id, t := range b.timers {
		if t.Stop() {
			b.wg.Done()
		}
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
