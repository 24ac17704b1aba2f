package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/pkg/schema"
)

// flakyTransport fails the first n publishes.
type flakyTransport struct {
	*transport.MemoryTransport
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTransport) Publish(ctx context.Context, channel, key string, payload []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("broker down")
	}
	return f.MemoryTransport.Publish(ctx, channel, key, payload)
}

func (f *flakyTransport) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

// failingKV rejects every write.
type failingKV struct{ store.KeyValueStore }

func (failingKV) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

var fastRetry = Config{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond}

func newBus(t *testing.T, kv store.KeyValueStore, tr transport.MessageTransport, opts ...Option) *Bus {
	t.Helper()
	b := New(kv, tr, append([]Option{WithConfig(fastRetry)}, opts...)...)
	t.Cleanup(func() { b.Close() })
	return b
}

func record(t *testing.T, kv store.KeyValueStore, key string) *schema.EventRecord {
	t.Helper()
	rec, err := store.GetJSON[schema.EventRecord](context.Background(), kv, key)
	require.NoError(t, err)
	return rec
}

func TestPublish_DeliversAndCounts(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	tr := transport.NewMemoryTransport()
	b := newBus(t, kv, tr)

	id, err := b.Publish(ctx, Event{Name: "invoice:created", Detail: map[string]any{"amount": 10}},
		map[string]string{"x-user": "ana", "x-user-role": "clerk"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return tr.Len(DefaultTopic) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return record(t, kv, "evt:"+id).Status == schema.EventPublished }, time.Second, 5*time.Millisecond)

	rec := record(t, kv, "evt:"+id)
	assert.Equal(t, "invoice", rec.Module)
	assert.Equal(t, "invoice", rec.Domain)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, schema.EventLevelDomain, rec.Level)
	assert.NotZero(t, rec.PublishedTS)
	require.NotNil(t, rec.Actor)
	assert.Equal(t, "ana", rec.Actor.User)
	assert.Equal(t, "clerk", rec.Actor.Role)
	assert.Equal(t, DefaultService, rec.Producer.Service)

	reg := b.Registry()
	assert.Equal(t, 1, reg["invoice"].Total)
	assert.Equal(t, 1, reg["invoice"].Events["invoice:created"])
}

func TestPublish_TechnicalFieldEvent(t *testing.T) {
	b := newBus(t, store.NewMemoryStore(), transport.NewMemoryTransport())
	id, err := b.Publish(context.Background(), Event{Name: "crm:field:email:updated"}, nil)
	require.NoError(t, err)

	recs, err := b.ListRecords(context.Background(), Filter{Event: "crm:email"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, schema.EventLevelTechnical, recs[0].Level)
	assert.Equal(t, "email", recs[0].Field)
	assert.Equal(t, "crm:email:updated", recs[0].CanonicalEvent)
	assert.Equal(t, 1, b.Registry()["crm"].Events["crm:email:updated"])
}

func TestPublish_DefaultsWithoutName(t *testing.T) {
	b := newBus(t, store.NewMemoryStore(), transport.NewMemoryTransport())
	_, err := b.Publish(context.Background(), Event{Actor: &schema.Actor{User: "bot"}}, map[string]string{"x-user": "ignored"})
	require.NoError(t, err)
	recs, err := b.ListRecords(context.Background(), Filter{Module: "unknown"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "unknown:event", recs[0].Event)
	assert.Equal(t, "bot", recs[0].Actor.User)
}

func TestConsume_DoesNotDoubleCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := transport.NewMemoryTransport()
	b := newBus(t, store.NewMemoryStore(), tr)
	go func() { _ = b.Consume(ctx, "") }()

	_, err := b.Publish(ctx, Event{Name: "order:placed"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Len(DefaultTopic) == 1 }, time.Second, 5*time.Millisecond)

	// A record first seen through the consumer is counted once as well.
	other := New(store.NewMemoryStore(), tr, WithConfig(fastRetry))
	defer other.Close()
	_, err = other.Publish(ctx, Event{Name: "order:shipped"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Registry()["order"].Total == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Registry()["order"].Events["order:placed"])
	assert.Equal(t, 1, b.Registry()["order"].Events["order:shipped"])
}

func TestDelivery_RetriesThenDLQ(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	tr := &flakyTransport{MemoryTransport: transport.NewMemoryTransport(), failures: 100}
	hub := streaming.NewMemoryHub()
	notices, stop, err := hub.Subscribe(ctx, streaming.EventFilter{Types: []string{"event.failed"}})
	require.NoError(t, err)
	defer stop()
	b := newBus(t, kv, tr, WithHub(hub))

	id, err := b.Publish(ctx, Event{Name: "invoice:created"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dlq, _ := b.ListDLQ(ctx)
		return len(dlq) == 1
	}, 2*time.Second, 5*time.Millisecond)

	dlq, err := b.ListDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, dlq[0].ID)
	assert.Equal(t, 3, dlq[0].Attempts)
	assert.Equal(t, schema.EventFailed, dlq[0].Status)
	assert.Equal(t, "broker down", dlq[0].LastError)
	_, err = kv.Get(ctx, "evt:"+id)
	assert.True(t, store.IsNotFound(err))

	select {
	case n := <-notices:
		assert.Equal(t, streaming.TopicEventBus, n.Topic)
		assert.Equal(t, id, n.Payload.(map[string]any)["id"])
	case <-time.After(time.Second):
		t.Fatal("no failure notice")
	}

	tr.setFailures(0)
	ok, err := b.RequeueDLQ(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		rec, err := store.GetJSON[schema.EventRecord](ctx, kv, "evt:"+id)
		return err == nil && rec.Status == schema.EventPublished
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, record(t, kv, "evt:"+id).Attempts)

	ok, err = b.RequeueDLQ(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelivery_RecoversAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	tr := &flakyTransport{MemoryTransport: transport.NewMemoryTransport(), failures: 2}
	b := newBus(t, kv, tr)

	id, err := b.Publish(ctx, Event{Name: "invoice:created"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := store.GetJSON[schema.EventRecord](ctx, kv, "evt:"+id)
		return err == nil && rec.Status == schema.EventPublished
	}, time.Second, 5*time.Millisecond)
	rec := record(t, kv, "evt:"+id)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 0, b.Pending())
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	require.NoError(t, store.PutJSON(ctx, kv, "evt:old", &schema.EventRecord{ID: "old", Event: "a:b", Module: "a", Status: schema.EventPending}, 0))
	require.NoError(t, store.PutJSON(ctx, kv, "evt:done", &schema.EventRecord{ID: "done", Event: "a:b", Module: "a", Status: schema.EventPublished}, 0))
	require.NoError(t, store.PutJSON(ctx, kv, "mod:a", ModuleStats{Events: map[string]int{"a:b": 7}, Total: 7}, 0))

	tr := transport.NewMemoryTransport()
	b := newBus(t, kv, tr)
	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 7, b.Registry()["a"].Total)

	require.Eventually(t, func() bool { return tr.Len(DefaultTopic) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, _ := b.ListPending(ctx)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManagement(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	b := newBus(t, kv, transport.NewMemoryTransport())

	id1, _ := b.Publish(ctx, Event{Name: "invoice:created"}, nil)
	_, _ = b.Publish(ctx, Event{Name: "invoice:paid"}, nil)
	_, _ = b.Publish(ctx, Event{Name: "order:placed"}, nil)
	require.Eventually(t, func() bool { return b.Pending() == 0 }, time.Second, 5*time.Millisecond)

	recs, err := b.ListRecords(ctx, Filter{Module: "invoice"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	recs, err = b.ListRecords(ctx, Filter{Event: "paid"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, b.DeleteRecord(ctx, id1))
	recs, _ = b.ListRecords(ctx, Filter{})
	assert.Len(t, recs, 2)

	// Exact match only.
	n, err := b.DeleteByFilter(ctx, Filter{Event: "paid"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = b.DeleteByFilter(ctx, Filter{Module: "order", Event: "order:placed"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.ClearModule(ctx, "invoice"))
	_, ok := b.Registry()["invoice"]
	assert.False(t, ok)
	_, err = kv.Get(ctx, "mod:invoice")
	assert.True(t, store.IsNotFound(err))
	assert.Error(t, b.ClearModule(ctx, ""))
}

func TestPublish_PersistenceFailureStillCounts(t *testing.T) {
	b := newBus(t, failingKV{store.NewMemoryStore()}, transport.NewMemoryTransport())
	_, err := b.Publish(context.Background(), Event{Name: "invoice:created"}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePersistence))
	assert.Equal(t, 1, b.Registry()["invoice"].Total)
	assert.Equal(t, 0, b.Pending())
}

func TestBackoffIsCapped(t *testing.T) {
	b := New(store.NewMemoryStore(), transport.NewMemoryTransport())
	defer b.Close()
	assert.Equal(t, 2*time.Second, b.backoff(1))
	assert.Equal(t, 32*time.Second, b.backoff(5))
	assert.Equal(t, DefaultRetryMax, b.backoff(12))
}

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }
	assert.True(t, c.Mark("a"))
	assert.False(t, c.Mark("a"))
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Mark("a"))
}
