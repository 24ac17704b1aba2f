package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// collect subscribes in the background and returns the received messages
// once n have arrived or the timeout elapses.
func collect(t *testing.T, tr MessageTransport, channel, group string, n int) func() []Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []Message
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Subscribe(ctx, channel, group, func(_ context.Context, m Message) error {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			return nil
		})
	}()
	return func() []Message {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= n
		}, 3*time.Second, 10*time.Millisecond)
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return append([]Message(nil), got...)
	}
}

func newRedisTransport(t *testing.T) *RedisTransport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTransport(client, WithReadBlock(50*time.Millisecond), WithStreamMaxLen(100))
}

func transports(t *testing.T) map[string]MessageTransport {
	return map[string]MessageTransport{
		"memory": NewMemoryTransport(),
		"redis":  newRedisTransport(t),
	}
}

func TestTransport_GroupsEachSeeEveryMessage(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := collect(t, tr, ChannelJobs, "a", 2)
			b := collect(t, tr, ChannelJobs, "b", 2)
			time.Sleep(20 * time.Millisecond)

			require.NoError(t, tr.Publish(ctx, ChannelJobs, "k1", []byte("one")))
			require.NoError(t, tr.Publish(ctx, ChannelJobs, "k2", []byte("two")))

			for _, got := range [][]Message{a(), b()} {
				require.Len(t, got, 2)
				assert.Equal(t, "k1", got[0].Key)
				assert.Equal(t, []byte("one"), got[0].Payload)
				assert.Equal(t, []byte("two"), got[1].Payload)
				assert.Equal(t, ChannelJobs, got[1].Channel)
			}
		})
	}
}

func TestTransport_ClosedRejectsPublish(t *testing.T) {
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, tr.Close())
			err := tr.Publish(context.Background(), ChannelJobs, "", []byte("x"))
			assert.ErrorIs(t, err, ErrClosed)
			err = tr.Subscribe(context.Background(), ChannelJobs, "g", func(context.Context, Message) error { return nil })
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestMemoryTransport_CompetingConsumers(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Publish(ctx, ChannelJobs, "", []byte{byte(i)}))
	}

	subCtx, cancel := context.WithCancel(ctx)
	var mu sync.Mutex
	seen := map[byte]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Subscribe(subCtx, ChannelJobs, "workers", func(_ context.Context, m Message) error {
				mu.Lock()
				seen[m.Payload[0]]++
				mu.Unlock()
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	for b, n := range seen {
		assert.Equal(t, 1, n, "message %d delivered more than once", b)
	}
}

func TestMemoryTransport_MaxLen(t *testing.T) {
	tr := NewMemoryTransport(WithMaxLen(3))
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Publish(context.Background(), ChannelEvents, "", []byte{byte(i)}))
	}
	assert.Equal(t, 3, tr.Len(ChannelEvents))
	got := collect(t, tr, ChannelEvents, "late", 3)()
	assert.Equal(t, []byte{2}, got[0].Payload)
}

func TestCodecs(t *testing.T) {
	job := Job{
		ExecutionID: "exec-1",
		Inputs:      map[string]any{"amount": "100"},
		Pipeline:    &schema.Pipeline{ID: "p1", Steps: []schema.PipelineStep{{ID: "s1", Type: schema.PipelineStepData}}},
	}
	for _, c := range []Codec{CodecByName("json"), CodecByName("msgpack")} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(job)
			require.NoError(t, err)
			var out Job
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, job.ExecutionID, out.ExecutionID)
			assert.Equal(t, "100", out.Inputs["amount"])
			require.NotNil(t, out.Pipeline)
			assert.Equal(t, "s1", out.Pipeline.Steps[0].ID)
		})
	}
	assert.Equal(t, CodecNameJSON, CodecByName("unknown").Name())
}

func TestQueue_FailedJobsGoToDLQ(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	q := NewQueue(tr, WithCodec(MsgpackCodec{}))

	require.NoError(t, q.PublishJob(ctx, Job{ExecutionID: "ok"}))
	require.NoError(t, q.PublishJob(ctx, Job{ExecutionID: "bad"}))
	require.NoError(t, tr.Publish(ctx, ChannelJobs, "garbage", []byte{0xc1}))

	subCtx, cancel := context.WithCancel(ctx)
	var handled []string
	go func() {
		_ = q.SubscribeJobs(subCtx, "", func(_ context.Context, j Job) error {
			handled = append(handled, j.ExecutionID)
			if j.ExecutionID == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return tr.Len(ChannelDLQ) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	letters := make(chan DeadLetter, 2)
	dctx, dcancel := context.WithCancel(ctx)
	defer dcancel()
	go func() {
		_ = q.SubscribeDeadLetters(dctx, "", func(_ context.Context, dl DeadLetter) error {
			letters <- dl
			return nil
		})
	}()
	first := <-letters
	assert.Equal(t, "boom", first.Error)
	assert.Equal(t, "bad", first.Key)
	assert.Equal(t, ChannelJobs, first.Channel)
	assert.False(t, first.FailedAt.IsZero())
	second := <-letters
	assert.Equal(t, "garbage", second.Key)
	assert.Equal(t, []string{"ok", "bad"}, handled)
}

func TestQueue_PublishEventStampsSubject(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	q := NewQueue(tr)
	require.NoError(t, q.PublishEvent(ctx, "exec-9", schema.LifecycleEvent{Type: schema.EventStepStarted, StepID: "s1"}))

	got := make(chan schema.LifecycleEvent, 1)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = q.SubscribeEvents(sctx, "monitor", func(_ context.Context, ev schema.LifecycleEvent) error {
			got <- ev
			return nil
		})
	}()
	ev := <-got
	assert.Equal(t, "exec-9", ev.ExecutionID)
	assert.Equal(t, "executions.exec-9.events", ev.Subject)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestQueue_RateLimit(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	q := NewQueue(tr, WithRateLimit(20, 1))
	for i := 0; i < 4; i++ {
		require.NoError(t, q.PublishJob(ctx, Job{ExecutionID: "e"}))
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var mu sync.Mutex
	count := 0
	start := time.Now()
	go func() {
		_ = q.SubscribeJobs(sctx, "", func(context.Context, Job) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	q := NewQueue(tr)
	kv := store.NewMemoryStore()
	r := NewReplayer(q, kv, WithMaxReplays(1))

	original, err := q.Codec().Marshal(Job{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.NoError(t, r.Handle(ctx, DeadLetter{Error: "boom", Channel: ChannelJobs, Key: "exec-1", Original: original}))
	assert.Equal(t, 1, tr.Len(ChannelJobs))

	replayed := collect(t, tr, ChannelJobs, "check", 1)()
	var job Job
	require.NoError(t, q.Codec().Unmarshal(replayed[0].Payload, &job))
	assert.Equal(t, 1, job.Replays)

	// A second failure of the same job exceeds the limit and is only archived.
	require.NoError(t, r.Handle(ctx, DeadLetter{Error: "boom", Channel: ChannelJobs, Key: "exec-1", Original: replayed[0].Payload}))
	assert.Equal(t, 1, tr.Len(ChannelJobs))

	archived, err := r.Archived(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 2)
	replayedCount := 0
	for _, a := range archived {
		if a.Replayed {
			replayedCount++
		} else {
			assert.Contains(t, a.ReplayErr, "replay limit")
		}
	}
	assert.Equal(t, 1, replayedCount)
}
