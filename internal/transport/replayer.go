package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
)

const archivePrefix = "dlqarchive:"

// DefaultMaxReplays is how often one job is replayed from the DLQ before it
// is only archived.
const DefaultMaxReplays = 3

// ArchivedLetter is a dead letter as kept in the archive.
type ArchivedLetter struct {
	ID         string     `json:"id"`
	Letter     DeadLetter `json:"letter"`
	Replayed   bool       `json:"replayed"`
	ReplayErr  string     `json:"replayError,omitempty"`
	ArchivedAt time.Time  `json:"archivedAt"`
}

// Replayer drains the DLQ channel. Every letter is archived in the store;
// job letters under the replay limit are republished on the jobs channel.
type Replayer struct {
	q          *Queue
	kv         store.KeyValueStore
	maxReplays int
	archiveTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxReplays overrides DefaultMaxReplays.
func WithMaxReplays(n int) ReplayerOption {
	return func(r *Replayer) { r.maxReplays = n }
}

// WithArchiveTTL expires archived letters after d. Zero keeps them.
func WithArchiveTTL(d time.Duration) ReplayerOption {
	return func(r *Replayer) { r.archiveTTL = d }
}

// WithReplayerLogger sets the logger.
func WithReplayerLogger(l *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.logger = l }
}

// NewReplayer creates a replayer.
func NewReplayer(q *Queue, kv store.KeyValueStore, opts ...ReplayerOption) *Replayer {
	r := &Replayer{q: q, kv: kv, maxReplays: DefaultMaxReplays, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.OrDiscard(r.logger)
	return r
}

// Run consumes the DLQ until ctx is done.
func (r *Replayer) Run(ctx context.Context, group string) error {
	return r.q.SubscribeDeadLetters(ctx, group, r.Handle)
}

// Handle archives one letter and replays it when allowed.
func (r *Replayer) Handle(ctx context.Context, dl DeadLetter) error {
	now := r.now().UTC()
	rec := ArchivedLetter{
		ID:         fmt.Sprintf("%d_%s", now.UnixMilli(), uuid.NewString()[:8]),
		Letter:     dl,
		ArchivedAt: now,
	}
	if err := r.replay(ctx, dl); err != nil {
		rec.ReplayErr = err.Error()
		r.logger.Warn("dlq replay skipped", slog.String("key", dl.Key), slog.String("reason", err.Error()))
	} else {
		rec.Replayed = true
		r.logger.Info("dlq replayed message to jobs", slog.String("key", dl.Key))
	}
	if err := store.PutJSON(ctx, r.kv, archivePrefix+rec.ID, rec, r.archiveTTL); err != nil {
		r.logger.Error("dlq archive failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (r *Replayer) replay(ctx context.Context, dl DeadLetter) error {
	if dl.Channel != ChannelJobs || len(dl.Original) == 0 {
		return fmt.Errorf("not a job letter")
	}
	var job Job
	if err := r.q.codec.Unmarshal(dl.Original, &job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	if job.Replays >= r.maxReplays {
		return fmt.Errorf("replay limit %d reached", r.maxReplays)
	}
	job.Replays++
	return r.q.PublishJob(ctx, job)
}

// Archived lists archived letters in archive order.
func (r *Replayer) Archived(ctx context.Context) ([]*ArchivedLetter, error) {
	return store.ScanJSON[ArchivedLetter](ctx, r.kv, archivePrefix)
}
