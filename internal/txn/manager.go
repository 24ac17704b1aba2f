package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultIdleTimeout is how long a transaction may sit unused before it is
// rolled back automatically.
const DefaultIdleTimeout = 30 * time.Second

// ErrNoActiveTransaction is returned for operations on a key with no live
// transaction, including one already auto-rolled back.
var ErrNoActiveTransaction = errors.New("no active transaction")

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Status of a Transaction.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Transaction is one open database transaction owned by an (execution, step).
type Transaction struct {
	ID          string
	ExecutionID string
	StepID      string
	StartedAt   time.Time

	mu           sync.Mutex
	conn         Conn
	status       Status
	savepoints   []string
	lastActivity time.Time
	timer        *time.Timer
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Savepoints returns the savepoint names in creation order.
func (t *Transaction) Savepoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.savepoints...)
}

// Manager tracks the live transactions. Each key owns at most one.
type Manager struct {
	pool        Pool
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*Transaction
	begins singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager drawing connections from pool.
func NewManager(pool Pool, opts ...Option) *Manager {
	m := &Manager{
		pool:        pool,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		active:      make(map[string]*Transaction),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.OrDiscard(m.logger)
	return m
}

// TxID is the key a transaction is tracked under.
func TxID(executionID, stepID string) string {
	return executionID + "_" + stepID
}

// Begin starts a transaction for the key, or returns the live one.
func (m *Manager) Begin(ctx context.Context, executionID, stepID string) (*Transaction, error) {
	id := TxID(executionID, stepID)
	if tx := m.get(id); tx != nil {
		m.logger.Warn("transaction already active", slog.String("tx_id", id))
		return tx, nil
	}

	v, err, _ := m.begins.Do(id, func() (any, error) {
		if tx := m.get(id); tx != nil {
			return tx, nil
		}
		conn, err := m.pool.Acquire(ctx)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransient, "acquire connection for %s: %s", id, err.Error()).WithCause(err)
		}
		if err := conn.Begin(ctx); err != nil {
			conn.Release()
			return nil, schema.NewErrorf(schema.ErrCodeTransient, "begin %s: %s", id, err.Error()).WithCause(err)
		}

		now := m.now()
		tx := &Transaction{
			ID: id, ExecutionID: executionID, StepID: stepID, StartedAt: now,
			conn: conn, status: StatusActive, lastActivity: now,
		}
		m.mu.Lock()
		m.active[id] = tx
		tx.timer = time.AfterFunc(m.idleTimeout, func() { m.expire(tx) })
		m.mu.Unlock()
		m.logger.Debug("transaction started", slog.String("tx_id", id))
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transaction), nil
}

// Commit commits and releases the transaction. A failed commit is rolled
// back. The key is always removed.
func (m *Manager) Commit(ctx context.Context, executionID, stepID string) error {
	id := TxID(executionID, stepID)
	tx := m.take(id)
	if tx == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveTransaction, id)
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	defer tx.conn.Release()

	if err := tx.conn.Commit(ctx); err != nil {
		m.logger.Error("commit failed", slog.String("tx_id", id), slog.String("error", err.Error()))
		if rbErr := tx.conn.Rollback(ctx); rbErr != nil {
			m.logger.Error("rollback after failed commit", slog.String("tx_id", id), slog.String("error", rbErr.Error()))
		}
		tx.status = StatusRolledBack
		return m.classify(id, err)
	}
	tx.status = StatusCommitted
	m.logger.Debug("transaction committed", slog.String("tx_id", id))
	return nil
}

// Rollback discards and releases the transaction. It returns false when
// there was nothing to roll back.
func (m *Manager) Rollback(ctx context.Context, executionID, stepID string) (bool, error) {
	id := TxID(executionID, stepID)
	tx := m.take(id)
	if tx == nil {
		m.logger.Warn("no active transaction to roll back", slog.String("tx_id", id))
		return false, nil
	}
	return true, m.rollback(ctx, tx)
}

func (m *Manager) rollback(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	defer tx.conn.Release()

	tx.status = StatusRolledBack
	if err := tx.conn.Rollback(ctx); err != nil {
		m.logger.Error("rollback failed", slog.String("tx_id", tx.ID), slog.String("error", err.Error()))
		return err
	}
	m.logger.Debug("transaction rolled back", slog.String("tx_id", tx.ID))
	return nil
}

// Savepoint creates a named savepoint.
func (m *Manager) Savepoint(ctx context.Context, executionID, stepID, name string) error {
	if !savepointName.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid savepoint name %q", name)
	}
	tx, err := m.touch(executionID, stepID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if _, err := tx.conn.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	tx.savepoints = append(tx.savepoints, name)
	return nil
}

// RollbackToSavepoint undoes work done since the named savepoint. Savepoints
// created after it are forgotten.
func (m *Manager) RollbackToSavepoint(ctx context.Context, executionID, stepID, name string) error {
	tx, err := m.touch(executionID, stepID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	idx := -1
	for i, sp := range tx.savepoints {
		if sp == name {
			idx = i
		}
	}
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "savepoint %q not found in %s", name, tx.ID)
	}
	if _, err := tx.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return err
	}
	tx.savepoints = tx.savepoints[:idx+1]
	return nil
}

// Exec runs a statement inside the transaction. A deadlock rolls the
// transaction back and returns a retryable DEADLOCK error.
func (m *Manager) Exec(ctx context.Context, executionID, stepID, query string, args ...any) (int64, error) {
	tx, err := m.touch(executionID, stepID)
	if err != nil {
		return 0, err
	}
	tx.mu.Lock()
	n, execErr := tx.conn.Exec(ctx, query, args...)
	tx.mu.Unlock()
	if execErr != nil {
		return 0, m.failed(ctx, tx, execErr)
	}
	return n, nil
}

// Query runs a query inside the transaction. Deadlocks are handled as in Exec.
func (m *Manager) Query(ctx context.Context, executionID, stepID, query string, args ...any) ([]map[string]any, error) {
	tx, err := m.touch(executionID, stepID)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	rows, qErr := tx.conn.Query(ctx, query, args...)
	tx.mu.Unlock()
	if qErr != nil {
		return nil, m.failed(ctx, tx, qErr)
	}
	return rows, nil
}

// Run begins a transaction, calls fn, and commits on success or rolls back
// on error.
func (m *Manager) Run(ctx context.Context, executionID, stepID string, fn func(ctx context.Context) error) error {
	if _, err := m.Begin(ctx, executionID, stepID); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := m.Rollback(ctx, executionID, stepID); rbErr != nil {
			m.logger.Error("rollback after step error", slog.String("tx_id", TxID(executionID, stepID)),
				slog.String("error", rbErr.Error()))
		}
		return err
	}
	return m.Commit(ctx, executionID, stepID)
}

// Has reports whether the key has a live transaction.
func (m *Manager) Has(executionID, stepID string) bool {
	return m.get(TxID(executionID, stepID)) != nil
}

// TxStat describes one live transaction.
type TxStat struct {
	ID         string `json:"id"`
	DurationMs int64  `json:"durationMs"`
	Status     Status `json:"status"`
	Savepoints int    `json:"savepoints"`
}

// Stats summarizes live transactions.
type Stats struct {
	ActiveCount      int      `json:"activeCount"`
	LongestRunningMs int64    `json:"longestRunningMs"`
	Transactions     []TxStat `json:"transactions"`
}

// Stats returns a snapshot of live transactions, ordered by ID.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	now := m.now()
	s := Stats{ActiveCount: len(txs), Transactions: make([]TxStat, 0, len(txs))}
	for _, tx := range txs {
		d := now.Sub(tx.StartedAt).Milliseconds()
		if d > s.LongestRunningMs {
			s.LongestRunningMs = d
		}
		s.Transactions = append(s.Transactions, TxStat{
			ID: tx.ID, DurationMs: d, Status: tx.Status(), Savepoints: len(tx.Savepoints()),
		})
	}
	sort.Slice(s.Transactions, func(i, j int) bool { return s.Transactions[i].ID < s.Transactions[j].ID })
	return s
}

// CleanupStale force-rolls back transactions started more than maxAge ago
// and returns how many were removed.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	now := m.now()
	m.mu.Lock()
	var stale []*Transaction
	for id, tx := range m.active {
		if now.Sub(tx.StartedAt) > maxAge {
			delete(m.active, id)
			tx.timer.Stop()
			stale = append(stale, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range stale {
		m.logger.Warn("cleaning up stale transaction", slog.String("tx_id", tx.ID))
		_ = m.rollback(ctx, tx)
	}
	return len(stale)
}

func (m *Manager) get(id string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// take removes the key from the active set. Only the caller that receives a
// non-nil transaction may finish it, so each connection is released once.
func (m *Manager) take(id string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.active[id]
	if tx == nil {
		return nil
	}
	delete(m.active, id)
	tx.timer.Stop()
	return tx
}

// takeIf removes tx only if it is still the live transaction for its key.
func (m *Manager) takeIf(tx *Transaction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[tx.ID] != tx {
		return false
	}
	delete(m.active, tx.ID)
	tx.timer.Stop()
	return true
}

// touch looks up the live transaction and records activity on it.
func (m *Manager) touch(executionID, stepID string) (*Transaction, error) {
	id := TxID(executionID, stepID)
	tx := m.get(id)
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveTransaction, id)
	}
	tx.mu.Lock()
	tx.lastActivity = m.now()
	tx.mu.Unlock()
	tx.timer.Reset(m.idleTimeout)
	return tx, nil
}

// expire runs from the idle timer.
func (m *Manager) expire(tx *Transaction) {
	tx.mu.Lock()
	idle := m.now().Sub(tx.lastActivity)
	tx.mu.Unlock()
	if idle < m.idleTimeout {
		m.mu.Lock()
		if m.active[tx.ID] == tx {
			tx.timer.Reset(m.idleTimeout - idle)
		}
		m.mu.Unlock()
		return
	}
	if !m.takeIf(tx) {
		return
	}
	m.logger.Warn("transaction idle timeout, rolling back", slog.String("tx_id", tx.ID))
	_ = m.rollback(context.Background(), tx)
}

// failed handles a statement error: deadlocks roll the transaction back.
func (m *Manager) failed(ctx context.Context, tx *Transaction, err error) error {
	if !IsDeadlock(err) {
		return err
	}
	m.logger.Error("deadlock detected", slog.String("tx_id", tx.ID), slog.String("error", err.Error()))
	if m.takeIf(tx) {
		_ = m.rollback(ctx, tx)
	}
	return m.classify(tx.ID, err)
}

func (m *Manager) classify(id string, err error) error {
	if IsDeadlock(err) {
		return schema.NewError(schema.ErrCodeDeadlock, "Deadlock detected - transaction will be retried").
			WithCause(err).
			WithDetails(map[string]any{"tx_id": id})
	}
	return err
}

// IsDeadlock recognizes Postgres SQLSTATE 40P01 and the MySQL and SQLite
// deadlock messages.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "er_lock_deadlock")
}
