package dataengine

import (
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowcore/internal/txn"
	"github.com/rendis/flowcore/pkg/schema"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// QuestionPlaceholder is used by SQLite, libSQL and MySQL.
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder is used by Postgres.
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// SQLEngine maps data requests onto single-table SQL statements.
// Transactional requests run inside a txn.Manager transaction keyed by the
// request's execution and step; others go straight to the database.
type SQLEngine struct {
	db  *sql.DB
	txm *txn.Manager
	ph  Placeholder
}

// SQLOption configures an SQLEngine.
type SQLOption func(*SQLEngine)

// WithPlaceholder overrides QuestionPlaceholder.
func WithPlaceholder(p Placeholder) SQLOption {
	return func(e *SQLEngine) { e.ph = p }
}

// WithTransactions routes transactional requests through txm.
func WithTransactions(txm *txn.Manager) SQLOption {
	return func(e *SQLEngine) { e.txm = txm }
}

// NewSQLEngine creates an engine on db. db may be nil when every request
// is transactional.
func NewSQLEngine(db *sql.DB, opts ...SQLOption) *SQLEngine {
	e := &SQLEngine{db: db, ph: QuestionPlaceholder}
	for _, o := range opts {
		o(e)
	}
	return e
}

type statement struct {
	query string
	args  []any
	rows  bool
}

func (e *SQLEngine) Exec(ctx context.Context, req schema.DataRequest, params, _ map[string]any, meta schema.ExecMeta) schema.DataResult {
	stmt, err := buildStatement(normalizeAction(req.Action), req.Resource, params, e.ph)
	if err != nil {
		return failure(err)
	}

	if req.Transactional && e.txm != nil && meta.ExecutionID != "" {
		var res schema.DataResult
		err := e.txm.Run(ctx, meta.ExecutionID, meta.StepID, func(ctx context.Context) error {
			var runErr error
			res, runErr = e.runInTx(ctx, meta, stmt)
			return runErr
		})
		if err != nil {
			return failure(err)
		}
		return res
	}

	if e.db == nil {
		return failure(schema.NewError(schema.ErrCodeValidation, "no database configured for non-transactional request"))
	}
	if stmt.rows {
		rows, err := e.db.QueryContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return failure(err)
		}
		defer rows.Close()
		out, err := txn.ScanRows(rows)
		if err != nil {
			return failure(err)
		}
		return rowsResult(out)
	}
	res, err := e.db.ExecContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return failure(err)
	}
	n, _ := res.RowsAffected()
	return affectedResult(n)
}

func (e *SQLEngine) runInTx(ctx context.Context, meta schema.ExecMeta, stmt statement) (schema.DataResult, error) {
	if stmt.rows {
		out, err := e.txm.Query(ctx, meta.ExecutionID, meta.StepID, stmt.query, stmt.args...)
		if err != nil {
			return schema.DataResult{}, err
		}
		return rowsResult(out), nil
	}
	n, err := e.txm.Exec(ctx, meta.ExecutionID, meta.StepID, stmt.query, stmt.args...)
	if err != nil {
		return schema.DataResult{}, err
	}
	return affectedResult(n), nil
}

func rowsResult(rows []map[string]any) schema.DataResult {
	data := make([]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	return schema.DataResult{OK: true, Data: data, Meta: map[string]any{"count": len(rows)}}
}

func affectedResult(n int64) schema.DataResult {
	return schema.DataResult{OK: true, Data: map[string]any{"affectedRows": n}, Meta: map[string]any{"affectedRows": n}}
}

func buildStatement(action, resource string, params map[string]any, ph Placeholder) (statement, error) {
	if !identifier.MatchString(resource) {
		return statement{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid resource name %q", resource)
	}
	table := quote(resource)
	filter := mapParam(params, "filter")
	var args []any

	where := func() (string, error) {
		if len(filter) == 0 {
			return "", nil
		}
		conds, err := assignments(filter, ph, &args)
		if err != nil {
			return "", err
		}
		return " WHERE " + strings.Join(conds, " AND "), nil
	}

	switch action {
	case schema.DataQuery, schema.DataRead:
		w, err := where()
		if err != nil {
			return statement{}, err
		}
		q := "SELECT * FROM " + table + w
		if limit := intParam(params, "limit"); limit > 0 {
			q += " LIMIT " + strconv.Itoa(limit)
		}
		return statement{query: q, args: args, rows: true}, nil

	case schema.DataCreate:
		record := mapParam(params, "record")
		if len(record) == 0 {
			return statement{}, schema.NewError(schema.ErrCodeValidation, "create requires a non-empty record")
		}
		cols := sortedKeys(record)
		phs := make([]string, len(cols))
		quoted := make([]string, len(cols))
		for i, c := range cols {
			if !identifier.MatchString(c) {
				return statement{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
			}
			quoted[i] = quote(c)
			args = append(args, record[c])
			phs[i] = ph(len(args))
		}
		q := "INSERT INTO " + table + " (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(phs, ", ") + ")"
		return statement{query: q, args: args}, nil

	case schema.DataUpdate:
		if err := requireFilter(action, filter); err != nil {
			return statement{}, err
		}
		patch := mapParam(params, "patch")
		if len(patch) == 0 {
			return statement{}, schema.NewError(schema.ErrCodeValidation, "update requires a non-empty patch")
		}
		sets, err := assignments(patch, ph, &args)
		if err != nil {
			return statement{}, err
		}
		w, err := where()
		if err != nil {
			return statement{}, err
		}
		return statement{query: "UPDATE " + table + " SET " + strings.Join(sets, ", ") + w, args: args}, nil

	case schema.DataDelete:
		if err := requireFilter(action, filter); err != nil {
			return statement{}, err
		}
		w, err := where()
		if err != nil {
			return statement{}, err
		}
		return statement{query: "DELETE FROM " + table + w, args: args}, nil
	}
	return statement{}, unknownAction(action)
}

// assignments renders `"col" = ?` for each key in sorted order, appending
// the values to args.
func assignments(m map[string]any, ph Placeholder, args *[]any) ([]string, error) {
	cols := sortedKeys(m)
	out := make([]string, len(cols))
	for i, c := range cols {
		if !identifier.MatchString(c) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
		}
		*args = append(*args, m[c])
		out[i] = quote(c) + " = " + ph(len(*args))
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quote(id string) string { return `"` + id + `"` }

var _ Engine = (*SQLEngine)(nil)
