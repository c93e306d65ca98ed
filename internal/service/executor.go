package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dbdesk/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "dbdesk_query_duration_seconds",
	Help:    "Statement execution time by dialect and outcome.",
	Buckets: prometheus.DefBuckets,
}, []string{"dialect", "status"})

// QueryExecutor runs SQL through a session, applying the read-query cache
// and the execution timeout.
type QueryExecutor struct {
	registry *Registry
	sessions *SessionManager
	cache    *QueryCache
	audit    *AuditLogger
	binder   *core.ParamBinder
	timeout  time.Duration

	onWrite []func(connectionID string)
}

func NewQueryExecutor(registry *Registry, sessions *SessionManager, cache *QueryCache, audit *AuditLogger, timeout time.Duration) *QueryExecutor {
	registry.OnInvalidate(cache.EvictConnection)
	return &QueryExecutor{
		registry: registry,
		sessions: sessions,
		cache:    cache,
		audit:    audit,
		binder:   core.NewParamBinder(),
		timeout:  timeout,
	}
}

// Stats returns process-lifetime cache counters.
func (e *QueryExecutor) Stats() core.CacheStats { return e.cache.Stats() }

// OnWrite registers a hook called after any successful non-read statement.
// The schema introspector uses this to drop cached table shapes a DDL
// statement may have changed.
func (e *QueryExecutor) OnWrite(hook func(connectionID string)) {
	e.onWrite = append(e.onWrite, hook)
}

// Execute runs one statement for a session. Named parameters come in params,
// positional ones in positional; values are always bound, never interpolated.
func (e *QueryExecutor) Execute(ctx context.Context, connectionID, sessionID, sqlText string, params map[string]interface{}, positional []interface{}) (result *core.QueryResult, err error) {
	startTime := time.Now()
	database := ""
	dialect := core.Dialect("")

	defer func() {
		status := "success"
		errMsg := ""
		if err != nil {
			status = "error"
			errMsg = err.Error()
		}
		queryDuration.WithLabelValues(string(dialect), status).Observe(time.Since(startTime).Seconds())
		e.audit.Record(core.AuditEntry{
			At:           startTime,
			Op:           core.OpQuery,
			Detail:       auditDetail(sqlText, status, errMsg),
			ConnectionID: connectionID,
			Database:     database,
		})
	}()

	db, cfg, err := e.registry.Resolve(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	dialect = cfg.Type

	session, err := e.sessions.GetOrCreate(connectionID, sessionID)
	if err != nil {
		return nil, err
	}

	bound, err := e.binder.Bind(sqlText, cfg.Type, params, positional)
	if err != nil {
		return nil, err
	}

	database = session.CurrentDatabase()
	if database == "" {
		database = cfg.Database
	}

	readOnly := core.IsReadOnly(bound.SQL)
	key := core.CacheKey(connectionID, database, bound.SQL, bound.Args)

	// The handle and the transaction check come from the same lock
	// acquisition; a begin cannot slip in between them.
	q, release := session.acquire(db)
	defer release()
	_, inTx := q.(*sql.Tx)

	// Cached reads are served without touching the driver. Sessions inside
	// a transaction skip the cache in both directions so they always see
	// their own uncommitted writes.
	if readOnly && !inTx {
		if cached, ok := e.cache.Get(key); ok {
			out := *cached
			out.Cached = true
			out.ExecutionTimeMs = time.Since(startTime).Milliseconds()
			return &out, nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if readOnly {
		result, err = e.runQuery(execCtx, q, bound)
		if err != nil {
			return nil, e.classify(err)
		}
		if !inTx {
			e.cache.Put(key, connectionID, database, result)
		}
	} else {
		result, err = e.runExec(execCtx, q, bound)
		if err != nil {
			return nil, e.classify(err)
		}
		// Coarse invalidation: any write drops every cached read for this
		// connection+database.
		e.cache.EvictDatabase(connectionID, database)
		for _, hook := range e.onWrite {
			hook(connectionID)
		}
	}

	result.ExecutionTimeMs = time.Since(startTime).Milliseconds()
	return result, nil
}

func (e *QueryExecutor) runQuery(ctx context.Context, q querier, bound *core.BoundStatement) (*core.QueryResult, error) {
	rows, err := q.QueryContext(ctx, bound.SQL, bound.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	resultRows := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		rowMap := make(map[string]interface{})
		for i, col := range columns {
			val := values[i]
			// Drivers hand back []byte for text-ish columns
			if b, ok := val.([]byte); ok {
				rowMap[col] = string(b)
			} else {
				rowMap[col] = val
			}
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &core.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

func (e *QueryExecutor) runExec(ctx context.Context, q querier, bound *core.BoundStatement) (*core.QueryResult, error) {
	res, err := q.ExecContext(ctx, bound.SQL, bound.Args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the statement still ran.
		affected = 0
	}
	return &core.QueryResult{
		Columns:  []string{},
		Rows:     []map[string]interface{}{},
		RowCount: int(affected),
	}, nil
}

// classify maps driver failures onto the error taxonomy. A deadline means
// the call timed out; the driver may not have cancelled the statement, so
// the connection must be treated as possibly busy.
func (e *QueryExecutor) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.E(core.KindTimeout,
			fmt.Sprintf("query exceeded %s; the connection may still be busy", e.timeout), err)
	}
	if errors.Is(err, context.Canceled) {
		return core.E(core.KindTimeout, "query cancelled", err)
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.E(core.KindDriver, "execution error", err)
}

func auditDetail(sqlText, status, errMsg string) string {
	detail := core.NormalizeSQL(sqlText)
	if len(detail) > 500 {
		detail = detail[:500] + "..."
	}
	if status == "error" {
		detail += " | error: " + errMsg
	}
	return detail
}
