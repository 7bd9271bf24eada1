package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/sessionflow/core"
)

// SQLQueryConfig configures one sql_query node.
type SQLQueryConfig struct {
	Driver string // database/sql driver name, default "sqlite"
	DSN    string
	Query  string
	Args   []any    // literal positional arguments
	Params []string // input paths appended after Args
	Mode   string   // "query", "exec" or "" to infer from the statement
}

// ParseSQLQueryConfig normalizes sql_query config from a node.
func ParseSQLQueryConfig(m map[string]any, defaultDSN string) (SQLQueryConfig, error) {
	cfg := SQLQueryConfig{
		Driver: configString(m, "driver"),
		DSN:    configString(m, "dsn"),
		Query:  strings.TrimSpace(configString(m, "query")),
		Mode:   strings.ToLower(configString(m, "mode")),
	}
	if args, ok := m["args"].([]any); ok {
		cfg.Args = args
	}
	cfg.Params, _ = configStringSlice(m, "params")

	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.DSN == "" {
		cfg.DSN = defaultDSN
	}
	if cfg.DSN == "" {
		return cfg, fmt.Errorf("dsn is required")
	}
	if cfg.Query == "" {
		return cfg, fmt.Errorf("query is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = inferSQLMode(cfg.Query)
	}
	if cfg.Mode != "query" && cfg.Mode != "exec" {
		return cfg, fmt.Errorf("mode must be query or exec")
	}
	return cfg, nil
}

func inferSQLMode(query string) string {
	head := strings.ToUpper(strings.Fields(query)[0])
	switch head {
	case "SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES":
		return "query"
	}
	if strings.Contains(strings.ToUpper(query), " RETURNING ") {
		return "query"
	}
	return "exec"
}

// SQLQuery runs parameterized SQL. Row-returning statements produce
// {rows, count}; others produce {rows_affected, last_insert_id}.
// Connections are pooled per (driver, DSN) for the handler's lifetime.
type SQLQuery struct {
	DefaultDSN string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLQuery creates a handler whose nodes default to defaultDSN.
func NewSQLQuery(defaultDSN string) *SQLQuery {
	return &SQLQuery{DefaultDSN: defaultDSN, dbs: make(map[string]*sql.DB)}
}

// Execute runs the statement.
func (h *SQLQuery) Execute(ctx context.Context, config map[string]any, input map[string]any) (core.Result, error) {
	cfg, err := ParseSQLQueryConfig(config, h.DefaultDSN)
	if err != nil {
		return configError("sql_query: %v", err), nil
	}

	args := append([]any(nil), cfg.Args...)
	for _, path := range cfg.Params {
		v, ok := getNestedValue(input, path)
		if !ok {
			return core.FailPermanent(ErrTypeInput, fmt.Sprintf("sql_query: param %q not found in inputs", path)), nil
		}
		args = append(args, v)
	}

	db, err := h.open(cfg.Driver, cfg.DSN)
	if err != nil {
		return configError("sql_query: %v", err), nil
	}

	if cfg.Mode == "exec" {
		res, err := db.ExecContext(ctx, cfg.Query, args...)
		if err != nil {
			return sqlFailure(ctx, err)
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		return core.OK(map[string]any{
			"rows_affected":  affected,
			"last_insert_id": lastID,
		}), nil
	}

	rows, err := db.QueryContext(ctx, cfg.Query, args...)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	return core.OK(map[string]any{
		"rows":  out,
		"count": len(out),
	}), nil
}

// Close closes every pooled connection.
func (h *SQLQuery) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for key, db := range h.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.dbs, key)
	}
	return firstErr
}

func (h *SQLQuery) open(driver, dsn string) (*sql.DB, error) {
	key := driver + "\x00" + dsn
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dbs == nil {
		h.dbs = make(map[string]*sql.DB)
	}
	if db, ok := h.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	h.dbs[key] = db
	return db, nil
}

func scanRows(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sqlFailure(ctx context.Context, err error) (core.Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return core.Result{}, ctxErr
	}
	return core.Fail(ErrTypeSQL, "sql_query: "+err.Error()), nil
}
