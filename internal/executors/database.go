package executors

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"codor/internal/db"
	"codor/internal/domain"
)

// Database runs DATABASE_QUERY actions. Connections are kept per DSN for the
// lifetime of the run so prerequisite, step and cleanup actions can share an
// in-memory database.
//
// Parameters: query (required), args, driver (default "sqlite"), dsn (alias
// database), expectedRows, minRows, maxRows.
type Database struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
}

func NewDatabase() *Database { return &Database{conns: map[string]*sql.DB{}} }

func (d *Database) Name() string          { return "database-executor" }
func (d *Database) Version() string       { return "1.0.0" }
func (d *Database) ActionTypes() []string { return []string{domain.ActionDatabaseQuery} }

func (d *Database) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	query, err := p.requireString("query")
	if err != nil {
		return nil, err
	}
	driver, err := p.str("driver", db.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := p.firstString("", "dsn", "database")
	if err != nil {
		return nil, err
	}
	args, err := queryArgs(p)
	if err != nil {
		return nil, err
	}
	conn, err := d.conn(driver, dsn, global.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"driver": driver, "query": query}
	if !returnsRows(query) {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return out, fmt.Errorf("database exec failed: %w", err)
		}
		affected, _ := res.RowsAffected()
		out["rowsAffected"] = affected
		return out, nil
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return out, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return out, err
	}
	var records []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return out, fmt.Errorf("scan row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("read rows: %w", err)
	}
	out["columns"] = cols
	out["rows"] = records
	out["rowCount"] = len(records)
	return out, checkRowCount(p, len(records))
}

func (d *Database) conn(driver, dsn, baseDir string) (*sql.DB, error) {
	key := driver + "|" + baseDir + "|" + dsn
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = map[string]*sql.DB{}
	}
	if c, ok := d.conns[key]; ok {
		return c, nil
	}
	c, err := db.OpenDSN(driver, dsn, baseDir)
	if err != nil {
		return nil, err
	}
	d.conns[key] = c
	return c, nil
}

// Cleanup closes every cached connection.
func (d *Database) Cleanup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for k, c := range d.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.conns, k)
	}
	return errors.Join(errs...)
}

func queryArgs(p params) ([]any, error) {
	raw, ok := p["args"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &ParamError{Param: "args", Reason: "expected list"}
	}
	out := make([]any, len(list))
	for i, v := range list {
		if n, ok := v.(json.Number); ok {
			if iv, err := n.Int64(); err == nil {
				out[i] = iv
				continue
			}
			f, _ := n.Float64()
			out[i] = f
			continue
		}
		out[i] = v
	}
	return out, nil
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN", "VALUES", "SHOW", "DESCRIBE"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}

func checkRowCount(p params, n int) error {
	exact, err := p.integer("expectedRows", -1)
	if err != nil {
		return err
	}
	if exact >= 0 && int64(n) != exact {
		return fmt.Errorf("query returned %d rows, expected %d", n, exact)
	}
	minRows, err := p.integer("minRows", -1)
	if err != nil {
		return err
	}
	if minRows >= 0 && int64(n) < minRows {
		return fmt.Errorf("query returned %d rows, expected at least %d", n, minRows)
	}
	maxRows, err := p.integer("maxRows", -1)
	if err != nil {
		return err
	}
	if maxRows >= 0 && int64(n) > maxRows {
		return fmt.Errorf("query returned %d rows, expected at most %d", n, maxRows)
	}
	return nil
}
