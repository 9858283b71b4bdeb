package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// OpenTraced opens the database like Open but routes every statement
// through a tracing connection that logs the SQL at debug level and
// reports its duration to observe (may be nil). Used for dev builds and
// for watching sqlite latency on slow flash storage.
func OpenTraced(path string, logger *slog.Logger, observe func(op string, d time.Duration)) (*sql.DB, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB := sql.OpenDB(&tracingConnector{dsn: dsn, logger: logger, observe: observe})
	tune(sqlDB)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return sqlDB, nil
}

// tracingConnector opens the sqlite3 driver and wraps each connection so
// statements can be logged and timed.
type tracingConnector struct {
	dsn     string
	logger  *slog.Logger
	observe func(op string, d time.Duration)
}

func (c *tracingConnector) Driver() driver.Driver {
	return tracingDriver{}
}

func (c *tracingConnector) Connect(ctx context.Context) (driver.Conn, error) {
	underlying := &sqlite3.SQLiteDriver{}
	conn, err := underlying.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &tracingConn{conn: conn, logger: c.logger, observe: c.observe}, nil
}

type tracingDriver struct{}

func (tracingDriver) Open(string) (driver.Conn, error) {
	return nil, fmt.Errorf("sqlite3-trace: use sql.OpenDB via OpenTraced, not sql.Open")
}

type tracingConn struct {
	conn    driver.Conn
	logger  *slog.Logger
	observe func(op string, d time.Duration)
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &tracingStmt{stmt: stmt, query: query, conn: c}, nil
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if prep, ok := c.conn.(driver.ConnPrepareContext); ok {
		stmt, err := prep.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &tracingStmt{stmt: stmt, query: query, conn: c}, nil
	}
	return c.Prepare(query)
}

func (c *tracingConn) Close() error {
	return c.conn.Close()
}

func (c *tracingConn) Begin() (driver.Tx, error) {
	//nolint:staticcheck // SA1019 – required when underlying conn does not implement ConnBeginTx
	return c.conn.Begin()
}

func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if beginTx, ok := c.conn.(driver.ConnBeginTx); ok {
		return beginTx.BeginTx(ctx, opts)
	}
	//nolint:staticcheck // SA1019 – fallback when underlying conn does not implement ConnBeginTx
	return c.conn.Begin()
}

type tracingStmt struct {
	stmt  driver.Stmt
	query string
	conn  *tracingConn
}

func (s *tracingStmt) Exec(args []driver.Value) (driver.Result, error) {
	defer s.trace("exec", time.Now())
	//nolint:staticcheck // SA1019 – required when underlying stmt does not implement StmtExecContext
	return s.stmt.Exec(args)
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	defer s.trace("exec", time.Now())
	if execCtx, ok := s.stmt.(driver.StmtExecContext); ok {
		return execCtx.ExecContext(ctx, args)
	}
	//nolint:staticcheck // SA1019 – fallback when underlying stmt does not implement StmtExecContext
	return s.stmt.Exec(namedToValues(args))
}

func (s *tracingStmt) Query(args []driver.Value) (driver.Rows, error) {
	defer s.trace("query", time.Now())
	//nolint:staticcheck // SA1019 – required when underlying stmt does not implement StmtQueryContext
	return s.stmt.Query(args)
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	defer s.trace("query", time.Now())
	if queryCtx, ok := s.stmt.(driver.StmtQueryContext); ok {
		return queryCtx.QueryContext(ctx, args)
	}
	//nolint:staticcheck // SA1019 – fallback when underlying stmt does not implement StmtQueryContext
	return s.stmt.Query(namedToValues(args))
}

func (s *tracingStmt) Close() error {
	return s.stmt.Close()
}

// NumInput reports -1 (unknown) unless the wrapped statement knows better.
func (s *tracingStmt) NumInput() int {
	if n, ok := s.stmt.(interface{ NumInput() int }); ok {
		return n.NumInput()
	}
	return -1
}

func (s *tracingStmt) trace(op string, start time.Time) {
	d := time.Since(start)
	if s.conn.observe != nil {
		s.conn.observe(op, d)
	}
	s.conn.logger.Debug("sql", "op", op, "dur", d, "sql", s.query)
}

func namedToValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i := range args {
		out[i] = args[i].Value
	}
	return out
}
