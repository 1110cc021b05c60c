package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLength = 256

var (
	dbTracer = otel.Tracer("ledgerlink.db")
	dbMeter  = otel.Meter("ledgerlink.db")

	queryDuration, _ = dbMeter.Float64Histogram("db.query.duration",
		metric.WithDescription("Database call latency"),
		metric.WithUnit("s"),
	)
)

// PoolOptions sizes the connection pool. Zero values fall back to defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type DB struct {
	*sql.DB
}

// New opens a pooled connection and verifies it with a ping.
func New(connStr string, pool PoolOptions) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// call is one traced database round trip.
type call struct {
	ctx   context.Context
	span  trace.Span
	verb  string
	start time.Time
}

func begin(ctx context.Context, name, query string) *call {
	verb := extractSQLVerb(query)
	ctx, span := dbTracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", verb),
		attribute.String("db.statement", sanitizeQuery(query)),
	))
	return &call{ctx: ctx, span: span, verb: verb, start: time.Now()}
}

func (c *call) end(err error) {
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	queryDuration.Record(c.ctx, time.Since(c.start).Seconds(),
		metric.WithAttributes(attribute.String("db.operation", c.verb)))
	c.span.End()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c := begin(ctx, "db.Query", query)
	rows, err := db.DB.QueryContext(c.ctx, query, args...)
	c.end(err)
	return rows, err
}

// tracedRow keeps the span open until Scan, where sql.Row reports its errors.
type tracedRow struct {
	row  *sql.Row
	call *call
}

func (r *tracedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.call != nil {
		r.call.end(err)
		r.call = nil
	}
	return err
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *tracedRow {
	c := begin(ctx, "db.QueryRow", query)
	return &tracedRow{row: db.DB.QueryRowContext(c.ctx, query, args...), call: c}
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c := begin(ctx, "db.Exec", query)
	result, err := db.DB.ExecContext(c.ctx, query, args...)
	c.end(err)
	return result, err
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	ctx, span := dbTracer.Start(ctx, "db.Tx", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sanitizeQuery prepares a statement for a span attribute: whitespace runs
// collapse to one space, string and numeric literals become '?', and the
// result is truncated. $N placeholders carry no data and are kept.
func sanitizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))

	space := false
	for i := 0; i < len(q); i++ {
		ch := q[i]
		switch {
		case ch == ' ' || ch == '\n' || ch == '\t' || ch == '\r':
			space = b.Len() > 0
			continue
		case ch == '\'':
			// Skip to the closing quote; '' is an escaped quote.
			for i++; i < len(q); i++ {
				if q[i] == '\'' {
					if i+1 < len(q) && q[i+1] == '\'' {
						i++
						continue
					}
					break
				}
			}
			flush(&b, &space)
			b.WriteString("'?'")
			continue
		case isDigit(ch) && (i == 0 || !isIdentChar(q[i-1])):
			for i+1 < len(q) && (isDigit(q[i+1]) || q[i+1] == '.') {
				i++
			}
			flush(&b, &space)
			b.WriteByte('?')
			continue
		}
		flush(&b, &space)
		b.WriteByte(ch)
	}

	s := b.String()
	if len(s) > maxStatementLength {
		return s[:maxStatementLength] + "..."
	}
	return s
}

func flush(b *strings.Builder, space *bool) {
	if *space {
		b.WriteByte(' ')
		*space = false
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || isDigit(c) || c == '_' || c == '$'
}

func extractSQLVerb(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
