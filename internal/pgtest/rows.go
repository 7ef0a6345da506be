// Package pgtest provides an in-memory stand-in for a pgx pool so query code
// can be tested without a database.
package pgtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records one Query invocation.
type Call struct {
	SQL  string
	Args []any
}

// Result is what a matched query returns.
type Result struct {
	Columns []string
	Rows    [][]any
	Err     error
}

// Querier matches each SQL statement against registered substrings and
// returns the first matching Result.
type Querier struct {
	mu      sync.Mutex
	results []match
	calls   []Call
}

type match struct {
	contains string
	result   func(args []any) Result
}

// On registers a fixed result for any SQL containing substr.
func (q *Querier) On(substr string, r Result) *Querier {
	return q.OnFunc(substr, func([]any) Result { return r })
}

// OnFunc registers a result computed from the query arguments.
func (q *Querier) OnFunc(substr string, fn func(args []any) Result) *Querier {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, match{contains: substr, result: fn})
	return q
}

// Calls returns every query received.
func (q *Querier) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// Query implements the pool's Query method.
func (q *Querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.calls = append(q.calls, Call{SQL: sql, Args: args})
	var fn func([]any) Result
	for _, m := range q.results {
		if strings.Contains(sql, m.contains) {
			fn = m.result
			break
		}
	}
	q.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("pgtest: no result registered for %q", sql)
	}
	r := fn(args)
	if r.Err != nil {
		return nil, r.Err
	}
	return &Rows{columns: r.Columns, rows: r.Rows, pos: -1}, nil
}

// Rows is a pgx.Rows over fixed values.
type Rows struct {
	columns []string
	rows    [][]any
	pos     int
	closed  bool
}

var _ pgx.Rows = (*Rows)(nil)

func (r *Rows) Close()                        { r.closed = true }
func (r *Rows) Err() error                    { return nil }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil, fmt.Errorf("pgtest: no current row")
	}
	return append([]any(nil), r.rows[r.pos]...), nil
}

// Scan assigns each value to the matching pointer.
func (r *Rows) Scan(dest ...any) error {
	row, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(row) {
		return fmt.Errorf("pgtest: scan %d columns into %d targets", len(row), len(dest))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("pgtest: target %d is not a pointer", i)
		}
		if row[i] == nil {
			dv.Elem().Set(reflect.Zero(dv.Elem().Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		target := dv.Elem().Type()
		if target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Elem()) {
			ptr := reflect.New(target.Elem())
			ptr.Elem().Set(v)
			dv.Elem().Set(ptr)
			continue
		}
		if !v.Type().AssignableTo(dv.Elem().Type()) {
			if !v.Type().ConvertibleTo(dv.Elem().Type()) {
				return fmt.Errorf("pgtest: cannot scan %T into %s", row[i], dv.Elem().Type())
			}
			v = v.Convert(dv.Elem().Type())
		}
		dv.Elem().Set(v)
	}
	return nil
}
