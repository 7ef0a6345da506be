// Package warehouse reads utilization and cost views from the analytics
// database.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// DefaultRowLimit caps how many rows a single read returns.
	DefaultRowLimit = 500

	// DefaultDateColumn is filtered by the window's dates.
	DefaultDateColumn = "usage_date"

	// DefaultResourceColumn is filtered by the window's resource id.
	DefaultResourceColumn = "resource_id"
)

// Window narrows a read. Zero values mean no bound.
type Window struct {
	Start      time.Time
	End        time.Time
	ResourceID string
}

// Table is a tabular result.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Empty reports whether the table has no rows.
func (t Table) Empty() bool {
	return len(t.Rows) == 0
}

// Column returns the index of name, or -1.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Reader reads one view.
type Reader interface {
	Read(ctx context.Context, schema, view string, window Window) (Table, error)
}

// Querier is the subset of *pgxpool.Pool the reader uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGReader reads views with a parameterized SELECT.
type PGReader struct {
	db             Querier
	rowLimit       int
	dateColumn     string
	resourceColumn string
	logger         *slog.Logger
}

// Option configures a PGReader.
type Option func(*PGReader)

// WithRowLimit caps returned rows.
func WithRowLimit(n int) Option {
	return func(r *PGReader) {
		if n > 0 {
			r.rowLimit = n
		}
	}
}

// WithColumns overrides the date and resource filter columns.
func WithColumns(date, resource string) Option {
	return func(r *PGReader) {
		if date != "" {
			r.dateColumn = date
		}
		if resource != "" {
			r.resourceColumn = resource
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *PGReader) {
		r.logger = logger
	}
}

// NewPGReader creates a reader over db.
func NewPGReader(db Querier, opts ...Option) *PGReader {
	r := &PGReader{
		db:             db,
		rowLimit:       DefaultRowLimit,
		dateColumn:     DefaultDateColumn,
		resourceColumn: DefaultResourceColumn,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read selects every column of schema.view inside window. Identifiers are
// quoted; values are bound parameters.
func (r *PGReader) Read(ctx context.Context, schema, view string, window Window) (Table, error) {
	sql, args := r.buildQuery(schema, view, window)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return Table{}, fmt.Errorf("read %s.%s: %w", schema, view, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	table := Table{Columns: make([]string, len(fields))}
	for i, f := range fields {
		table.Columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Table{}, fmt.Errorf("read %s.%s row: %w", schema, view, err)
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Table{}, fmt.Errorf("read %s.%s: %w", schema, view, err)
	}

	r.logger.Debug("Warehouse read", "schema", schema, "view", view, "rows", len(table.Rows))
	return table, nil
}

func (r *PGReader) buildQuery(schema, view string, window Window) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	date := pgx.Identifier{r.dateColumn}.Sanitize()
	if !window.Start.IsZero() {
		bind(date+" >= $%d", window.Start)
	}
	if !window.End.IsZero() {
		bind(date+" <= $%d", window.End)
	}
	if window.ResourceID != "" {
		bind(pgx.Identifier{r.resourceColumn}.Sanitize()+" = $%d", window.ResourceID)
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(pgx.Identifier{schema, view}.Sanitize())
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, r.rowLimit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))
	return b.String(), args
}
