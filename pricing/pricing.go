// Package pricing looks up current list prices and cheaper alternatives for
// the resources under analysis.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultAlternatives is how many alternatives a lookup returns.
const DefaultAlternatives = 3

// ErrNotFound reports an unknown (cloud, region, key) combination.
var ErrNotFound = errors.New("price not found")

// Query identifies one priced resource.
type Query struct {
	Cloud  string
	Region string
	// Key is resource-kind specific: an instance type, a storage tier, a SKU.
	Key string
}

// Price is one price record.
type Price struct {
	Key         string  `json:"key"`
	Region      string  `json:"region"`
	Price       float64 `json:"price"`
	Unit        string  `json:"unit"`
	Description string  `json:"description,omitempty"`
}

// Quote is the current price plus alternatives sorted ascending by price.
type Quote struct {
	Query        Query   `json:"query"`
	Current      Price   `json:"current"`
	Alternatives []Price `json:"alternatives"`
}

// Provider answers pricing lookups.
type Provider interface {
	Lookup(ctx context.Context, q Query) (Quote, error)
}

// Querier is the subset of *pgxpool.Pool the provider uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGProvider reads prices from per-cloud tables {schema}.{cloud}_pricing
// with columns sku, region, price, unit, description.
type PGProvider struct {
	db           Querier
	schema       string
	alternatives int
	logger       *slog.Logger
}

// Option configures a PGProvider.
type Option func(*PGProvider)

// WithSchema sets the schema holding the pricing tables.
func WithSchema(schema string) Option {
	return func(p *PGProvider) {
		if schema != "" {
			p.schema = schema
		}
	}
}

// WithAlternatives sets how many alternatives are returned.
func WithAlternatives(k int) Option {
	return func(p *PGProvider) {
		if k >= 0 {
			p.alternatives = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *PGProvider) {
		p.logger = logger
	}
}

// NewPGProvider creates a provider over db.
func NewPGProvider(db Querier, opts ...Option) *PGProvider {
	p := &PGProvider{
		db:           db,
		schema:       "pricing",
		alternatives: DefaultAlternatives,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PGProvider) table(cloud string) string {
	return pgx.Identifier{p.schema, strings.ToLower(strings.TrimSpace(cloud)) + "_pricing"}.Sanitize()
}

// Lookup returns the current price for q and the cheapest other SKUs in the
// same region.
func (p *PGProvider) Lookup(ctx context.Context, q Query) (Quote, error) {
	table := p.table(q.Cloud)

	current, err := p.query(ctx,
		`SELECT sku, region, price, unit, description FROM `+table+
			` WHERE sku = $1 AND region = $2 ORDER BY price ASC LIMIT 1`,
		q.Key, q.Region)
	if err != nil {
		return Quote{}, err
	}
	if len(current) == 0 {
		return Quote{}, fmt.Errorf("%w: %s %s %s", ErrNotFound, q.Cloud, q.Region, q.Key)
	}

	quote := Quote{Query: q, Current: current[0], Alternatives: []Price{}}
	if p.alternatives == 0 {
		return quote, nil
	}

	alts, err := p.query(ctx,
		`SELECT sku, region, price, unit, description FROM `+table+
			` WHERE region = $1 AND sku <> $2 AND unit = $3 ORDER BY price ASC, sku ASC LIMIT $4`,
		q.Region, q.Key, quote.Current.Unit, p.alternatives)
	if err != nil {
		return Quote{}, err
	}
	quote.Alternatives = alts

	p.logger.Debug("Price lookup", "cloud", q.Cloud, "region", q.Region, "key", q.Key,
		"price", quote.Current.Price, "alternatives", len(alts))
	return quote, nil
}

func (p *PGProvider) query(ctx context.Context, sql string, args ...any) ([]Price, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	defer rows.Close()

	var prices []Price
	for rows.Next() {
		var pr Price
		var desc *string
		if err := rows.Scan(&pr.Key, &pr.Region, &pr.Price, &pr.Unit, &desc); err != nil {
			return nil, fmt.Errorf("scan pricing row: %w", err)
		}
		if desc != nil {
			pr.Description = *desc
		}
		prices = append(prices, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pricing rows: %w", err)
	}
	return prices, nil
}
