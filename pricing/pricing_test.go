package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/finops/internal/pgtest"
)

var priceColumns = []string{"sku", "region", "price", "unit", "description"}

func TestLookup_CurrentAndAlternatives(t *testing.T) {
	db := (&pgtest.Querier{}).
		On("WHERE sku = $1", pgtest.Result{
			Columns: priceColumns,
			Rows:    [][]any{{"m5.large", "us-east-1", 0.096, "hour", "General purpose"}},
		}).
		On("sku <> $2", pgtest.Result{
			Columns: priceColumns,
			Rows: [][]any{
				{"t3.large", "us-east-1", 0.0832, "hour", nil},
				{"m6g.large", "us-east-1", 0.077, "hour", nil},
			},
		})

	p := NewPGProvider(db, WithSchema("acme_gold"), WithAlternatives(2))
	quote, err := p.Lookup(context.Background(), Query{Cloud: "AWS", Region: "us-east-1", Key: "m5.large"})
	require.NoError(t, err)

	assert.Equal(t, "m5.large", quote.Current.Key)
	assert.Equal(t, 0.096, quote.Current.Price)
	assert.Equal(t, "General purpose", quote.Current.Description)
	require.Len(t, quote.Alternatives, 2)
	assert.Equal(t, "t3.large", quote.Alternatives[0].Key)
	assert.Empty(t, quote.Alternatives[0].Description)

	calls := db.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].SQL, `FROM "acme_gold"."aws_pricing"`)
	assert.Equal(t, []any{"m5.large", "us-east-1"}, calls[0].Args)
	assert.Contains(t, calls[1].SQL, "ORDER BY price ASC")
	assert.Equal(t, []any{"us-east-1", "m5.large", "hour", 2}, calls[1].Args)
}

func TestLookup_NotFound(t *testing.T) {
	db := (&pgtest.Querier{}).On("WHERE sku = $1", pgtest.Result{Columns: priceColumns})

	_, err := NewPGProvider(db).Lookup(context.Background(), Query{Cloud: "gcp", Region: "europe-west1", Key: "n2-standard-4"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, db.Calls(), 1)
}

func TestLookup_NoAlternativesRequested(t *testing.T) {
	db := (&pgtest.Querier{}).On("WHERE sku = $1", pgtest.Result{
		Columns: priceColumns,
		Rows:    [][]any{{"Standard_D2s_v5", "eastus", 0.096, "hour", nil}},
	})

	quote, err := NewPGProvider(db, WithAlternatives(0)).Lookup(context.Background(),
		Query{Cloud: "azure", Region: "eastus", Key: "Standard_D2s_v5"})
	require.NoError(t, err)
	assert.Empty(t, quote.Alternatives)
	assert.Len(t, db.Calls(), 1)
}

func TestLookup_QueryError(t *testing.T) {
	boom := errors.New("connection reset")
	db := (&pgtest.Querier{}).On("pricing", pgtest.Result{Err: boom})

	_, err := NewPGProvider(db).Lookup(context.Background(), Query{Cloud: "aws", Key: "x"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestTableNameIsQuoted(t *testing.T) {
	p := NewPGProvider(nil, WithSchema(`we"ird`))
	assert.Equal(t, `"we""ird"."aws_pricing"`, p.table(" aws "))
}

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "No pricing data available.", FormatContext(nil))

	got := FormatContext([]Quote{
		{
			Current: Price{Key: "m5.large", Region: "us-east-1", Price: 0.096, Unit: "hour"},
			Alternatives: []Price{
				{Key: "m6g.large", Price: 0.077, Unit: "hour"},
				{Key: "t3.large", Price: 0.0832, Unit: "hour"},
			},
		},
		{
			Current: Price{Key: "gp3", Region: "us-east-1", Price: 0.08, Unit: "GB-month"},
		},
	})
	assert.Equal(t,
		"- m5.large in us-east-1: $0.0960/hour; alternatives: m6g.large $0.0770/hour, t3.large $0.0832/hour\n"+
			"- gp3 in us-east-1: $0.0800/GB-month",
		got)
}
