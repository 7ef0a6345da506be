package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/finops/internal/pgtest"
)

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestBuildQuery(t *testing.T) {
	r := NewPGReader(nil)

	tests := []struct {
		name     string
		window   Window
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "no bounds",
			window:   Window{},
			wantSQL:  `SELECT * FROM "acme"."aws_ec2_utilization" LIMIT $1`,
			wantArgs: []any{DefaultRowLimit},
		},
		{
			name:    "full window",
			window:  Window{Start: day("2024-01-01"), End: day("2024-01-31"), ResourceID: "i-0abc"},
			wantSQL: `SELECT * FROM "acme"."aws_ec2_utilization" WHERE "usage_date" >= $1 AND "usage_date" <= $2 AND "resource_id" = $3 LIMIT $4`,
			wantArgs: []any{
				day("2024-01-01"), day("2024-01-31"), "i-0abc", DefaultRowLimit,
			},
		},
		{
			name:     "end only",
			window:   Window{End: day("2024-01-31")},
			wantSQL:  `SELECT * FROM "acme"."aws_ec2_utilization" WHERE "usage_date" <= $1 LIMIT $2`,
			wantArgs: []any{day("2024-01-31"), DefaultRowLimit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := r.buildQuery("acme", "aws_ec2_utilization", tt.window)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildQuery_QuotesHostileIdentifiers(t *testing.T) {
	r := NewPGReader(nil, WithColumns("day", "id"), WithRowLimit(10))
	sql, _ := r.buildQuery(`acme"; DROP TABLE x; --`, "v", Window{Start: day("2024-01-01")})
	assert.Equal(t, `SELECT * FROM "acme""; DROP TABLE x; --"."v" WHERE "day" >= $1 LIMIT $2`, sql)
}

func TestRead(t *testing.T) {
	db := (&pgtest.Querier{}).On("aws_ec2_utilization", pgtest.Result{
		Columns: []string{"resource_id", "region", "instance_type", "avg_cpu", "cost"},
		Rows: [][]any{
			{"i-1", "us-east-1", "m5.large", 3.2, 70.08},
			{"i-2", "us-east-1", "m5.xlarge", 41.0, 140.16},
		},
	})

	table, err := NewPGReader(db).Read(context.Background(), "acme", "aws_ec2_utilization", Window{})
	require.NoError(t, err)
	assert.False(t, table.Empty())
	assert.Equal(t, []string{"resource_id", "region", "instance_type", "avg_cpu", "cost"}, table.Columns)
	assert.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.Column("INSTANCE_TYPE"))
	assert.Equal(t, -1, table.Column("missing"))
}

func TestRead_Empty(t *testing.T) {
	db := (&pgtest.Querier{}).On("SELECT", pgtest.Result{Columns: []string{"resource_id"}})

	table, err := NewPGReader(db).Read(context.Background(), "acme", "aws_rds_utilization", Window{})
	require.NoError(t, err)
	assert.True(t, table.Empty())
}

func TestRead_Error(t *testing.T) {
	boom := errors.New(`relation "acme.nope" does not exist`)
	db := (&pgtest.Querier{}).On("SELECT", pgtest.Result{Err: boom})

	_, err := NewPGReader(db).Read(context.Background(), "acme", "nope", Window{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "read acme.nope")
}
