package recommender

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/finops/pricing"
	"github.com/c360studio/finops/warehouse"
)

// SystemPrompt is the fixed instruction block sent ahead of every analysis.
func SystemPrompt() string {
	return `You are a FinOps analyst producing cost optimization recommendations for cloud resources.

Use only the utilization data and pricing context provided. Do not invent resources.

Respond with a single JSON object and nothing else:

{
  "recommendations": [
    {
      "resource_id": "string",
      "action": "rightsize | terminate | purchase_commitment | modernize | none",
      "current": "current instance type or configuration",
      "suggested": "suggested type or configuration, empty when action is none",
      "estimated_monthly_savings": 0.0,
      "confidence": "low | medium | high",
      "rationale": "one or two sentences citing the metrics"
    }
  ]
}`
}

// BuildPrompt renders the analysis prompt from the utilization table and
// pricing quotes. At most maxRows rows are included.
func BuildPrompt(req Request, table warehouse.Table, quotes []pricing.Quote, maxRows int) string {
	var b strings.Builder

	b.WriteString(SystemPrompt())
	b.WriteString("\n\n## Scope\n\n")
	fmt.Fprintf(&b, "Cloud: %s\nSchema: %s\nResource type: %s\n", req.Cloud, req.Schema, req.ResourceType)
	if req.StartDate != "" || req.EndDate != "" {
		fmt.Fprintf(&b, "Window: %s to %s\n", orOpen(req.StartDate), orOpen(req.EndDate))
	}
	if req.ResourceID != "" {
		fmt.Fprintf(&b, "Resource: %s\n", req.ResourceID)
	}

	b.WriteString("\n## Utilization\n\n")
	writeTable(&b, table, maxRows)

	b.WriteString("\n## Pricing\n\n")
	b.WriteString(pricing.FormatContext(quotes))
	b.WriteString("\n")

	return b.String()
}

func orOpen(s string) string {
	if s == "" {
		return "open"
	}
	return s
}

// writeTable renders a CSV-like block. Commas inside values are replaced so
// the column count stays stable.
func writeTable(b *strings.Builder, table warehouse.Table, maxRows int) {
	b.WriteString(strings.Join(table.Columns, ","))
	b.WriteString("\n")

	n := len(table.Rows)
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	for _, row := range table.Rows[:n] {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		b.WriteString(strings.Join(cells, ","))
		b.WriteString("\n")
	}
	if omitted := len(table.Rows) - n; omitted > 0 {
		fmt.Fprintf(b, "(%d more rows omitted)\n", omitted)
	}
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case []byte:
		return strings.ReplaceAll(string(x), ",", ";")
	default:
		return strings.ReplaceAll(fmt.Sprint(x), ",", ";")
	}
}
