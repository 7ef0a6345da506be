package pricing

import (
	"fmt"
	"strings"
)

// FormatContext condenses quotes into the pricing block of the prompt. An
// empty slice yields a line saying no pricing was available.
func FormatContext(quotes []Quote) string {
	if len(quotes) == 0 {
		return "No pricing data available."
	}

	var b strings.Builder
	for i, q := range quotes {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s in %s: %s", q.Current.Key, q.Current.Region, formatPrice(q.Current))
		if len(q.Alternatives) == 0 {
			continue
		}
		alts := make([]string, len(q.Alternatives))
		for j, a := range q.Alternatives {
			alts[j] = a.Key + " " + formatPrice(a)
		}
		fmt.Fprintf(&b, "; alternatives: %s", strings.Join(alts, ", "))
	}
	return b.String()
}

func formatPrice(p Price) string {
	unit := p.Unit
	if unit == "" {
		unit = "unit"
	}
	return fmt.Sprintf("$%.4f/%s", p.Price, unit)
}
