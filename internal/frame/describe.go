package frame

import (
	"fmt"
	"math"
	"strings"
)

const describeSamples = 3

// Describe summarizes the frame: shape, then one line per column with its
// kind, null count, distinct count, numeric stats and sample values.
func (f *Frame) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rows: %d, columns: %d\n", len(f.rows), len(f.Columns))
	b.WriteString("column | kind | nulls | unique | min | max | mean | samples\n")
	for c, col := range f.Columns {
		distinct := make(map[string]struct{})
		var samples []string
		for r := range f.rows {
			v := f.Cell(r, c)
			if isNull(v) {
				continue
			}
			if _, ok := distinct[v]; !ok {
				distinct[v] = struct{}{}
				if len(samples) < describeSamples {
					samples = append(samples, v)
				}
			}
		}

		minV, maxV, mean := "", "", ""
		if col.Kind == KindNumber {
			lo, hi, sum, n := math.Inf(1), math.Inf(-1), 0.0, 0
			for r := range f.rows {
				if v, ok := f.Number(r, c); ok {
					lo, hi = math.Min(lo, v), math.Max(hi, v)
					sum += v
					n++
				}
			}
			if n > 0 {
				minV, maxV, mean = formatNumber(lo), formatNumber(hi), formatNumber(sum/float64(n))
			}
		}

		fmt.Fprintf(&b, "%s | %s | %d | %d | %s | %s | %s | %s\n",
			col.Name, col.Kind, col.Nulls, len(distinct), minV, maxV, mean, strings.Join(samples, ", "))
	}
	return b.String()
}
