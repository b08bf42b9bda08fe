package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// metricTotals sums the counters and gauges of g per family, across label
// values. Families without observations are absent.
func metricTotals(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sum += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += m.GetGauge().GetValue()
			}
		}
		out[mf.GetName()] = sum
	}
	return out, nil
}

func renderMetrics(w io.Writer, totals map[string]float64) {
	if len(totals) == 0 {
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Metrics:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s %g\n", name, totals[name])
	}
}
