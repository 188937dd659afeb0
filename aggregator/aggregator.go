// Package aggregator implements the callable-with-a-declared-header
// interface spec.md §6 describes: a function that collapses a metric's
// rows into one summary row, used for aggregate and time-series requests.
package aggregator

import (
	"fmt"

	"wikimetrics.dev/usermetrics/metric"
)

// Aggregator collapses a metric's per-user rows into a single summary row.
type Aggregator interface {
	Name() string
	Header() []string
	Aggregate(rows []metric.Row) ([]float64, error)
}

var registry = map[string]Aggregator{}

func register(a Aggregator) { registry[a.Name()] = a }

// Lookup returns the aggregator registered under name.
func Lookup(name string) (Aggregator, bool) {
	a, ok := registry[name]
	return a, ok
}

func init() {
	register(sumAggregator{})
	register(averageAggregator{})
}

type sumAggregator struct{}

func (sumAggregator) Name() string     { return "sum" }
func (sumAggregator) Header() []string { return []string{"sum"} }

func (sumAggregator) Aggregate(rows []metric.Row) ([]float64, error) {
	width, err := commonWidth(rows)
	if err != nil {
		return nil, err
	}
	totals := make([]float64, width)
	for _, r := range rows {
		for i, v := range r.Values {
			totals[i] += v
		}
	}
	return totals, nil
}

type averageAggregator struct{}

func (averageAggregator) Name() string     { return "average" }
func (averageAggregator) Header() []string { return []string{"average"} }

func (averageAggregator) Aggregate(rows []metric.Row) ([]float64, error) {
	width, err := commonWidth(rows)
	if err != nil {
		return nil, err
	}
	totals := make([]float64, width)
	for _, r := range rows {
		for i, v := range r.Values {
			totals[i] += v
		}
	}
	if len(rows) == 0 {
		return totals, nil
	}
	for i := range totals {
		totals[i] /= float64(len(rows))
	}
	return totals, nil
}

// commonWidth returns the row width shared by every row, or an error if
// rows disagree (a metric bug, not a user error).
func commonWidth(rows []metric.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	width := len(rows[0].Values)
	for _, r := range rows {
		if len(r.Values) != width {
			return 0, fmt.Errorf("aggregator: inconsistent row width: got %d, want %d", len(r.Values), width)
		}
	}
	return width, nil
}
