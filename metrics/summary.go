package metrics

import (
	"math"
	"sort"
)

// RuntimeSummary aggregates history for one runtime
type RuntimeSummary struct {
	Runtime      string  `json:"runtime"`
	Executions   int     `json:"executions"`
	Successes    int     `json:"successes"`
	MeanDuration float64 `json:"mean_duration"`
}

// Summary is the aggregate view over stored history
type Summary struct {
	Total        int              `json:"total"`
	SuccessRate  float64          `json:"success_rate"` // percent
	MeanDuration float64          `json:"mean_duration"`
	Warm         int              `json:"warm"`
	Cold         int              `json:"cold"`
	Runtimes     []RuntimeSummary `json:"runtimes"`
}

// Summarize computes totals, success rate, warm and cold counts and the mean
// duration overall and per runtime. Runtimes are sorted by name.
func Summarize(records []MetricRecord) Summary {
	summary := Summary{Total: len(records), Runtimes: []RuntimeSummary{}}
	if len(records) == 0 {
		return summary
	}

	type acc struct {
		count, successes int
		duration         float64
	}
	byRuntime := make(map[string]*acc)

	var successes int
	var duration float64
	for _, rec := range records {
		a, ok := byRuntime[rec.Runtime]
		if !ok {
			a = &acc{}
			byRuntime[rec.Runtime] = a
		}
		a.count++
		a.duration += rec.Duration
		duration += rec.Duration

		if rec.Success {
			a.successes++
			successes++
		}
		if rec.Warm {
			summary.Warm++
		} else {
			summary.Cold++
		}
	}

	summary.SuccessRate = round(float64(successes)/float64(len(records))*100, 2)
	summary.MeanDuration = round(duration/float64(len(records)), 3)

	for runtime, a := range byRuntime {
		summary.Runtimes = append(summary.Runtimes, RuntimeSummary{
			Runtime:      runtime,
			Executions:   a.count,
			Successes:    a.successes,
			MeanDuration: round(a.duration/float64(a.count), 3),
		})
	}
	sort.Slice(summary.Runtimes, func(i, j int) bool {
		return summary.Runtimes[i].Runtime < summary.Runtimes[j].Runtime
	})

	return summary
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
