package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	t.Run("EmptyHistory", func(t *testing.T) {
		s := Summarize(nil)
		assert.Zero(t, s.Total)
		assert.Empty(t, s.Runtimes)
	})

	t.Run("AggregatesPerRuntime", func(t *testing.T) {
		records := []MetricRecord{
			{Runtime: "gvisor", Success: true, Duration: 1.5, Warm: false},
			{Runtime: "docker", Success: true, Duration: 2.0, Warm: false},
			{Runtime: "docker", Success: false, Duration: 1.0, Warm: true},
			{Runtime: "gvisor", Success: true, Duration: 0.5, Warm: true},
		}

		s := Summarize(records)
		assert.Equal(t, 4, s.Total)
		assert.Equal(t, 75.0, s.SuccessRate)
		assert.Equal(t, 1.25, s.MeanDuration)
		assert.Equal(t, 2, s.Warm)
		assert.Equal(t, 2, s.Cold)
		assert.Equal(t, []RuntimeSummary{
			{Runtime: "docker", Executions: 2, Successes: 1, MeanDuration: 1.5},
			{Runtime: "gvisor", Executions: 2, Successes: 2, MeanDuration: 1.0},
		}, s.Runtimes)
	})

	t.Run("RoundsTheSuccessRate", func(t *testing.T) {
		s := Summarize([]MetricRecord{{Success: true}, {Success: false}, {Success: false}})
		assert.Equal(t, 33.33, s.SuccessRate)
	})
}
