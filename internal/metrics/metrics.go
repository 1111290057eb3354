// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

type Metrics struct {
	ExtractionsTotal   *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	PapersTotal        *prometheus.CounterVec
	LockTimeoutsTotal  prometheus.Counter
	StagedFilesRemoved prometheus.Counter
	JudgeCallsTotal    *prometheus.CounterVec
}

// Get registers the collectors on first use and returns the shared set.
//
// Metrics:
//   - atlas_extractions_total{strategy,outcome}
//   - atlas_extraction_duration_seconds{strategy}
//   - atlas_tokens_total{strategy,kind}
//   - atlas_papers_total{outcome} - created or reused on intake
//   - atlas_lock_timeouts_total
//   - atlas_staged_files_removed_total
//   - atlas_judge_calls_total{outcome}
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ExtractionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atlas_extractions_total",
					Help: "Extraction attempts by strategy and outcome",
				},
				[]string{"strategy", "outcome"},
			),
			ExtractionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "atlas_extraction_duration_seconds",
					Help:    "Wall time of one extraction attempt",
					Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
				},
				[]string{"strategy"},
			),
			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atlas_tokens_total",
					Help: "Provider tokens consumed by strategy and kind",
				},
				[]string{"strategy", "kind"},
			),
			PapersTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atlas_papers_total",
					Help: "Papers seen on intake, created or reused",
				},
				[]string{"outcome"},
			),
			LockTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "atlas_lock_timeouts_total",
				Help: "Dedup lock acquisitions that timed out",
			}),
			StagedFilesRemoved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "atlas_staged_files_removed_total",
				Help: "Staged local files deleted after processing or by the sweep",
			}),
			JudgeCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "atlas_judge_calls_total",
					Help: "Similarity judge calls by outcome",
				},
				[]string{"outcome"},
			),
		}
	})
	return global
}
