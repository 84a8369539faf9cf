package clockdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

var CommitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clockdb",
	Subsystem: "store",
	Name:      "commits",
}, []string{"op"})

var CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "clockdb",
	Subsystem: "store",
	Name:      "commit_duration_seconds",
	Buckets:   prometheus.DefBuckets,
})

var IndexUpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clockdb",
	Subsystem: "index",
	Name:      "updates",
}, []string{"index", "result"})

var IndexUpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "clockdb",
	Subsystem: "index",
	Name:      "update_duration_seconds",
	Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
}, []string{"index"})

var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clockdb",
	Subsystem: "index",
	Name:      "queries",
}, []string{"index", "kind"})

// RegisterMetrics registers every clockdb collector with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CommitCount, CommitDuration, IndexUpdateCount, IndexUpdateDuration, QueryCount)
}

// StoreStats is a point-in-time summary for operators.
type StoreStats struct {
	Docs       int
	ClockWidth int
	Blocks     int
	SizeBytes  int64
}

// Stats counts live documents (a full log walk) and reports backend sizes.
func (s *DocStore) Stats() (StoreStats, error) {
	changes, err := s.ChangesSince(nil)
	if err != nil {
		return StoreStats{}, err
	}
	return StoreStats{
		Docs:       len(changes.Rows),
		ClockWidth: len(changes.Clock),
		Blocks:     s.blox.BlockCount(),
		SizeBytes:  s.blox.Size(),
	}, nil
}
