package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ngmod_event_duration_seconds",
	Help:    "Duration of detection per inbound event",
	Buckets: prometheus.DefBuckets,
}, []string{"kind"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_events_processed_total",
	Help: "Number of inbound events evaluated",
}, []string{"kind"})

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_verdicts_total",
	Help: "Number of verdicts produced",
}, []string{"detector", "trigger", "action"})

var detectorErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_detector_errors_total",
	Help: "Number of detector runs that failed and were skipped",
}, []string{"detector"})

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_actions_total",
	Help: "Number of enforcement steps attempted",
}, []string{"step", "result"})

var voteOpenedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ngmod_votes_opened_total",
	Help: "Number of community votes opened",
})

var voteResolvedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_votes_resolved_total",
	Help: "Number of community votes reaching a terminal status",
}, []string{"status"})

var ballotCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ngmod_ballots_total",
	Help: "Number of ballots by cast result",
}, []string{"result"})

var dispatchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ngmod_dispatch_queue_depth",
	Help: "Pending updates per dispatcher shard",
}, []string{"shard"})

// ObserveEvent counts an evaluated event and returns a func recording its
// duration.
func ObserveEvent(kind string) func() {
	eventProcessCount.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		eventProcessDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func RecordVerdict(detector, trigger, action string) {
	verdictCount.WithLabelValues(detector, trigger, action).Inc()
}

func RecordDetectorError(detector string) {
	detectorErrorCount.WithLabelValues(detector).Inc()
}

func RecordAction(step, result string) {
	actionCount.WithLabelValues(step, result).Inc()
}

func RecordVoteOpened() {
	voteOpenedCount.Inc()
}

func RecordVoteResolved(status string) {
	voteResolvedCount.WithLabelValues(status).Inc()
}

func RecordBallot(result string) {
	ballotCount.WithLabelValues(result).Inc()
}

func SetQueueDepth(shard string, depth int) {
	dispatchQueueDepth.WithLabelValues(shard).Set(float64(depth))
}
