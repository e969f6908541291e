package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the counters for one invocation. Lambda has no scrape
// endpoint, so callers log Snapshot() when the invocation ends.
type Recorder struct {
	reg *prometheus.Registry

	RecordsRead    prometheus.Counter
	RecordsMatched prometheus.Counter
	RecordsSkipped *prometheus.CounterVec
	PollAttempts   prometheus.Counter
	QueryOutcomes  *prometheus.CounterVec
	QueryWait      prometheus.Histogram
	ObjectsWritten prometheus.Counter
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		RecordsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "facility_records_read_total",
			Help: "Facility records decoded from the input object.",
		}),
		RecordsMatched: f.NewCounter(prometheus.CounterOpts{
			Name: "facility_records_matched_total",
			Help: "Facilities with an accreditation expiring inside the window.",
		}),
		RecordsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "facility_records_skipped_total",
			Help: "Records or accreditation entries skipped, by reason.",
		}, []string{"reason"}),
		PollAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "query_poll_attempts_total",
			Help: "GetQueryExecution calls made while waiting for a query.",
		}),
		QueryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "query_outcomes_total",
			Help: "Terminal query states observed.",
		}, []string{"state"}),
		QueryWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "query_wait_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ObjectsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "objects_written_total",
			Help: "Objects written or copied to the results bucket.",
		}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Snapshot flattens counters and histogram sums into a log-friendly map.
// Labelled series are keyed as name{label=value}.
func (r *Recorder) Snapshot() map[string]float64 {
	out := map[string]float64{}
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+"="+l.GetValue())
				}
				sort.Strings(parts)
				key += "{"
				for i, p := range parts {
					if i > 0 {
						key += ","
					}
					key += p
				}
				key += "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[key+"_sum"] = m.GetHistogram().GetSampleSum()
				out[key+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

// Fields converts Snapshot into logger fields.
func (r *Recorder) Fields() map[string]interface{} {
	snap := r.Snapshot()
	out := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}
