package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordsRead.Add(3)
	b.RecordsRead.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(a.RecordsRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.RecordsRead))
}

func TestSnapshot(t *testing.T) {
	r := New()
	r.RecordsMatched.Add(2)
	r.RecordsSkipped.WithLabelValues("bad_date").Inc()
	r.QueryOutcomes.WithLabelValues("SUCCEEDED").Inc()
	r.QueryWait.Observe(4)

	snap := r.Snapshot()
	assert.Equal(t, 2.0, snap["facility_records_matched_total"])
	assert.Equal(t, 1.0, snap["facility_records_skipped_total{reason=bad_date}"])
	assert.Equal(t, 1.0, snap["query_outcomes_total{state=SUCCEEDED}"])
	assert.Equal(t, 4.0, snap["query_wait_seconds_sum"])
	assert.Equal(t, 1.0, snap["query_wait_seconds_count"])

	assert.Len(t, r.Fields(), len(snap))
}
