package diag

import (
	"io"

	"github.com/google/pprof/profile"
)

// QueueSample describes one priority band's run-queue depth at the moment
// of the snapshot.
type QueueSample struct {
	Priority string
	Len      int
	Runnable bool
}

// DumpRunQueueProfile renders a point-in-time snapshot of the scheduler's
// run queues as a pprof profile (github.com/google/pprof/profile), so the
// same `go tool pprof` tooling used to inspect CPU/heap profiles can be
// pointed at scheduler contention instead of only ad-hoc formatted text.
func DumpRunQueueProfile(w io.Writer, samples []QueueSample) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "queue_length", Unit: "processes"},
		},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}
	for _, s := range samples {
		labels := map[string][]string{"priority": {s.Priority}}
		if s.Runnable {
			labels["runnable"] = []string{"true"}
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{int64(s.Len)},
			Label: labels,
		})
	}
	return p.Write(w)
}
