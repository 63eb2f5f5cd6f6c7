package metrics

import (
	"testing"
	"time"
)

func TestCountersAggregatePerAction(t *testing.T) {
	c := NewCounters()
	rec := Multi{c, LogRecorder{SlowThreshold: time.Second}}

	rec.RecordMessage("submit", 10*time.Millisecond, true, 100)
	rec.RecordMessage("submit", 30*time.Millisecond, false, 50)
	rec.RecordMessage("fetch", time.Millisecond, true, 20)

	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Action != "fetch" || snap[1].Action != "submit" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	submit := snap[1]
	if submit.Count != 2 || submit.Failures != 1 || submit.Bytes != 150 {
		t.Fatalf("unexpected submit stats: %+v", submit)
	}
	if submit.MaxLatency != 30*time.Millisecond || submit.TotalLatency != 40*time.Millisecond {
		t.Fatalf("unexpected latency stats: %+v", submit)
	}
}
