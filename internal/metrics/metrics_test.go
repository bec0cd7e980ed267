package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammad-safakhou/pdfbot/session"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RateLimited("convert")
	m.TaskFinished("convert", "succeeded", time.Second)
	m.SessionOp("create", "memory", nil)
	m.GCCycle(map[string]int{"sessions": 1}, 0, time.Second)
	m.Saved(10)
	m.RegisterGauge("x", "y", func() float64 { return 0 })
}

func TestSessionOpResults(t *testing.T) {
	m := New()
	m.SessionOp("add_item", "redis", nil)
	m.SessionOp("add_item", "redis", fmt.Errorf("%w: dial", session.ErrUnavailable))
	m.SessionOp("add_item", "redis", session.ErrClosed)
	m.SessionOp("add_item", "redis", errors.New("boom"))

	for result, want := range map[string]float64{"ok": 1, "unavailable": 1, "rejected": 1, "error": 1} {
		got := testutil.ToFloat64(m.SessionOps.WithLabelValues("add_item", "redis", result))
		if got != want {
			t.Fatalf("%s: got %v want %v", result, got, want)
		}
	}
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.RateLimited("compress")
	m.RateLimited("compress")
	if got := testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("compress")); got != 2 {
		t.Fatalf("rejections = %v", got)
	}
	m.GCCycle(map[string]int{"files": 3, "sessions": 2}, 1, time.Second)
	if got := testutil.ToFloat64(m.GCDeleted.WithLabelValues("files")); got != 3 {
		t.Fatalf("gc files = %v", got)
	}
	if got := testutil.ToFloat64(m.GCErrors); got != 1 {
		t.Fatalf("gc errors = %v", got)
	}
	m.Saved(-5)
	m.Saved(100)
	if got := testutil.ToFloat64(m.BytesSaved); got != 100 {
		t.Fatalf("bytes saved = %v", got)
	}
}
