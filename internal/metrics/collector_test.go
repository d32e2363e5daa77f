package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_CounterReuse(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "help", `k="v"`)
	b := c.Counter("x_total", "help", `k="v"`)
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Errorf("expected shared counter with value 3, got %d", a.Value())
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("wemp_messages_total", "Total messages", `direction="outbound"`).Add(2)
	c.Counter("wemp_messages_total", "Total messages", `direction="inbound"`).Inc()
	c.Gauge("wemp_active_workers", "Workers", "").Set(4)
	c.Histogram("wemp_latency_seconds", "Latency", "", []float64{1, 5}).Observe(2)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"wemp_uptime_seconds",
		`wemp_messages_total{direction="inbound"} 1`,
		`wemp_messages_total{direction="outbound"} 2`,
		"wemp_active_workers 4",
		`wemp_latency_seconds_bucket{le="1"} 0`,
		`wemp_latency_seconds_bucket{le="5"} 1`,
		"wemp_latency_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}

	if n := strings.Count(body, "# TYPE wemp_messages_total counter"); n != 1 {
		t.Errorf("expected one TYPE line per family, got %d", n)
	}
	in := strings.Index(body, `direction="inbound"`)
	out := strings.Index(body, `direction="outbound"`)
	if in > out {
		t.Error("samples should be sorted by labels")
	}
}
