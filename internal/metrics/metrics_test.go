package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMemorySinkCounts(t *testing.T) {
	m := NewMemorySink(0)
	m.Broadcast("task_1", []string{"a", "b"}, 0)
	m.Broadcast("task_1", []string{"c"}, 1)
	m.Expired("task_1", "Task expired.")
	m.Disconnected("a")
	m.GroupExpiring("b", time.Unix(0, 0))

	s := m.Snapshot()
	if s.Broadcasts != 2 || s.AgentsOffered != 3 || s.Expired != 1 || s.Disconnected != 1 || s.GroupExpiring != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if got := m.Events(KindBroadcast); len(got) != 2 || got[1].Round != 1 {
		t.Errorf("broadcast events = %+v", got)
	}
	if got := m.Events(""); len(got) != 5 {
		t.Errorf("all events = %d, want 5", len(got))
	}
}

func TestMemorySinkCapacity(t *testing.T) {
	m := NewMemorySink(2)
	m.Expired("task_1", "x")
	m.Expired("task_2", "x")
	m.Expired("task_3", "x")

	events := m.Events(KindExpired)
	if len(events) != 2 || events[0].TaskID != "task_2" {
		t.Errorf("events = %+v, want last two", events)
	}
	if m.Snapshot().Expired != 3 {
		t.Error("counter must include evicted events")
	}
}

func TestMultiAndLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mem := NewMemorySink(10)
	sink := Multi{NewLogSink(logger), mem, Nop{}}

	sink.Broadcast("task_9", []string{"agt_a"}, 2)
	sink.Disconnected("agt_a")

	if mem.Snapshot().Broadcasts != 1 || mem.Snapshot().Disconnected != 1 {
		t.Errorf("memory sink missed events: %+v", mem.Snapshot())
	}
	out := buf.String()
	if !strings.Contains(out, "task broadcast") || !strings.Contains(out, "task_id=task_9") {
		t.Errorf("log output = %q", out)
	}
	if !strings.Contains(out, "agent disconnected") {
		t.Errorf("log output missing disconnect: %q", out)
	}
}

func TestOTelSinkCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	s, err := NewOTelSink(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewOTelSink: %v", err)
	}
	s.Broadcast("task_1", []string{"a", "b"}, 0)
	s.Broadcast("task_1", []string{"c"}, 1)
	s.Expired("task_1", "Task expired.")
	s.Disconnected("a")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: data %T, want Sum[int64]", m.Name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}
	want := map[string]int64{
		"dispatch.broadcasts":          2,
		"dispatch.agents_offered":      3,
		"dispatch.tasks_expired":       1,
		"dispatch.agents_disconnected": 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}
