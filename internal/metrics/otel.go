package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/me/dispatch"

// OTelSink counts events on OpenTelemetry instruments. Only the broadcast
// round is recorded as an attribute; task and agent ids are not.
type OTelSink struct {
	broadcasts    metric.Int64Counter
	agentsOffered metric.Int64Counter
	expired       metric.Int64Counter
	disconnected  metric.Int64Counter
	groupExpiring metric.Int64Counter
}

// NewOTelSink creates the dispatch counters on mp.
func NewOTelSink(mp metric.MeterProvider) (*OTelSink, error) {
	m := mp.Meter(meterName)
	s := &OTelSink{}
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&s.broadcasts, "dispatch.broadcasts", "Broadcast rounds persisted."},
		{&s.agentsOffered, "dispatch.agents_offered", "Agents offered a task."},
		{&s.expired, "dispatch.tasks_expired", "Tasks ended by an expiry rule."},
		{&s.disconnected, "dispatch.agents_disconnected", "Heartbeat lapses handled."},
		{&s.groupExpiring, "dispatch.group_expiring", "Group expiry alerts raised."},
	} {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return s, nil
}

func (s *OTelSink) Broadcast(_ string, agents []string, round int) {
	ctx := context.Background()
	s.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.Int("round", round)))
	s.agentsOffered.Add(ctx, int64(len(agents)))
}

func (s *OTelSink) Expired(string, string) {
	s.expired.Add(context.Background(), 1)
}

func (s *OTelSink) Disconnected(string) {
	s.disconnected.Add(context.Background(), 1)
}

func (s *OTelSink) GroupExpiring(string, time.Time) {
	s.groupExpiring.Add(context.Background(), 1)
}
