package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshphone/meshphone/internal/state"
)

type fakeProxy struct{}

func (fakeProxy) ReceivedTotal() uint64  { return 100 }
func (fakeProxy) DroppedTotal() uint64   { return 3 }
func (fakeProxy) ForwardedTotal() uint64 { return 80 }
func (fakeProxy) ResponsesTotal() uint64 { return 60 }
func (fakeProxy) RegistersTotal() uint64 { return 12 }
func (fakeProxy) InvitesTotal() uint64   { return 7 }

type fakeCount int

func (f fakeCount) Count() int        { return int(f) }
func (f fakeCount) PendingCount() int { return int(f) }

type fakeHistory []state.ProbeResult

func (f fakeHistory) Snapshot() []state.ProbeResult { return f }

func gather(t *testing.T, c *Collector) map[string]int {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]int)
	for _, f := range families {
		out[f.GetName()] = len(f.GetMetric())
	}
	return out
}

func TestCollectorAllProviders(t *testing.T) {
	history := fakeHistory{
		{DstIP: "10.0.0.1", DstNode: "a", RTTAvgMs: 5.5, JitterMs: 0.5, LossPct: 0},
		{DstIP: "10.0.0.2", DstNode: "b", RTTAvgMs: 9.1, JitterMs: 1.5, LossPct: 10},
		// Second result for a destination already present: one series
		// per destination, the newest wins.
		{DstIP: "10.0.0.1", DstNode: "a", RTTAvgMs: 6.0, JitterMs: 0.6, LossPct: 0},
	}
	c := NewCollector(fakeProxy{}, fakeCount(4), fakeCount(2), fakeCount(1), history, time.Now())

	got := gather(t, c)
	checks := map[string]int{
		"meshphone_registered_users":    1,
		"meshphone_active_sessions":     1,
		"meshphone_sip_datagrams_total": 4,
		"meshphone_sip_requests_total":  2,
		"meshphone_probe_pending":       1,
		"meshphone_probe_rtt_ms":        2,
		"meshphone_probe_jitter_ms":     2,
		"meshphone_probe_loss_pct":      2,
		"meshphone_uptime_seconds":      1,
	}
	for name, want := range checks {
		if got[name] != want {
			t.Errorf("metric %s: got %d series, want %d", name, got[name], want)
		}
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, time.Now())
	got := gather(t, c)
	if got["meshphone_uptime_seconds"] != 1 {
		t.Errorf("uptime must be exported even with nil providers, got %v", got)
	}
	if _, ok := got["meshphone_registered_users"]; ok {
		t.Error("nil provider must not export its metric")
	}
}
