// Package metrics exposes the agent's state as Prometheus metrics,
// gathered from the live tables at scrape time.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshphone/meshphone/internal/state"
)

// ProxyCounters exposes the SIP proxy's datagram counters.
type ProxyCounters interface {
	ReceivedTotal() uint64
	DroppedTotal() uint64
	ForwardedTotal() uint64
	ResponsesTotal() uint64
	RegistersTotal() uint64
	InvitesTotal() uint64
}

// UserCounter returns the size of the registered-user table.
type UserCounter interface {
	Count() int
}

// SessionCounter returns the number of active call sessions.
type SessionCounter interface {
	Count() int
}

// ProbePendingProvider exposes the probe engine's outstanding sends.
type ProbePendingProvider interface {
	PendingCount() int
}

// ProbeHistoryProvider exposes recent probe results.
type ProbeHistoryProvider interface {
	Snapshot() []state.ProbeResult
}

// Collector is a prometheus.Collector that gathers agent metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	proxy     ProxyCounters
	users     UserCounter
	sessions  SessionCounter
	pending   ProbePendingProvider
	history   ProbeHistoryProvider
	startTime time.Time

	// Metric descriptors.
	usersDesc       *prometheus.Desc
	sessionsDesc    *prometheus.Desc
	datagramsDesc   *prometheus.Desc
	requestsDesc    *prometheus.Desc
	probePendDesc   *prometheus.Desc
	probeRTTDesc    *prometheus.Desc
	probeJitterDesc *prometheus.Desc
	probeLossDesc   *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	proxy ProxyCounters,
	users UserCounter,
	sessions SessionCounter,
	pending ProbePendingProvider,
	history ProbeHistoryProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		proxy:     proxy,
		users:     users,
		sessions:  sessions,
		pending:   pending,
		history:   history,
		startTime: startTime,

		usersDesc: prometheus.NewDesc(
			"meshphone_registered_users",
			"Number of users in the registration table",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"meshphone_active_sessions",
			"Number of active call sessions",
			nil, nil,
		),
		datagramsDesc: prometheus.NewDesc(
			"meshphone_sip_datagrams_total",
			"SIP datagrams handled by the proxy, by disposition",
			[]string{"disposition"}, nil,
		),
		requestsDesc: prometheus.NewDesc(
			"meshphone_sip_requests_total",
			"SIP requests handled by the proxy, by method",
			[]string{"method"}, nil,
		),
		probePendDesc: prometheus.NewDesc(
			"meshphone_probe_pending",
			"Probes sent and not yet echoed or expired",
			nil, nil,
		),
		probeRTTDesc: prometheus.NewDesc(
			"meshphone_probe_rtt_ms",
			"Most recent probe round-trip average per destination",
			[]string{"dst", "node"}, nil,
		),
		probeJitterDesc: prometheus.NewDesc(
			"meshphone_probe_jitter_ms",
			"Most recent probe jitter per destination",
			[]string{"dst", "node"}, nil,
		),
		probeLossDesc: prometheus.NewDesc(
			"meshphone_probe_loss_pct",
			"Most recent probe loss percentage per destination",
			[]string{"dst", "node"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"meshphone_uptime_seconds",
			"Seconds since the agent process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usersDesc
	ch <- c.sessionsDesc
	ch <- c.datagramsDesc
	ch <- c.requestsDesc
	ch <- c.probePendDesc
	ch <- c.probeRTTDesc
	ch <- c.probeJitterDesc
	ch <- c.probeLossDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.users != nil {
		ch <- prometheus.MustNewConstMetric(
			c.usersDesc, prometheus.GaugeValue,
			float64(c.users.Count()),
		)
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.proxy != nil {
		for label, value := range map[string]uint64{
			"received":  c.proxy.ReceivedTotal(),
			"dropped":   c.proxy.DroppedTotal(),
			"forwarded": c.proxy.ForwardedTotal(),
			"responses": c.proxy.ResponsesTotal(),
		} {
			ch <- prometheus.MustNewConstMetric(
				c.datagramsDesc, prometheus.CounterValue,
				float64(value), label,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.requestsDesc, prometheus.CounterValue,
			float64(c.proxy.RegistersTotal()), "register",
		)
		ch <- prometheus.MustNewConstMetric(
			c.requestsDesc, prometheus.CounterValue,
			float64(c.proxy.InvitesTotal()), "invite",
		)
	}

	if c.pending != nil {
		ch <- prometheus.MustNewConstMetric(
			c.probePendDesc, prometheus.GaugeValue,
			float64(c.pending.PendingCount()),
		)
	}

	// Latest result per destination from the history ring.
	if c.history != nil {
		latest := make(map[string]state.ProbeResult)
		for _, r := range c.history.Snapshot() {
			latest[r.DstIP] = r
		}
		for _, r := range latest {
			ch <- prometheus.MustNewConstMetric(
				c.probeRTTDesc, prometheus.GaugeValue, r.RTTAvgMs, r.DstIP, r.DstNode,
			)
			ch <- prometheus.MustNewConstMetric(
				c.probeJitterDesc, prometheus.GaugeValue, r.JitterMs, r.DstIP, r.DstNode,
			)
			ch <- prometheus.MustNewConstMetric(
				c.probeLossDesc, prometheus.GaugeValue, r.LossPct, r.DstIP, r.DstNode,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Serve registers the collector and serves /metrics on port until ctx
// is cancelled.
func Serve(ctx context.Context, port int, collector *Collector, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return fmt.Errorf("registering metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}
