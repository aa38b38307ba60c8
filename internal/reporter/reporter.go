// Package reporter pushes the agent's health and network status
// documents to a central collector. Delivery is fire-and-forget: a
// failed POST is logged and the next interval tries again, so an
// unreachable collector never affects monitoring.
package reporter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/timeutil"
)

const (
	// pollInterval is the scheduler granularity.
	pollInterval = 10 * time.Second

	// healthInterval is fixed; only the network report interval is
	// configurable.
	healthInterval = 60 * time.Second

	postTimeout = 10 * time.Second

	// maxReportBytes bounds the network document read from disk.
	maxReportBytes = 1 << 20
)

// HealthSource produces the current health document.
type HealthSource interface {
	HealthJSON() ([]byte, error)
}

// Reporter runs the collector push loop.
type Reporter struct {
	url             string
	networkInterval time.Duration
	networkPath     string
	health          HealthSource
	client          *http.Client
	log             *slog.Logger
}

// New returns a reporter, or nil when no collector is configured.
func New(cfg *config.Config, health HealthSource, log *slog.Logger) *Reporter {
	if cfg.Monitor.CollectorURL == "" {
		return nil
	}
	return &Reporter{
		url:             cfg.Monitor.CollectorURL,
		networkInterval: time.Duration(cfg.Monitor.NetworkStatusReport) * time.Second,
		networkPath:     cfg.NetworkJSONPath(),
		health:          health,
		client:          &http.Client{Timeout: postTimeout},
		log:             log.With("component", "remote_reporter"),
	}
}

// Run schedules health and network reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	r.log.Info("remote reporter started", "collector", r.url,
		"network_interval_s", int(r.networkInterval/time.Second))

	var lastHealth, lastNetwork time.Time
	for {
		now := time.Now()
		if now.Sub(lastHealth) >= healthInterval {
			r.sendHealth(ctx)
			lastHealth = now
		}
		if r.networkInterval > 0 && now.Sub(lastNetwork) >= r.networkInterval {
			r.sendNetwork(ctx)
			lastNetwork = now
		}
		if !timeutil.Sleep(ctx, pollInterval) {
			r.log.Info("remote reporter stopped")
			return nil
		}
	}
}

func (r *Reporter) sendHealth(ctx context.Context) {
	if r.health == nil {
		return
	}
	doc, err := r.health.HealthJSON()
	if err != nil {
		r.log.Warn("generating health report failed", "error", err)
		return
	}
	if err := r.post(ctx, doc); err != nil {
		r.log.Warn("health report delivery failed", "error", err)
		return
	}
	r.log.Debug("health report sent")
}

// sendNetwork reads the published network document and forwards it
// verbatim, so collector and local consumers always see the same
// bytes.
func (r *Reporter) sendNetwork(ctx context.Context) {
	info, err := os.Stat(r.networkPath)
	if err != nil {
		r.log.Debug("no network data to report yet")
		return
	}
	if info.Size() == 0 || info.Size() > maxReportBytes {
		r.log.Warn("network document has unusable size", "bytes", info.Size())
		return
	}
	doc, err := os.ReadFile(r.networkPath)
	if err != nil {
		r.log.Warn("reading network document failed", "error", err)
		return
	}
	if err := r.post(ctx, doc); err != nil {
		r.log.Warn("network report delivery failed", "error", err)
		return
	}
	r.log.Debug("network report sent")
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Close = true

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}
