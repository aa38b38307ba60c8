// Package meshmon drives the periodic mesh link measurements: it asks
// the routing adapter for neighbours, bursts probes at a rotating
// subset of them, and publishes the results as the network status
// document other tooling and the reporter consume.
package meshmon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/fileutil"
	"github.com/meshphone/meshphone/internal/probe"
	"github.com/meshphone/meshphone/internal/routing"
	"github.com/meshphone/meshphone/internal/state"
	"github.com/meshphone/meshphone/internal/timeutil"
)

// Probe burst shape: ten packets at 100ms spacing, one second of
// traffic per target.
const (
	probeCount   = 10
	probeSpacing = 100 * time.Millisecond
)

// Monitor runs the periodic probe cycles.
type Monitor struct {
	cfg      config.MeshMonitor
	nodeName string
	engine   *probe.Engine
	adapter  routing.Adapter
	history  *state.ProbeHistory
	jsonPath string
	log      *slog.Logger

	rotateIdx int
}

// NewMonitor wires the probe engine and routing adapter into a monitor.
func NewMonitor(cfg *config.Config, nodeName string, engine *probe.Engine, adapter routing.Adapter, history *state.ProbeHistory, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg.Monitor,
		nodeName: nodeName,
		engine:   engine,
		adapter:  adapter,
		history:  history,
		jsonPath: cfg.NetworkJSONPath(),
		log:      log.With("component", "mesh_monitor"),
	}
}

// Run executes probe cycles until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("mesh monitor started", "mode", string(m.cfg.Mode),
		"interval_s", m.cfg.NetworkStatusInterval, "targets", m.cfg.NeighborTargets)
	interval := time.Duration(m.cfg.NetworkStatusInterval) * time.Second

	for {
		m.RunCycle(ctx)
		if !timeutil.Sleep(ctx, interval) {
			m.log.Info("mesh monitor stopped")
			return nil
		}
	}
}

// RunCycle probes this cycle's targets and publishes the network
// status document. A cycle without reachable neighbours still
// publishes, so consumers can tell "no neighbours" from "agent dead".
func (m *Monitor) RunCycle(ctx context.Context) {
	neighbors, err := m.adapter.Neighbors(ctx)
	if err != nil {
		m.log.Warn("neighbour query failed", "daemon", m.adapter.Name(), "error", err)
	}

	results := make([]state.ProbeResult, 0, len(neighbors))
	for _, n := range m.selectTargets(neighbors) {
		if ctx.Err() != nil {
			return
		}
		res, err := m.probeTarget(ctx, n)
		if err != nil {
			m.log.Warn("probe cycle target failed", "dst", n.IP.String(), "error", err)
			continue
		}
		m.history.Append(res)
		results = append(results, res)
	}

	if err := m.publish(neighbors, results); err != nil {
		m.log.Warn("writing network status failed", "error", err)
	}
}

// selectTargets picks this cycle's probe destinations. Full mode probes
// every neighbour; lightweight mode takes neighbor_targets of them,
// advancing the starting offset each cycle when rotation is on so
// coverage spreads across cycles.
func (m *Monitor) selectTargets(neighbors []routing.Neighbor) []routing.Neighbor {
	if len(neighbors) == 0 {
		return nil
	}
	if m.cfg.Mode == config.ModeFull || len(neighbors) <= m.cfg.NeighborTargets {
		return neighbors
	}

	start := 0
	if m.cfg.RotatingPeer {
		start = m.rotateIdx % len(neighbors)
		m.rotateIdx++
	}
	out := make([]routing.Neighbor, 0, m.cfg.NeighborTargets)
	for i := 0; i < m.cfg.NeighborTargets; i++ {
		out = append(out, neighbors[(start+i)%len(neighbors)])
	}
	return out
}

// probeTarget bursts probes at one neighbour, waits out the probe
// window, and folds the echo metrics with the routing path into a
// result.
func (m *Monitor) probeTarget(ctx context.Context, n routing.Neighbor) (state.ProbeResult, error) {
	if err := m.engine.SendProbesTo(ctx, n.IP, probeCount, probeSpacing); err != nil {
		return state.ProbeResult{}, fmt.Errorf("sending probes: %w", err)
	}
	if !timeutil.Sleep(ctx, time.Duration(m.cfg.ProbeWindow)*time.Second) {
		return state.ProbeResult{}, ctx.Err()
	}

	metrics, err := m.engine.CalculateMetrics(ctx, n.IP)
	if err != nil {
		return state.ProbeResult{}, fmt.Errorf("collecting metrics: %w", err)
	}

	res := state.ProbeResult{
		DstIP:     n.IP.String(),
		DstNode:   n.Node,
		Timestamp: time.Now(),
		RTTAvgMs:  metrics.RTTAvgMs,
		JitterMs:  metrics.JitterMs,
		LossPct:   metrics.LossPct,
	}

	hops, err := m.adapter.PathHops(ctx, n.IP)
	if err != nil {
		m.log.Debug("path query failed", "dst", n.IP.String(), "error", err)
	}
	for _, h := range hops {
		res.Hops = append(res.Hops, state.HopInfo{
			IP:       h.IP.String(),
			Name:     h.Node,
			LinkType: h.LinkType(),
		})
	}
	res.HopCount = len(hops)
	return res, nil
}

// Document shapes for meshmon_network.json.
type networkNeighbor struct {
	IP       string  `json:"ip"`
	Node     string  `json:"node,omitempty"`
	LinkType string  `json:"link_type"`
	LQ       float64 `json:"lq"`
	NLQ      float64 `json:"nlq"`
	ETX      float64 `json:"etx"`
}

type networkDoc struct {
	Schema    string              `json:"schema"`
	Node      string              `json:"node"`
	Timestamp int64               `json:"timestamp"`
	Mode      string              `json:"mode"`
	Routing   string              `json:"routing_daemon"`
	Neighbors []networkNeighbor   `json:"neighbors"`
	Probes    []state.ProbeResult `json:"probes"`
	History   []state.ProbeResult `json:"history"`
}

func (m *Monitor) publish(neighbors []routing.Neighbor, results []state.ProbeResult) error {
	doc := networkDoc{
		Schema:    "meshmon.v1",
		Node:      m.nodeName,
		Timestamp: time.Now().Unix(),
		Mode:      string(m.cfg.Mode),
		Routing:   m.adapter.Name(),
		Neighbors: make([]networkNeighbor, 0, len(neighbors)),
		Probes:    results,
		History:   m.history.Snapshot(),
	}
	for _, n := range neighbors {
		doc.Neighbors = append(doc.Neighbors, networkNeighbor{
			IP:       n.IP.String(),
			Node:     n.Node,
			LinkType: n.LinkType(),
			LQ:       n.LQ,
			NLQ:      n.NLQ,
			ETX:      n.ETX,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding network status: %w", err)
	}
	return fileutil.WriteAtomic(m.jsonPath, data, 0o644)
}
