package meshmon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/probe"
	"github.com/meshphone/meshphone/internal/routing"
	"github.com/meshphone/meshphone/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeAdapter serves a canned neighbour list and a one-hop path.
type fakeAdapter struct {
	neighbors []routing.Neighbor
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Neighbors(context.Context) ([]routing.Neighbor, error) {
	return f.neighbors, nil
}

func (f *fakeAdapter) Route(_ context.Context, dst netip.Addr) (routing.Route, error) {
	for _, n := range f.neighbors {
		if n.IP == dst {
			return routing.Route{DstIP: dst, NextHop: dst, HopCount: 1, ETX: n.ETX}, nil
		}
	}
	return routing.Route{}, routing.ErrNoRoute
}

func (f *fakeAdapter) PathHops(_ context.Context, dst netip.Addr) ([]routing.Neighbor, error) {
	for _, n := range f.neighbors {
		if n.IP == dst {
			return []routing.Neighbor{n}, nil
		}
	}
	return nil, nil
}

func neighbor(ip, node, iface string) routing.Neighbor {
	return routing.Neighbor{
		IP:        netip.MustParseAddr(ip),
		Node:      node,
		Interface: iface,
		LQ:        1.0,
		NLQ:       0.9,
		ETX:       1.11,
	}
}

func TestSelectTargetsRotation(t *testing.T) {
	cfg := config.Default()
	cfg.Monitor.NeighborTargets = 2
	cfg.Monitor.RotatingPeer = true

	m := &Monitor{cfg: cfg.Monitor, log: discard()}
	neighbors := []routing.Neighbor{
		neighbor("10.0.0.1", "a", "wlan0"),
		neighbor("10.0.0.2", "b", "wlan0"),
		neighbor("10.0.0.3", "c", "wlan0"),
	}

	first := m.selectTargets(neighbors)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].Node)
	assert.Equal(t, "b", first[1].Node)

	second := m.selectTargets(neighbors)
	require.Len(t, second, 2)
	assert.Equal(t, "b", second[0].Node, "rotation advances the starting neighbour")
	assert.Equal(t, "c", second[1].Node)

	third := m.selectTargets(neighbors)
	assert.Equal(t, "c", third[0].Node)
	assert.Equal(t, "a", third[1].Node, "selection wraps around the list")
}

func TestSelectTargetsFullMode(t *testing.T) {
	cfg := config.Default()
	cfg.Monitor.Mode = config.ModeFull
	cfg.Monitor.NeighborTargets = 1

	m := &Monitor{cfg: cfg.Monitor, log: discard()}
	neighbors := []routing.Neighbor{
		neighbor("10.0.0.1", "a", "wlan0"),
		neighbor("10.0.0.2", "b", "tun50"),
		neighbor("10.0.0.3", "c", "eth0"),
	}
	assert.Len(t, m.selectTargets(neighbors), 3, "full mode probes every neighbour")
}

func TestSelectTargetsEmpty(t *testing.T) {
	m := &Monitor{cfg: config.Default().Monitor, log: discard()}
	assert.Nil(t, m.selectTargets(nil))
}

func TestRunCyclePublishes(t *testing.T) {
	resp, err := probe.NewResponder(0, discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	engine, err := probe.NewEngine(probe.EngineOptions{
		NodeName: "test-node",
		DstPort:  resp.LocalPort(),
	}, discard())
	require.NoError(t, err)
	defer engine.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Monitor.ProbeWindow = 1

	adapter := &fakeAdapter{neighbors: []routing.Neighbor{
		neighbor("127.0.0.1", "loop-node", "wlan0"),
	}}
	history := state.NewProbeHistory()
	m := NewMonitor(cfg, "test-node", engine, adapter, history, discard())

	m.RunCycle(context.Background())

	assert.Equal(t, 1, history.Len())
	results := history.Snapshot()
	assert.Equal(t, "loop-node", results[0].DstNode)
	assert.Equal(t, 0.0, results[0].LossPct, "loopback echoes must all return")
	assert.Equal(t, 1, results[0].HopCount)
	assert.Equal(t, "RF", results[0].Hops[0].LinkType)

	data, err := os.ReadFile(cfg.NetworkJSONPath())
	require.NoError(t, err)
	var doc networkDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "meshmon.v1", doc.Schema)
	assert.Equal(t, "test-node", doc.Node)
	assert.Equal(t, "fake", doc.Routing)
	require.Len(t, doc.Neighbors, 1)
	assert.Equal(t, "RF", doc.Neighbors[0].LinkType)
	require.Len(t, doc.Probes, 1)
	assert.WithinDuration(t, time.Now(), time.Unix(doc.Timestamp, 0), 10*time.Second)
}
