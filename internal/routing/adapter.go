// Package routing abstracts the mesh routing daemon. The monitor only
// needs a neighbour enumerator and per-destination route information; the
// adapter hides whether OLSR or Babel provides them.
package routing

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/meshphone/meshphone/internal/config"
)

// Neighbor is one directly connected mesh node.
type Neighbor struct {
	IP        netip.Addr
	Node      string
	Interface string
	LQ        float64 // link quality
	NLQ       float64 // neighbour link quality
	ETX       float64 // expected transmission count
}

// LinkType classifies the neighbor's interface.
func (n Neighbor) LinkType() string {
	return ClassifyLinkType(n.Interface)
}

// Route is the daemon's current route towards a destination.
type Route struct {
	DstIP    netip.Addr
	NextHop  netip.Addr
	HopCount int
	ETX      float64
}

// Adapter is the routing-daemon capability consumed by the mesh monitor.
type Adapter interface {
	Name() string
	Neighbors(ctx context.Context) ([]Neighbor, error)
	Route(ctx context.Context, dst netip.Addr) (Route, error)
	PathHops(ctx context.Context, dst netip.Addr) ([]Neighbor, error)
}

// ClassifyLinkType maps an interface name onto a link class.
func ClassifyLinkType(iface string) string {
	switch {
	case strings.HasPrefix(iface, "wlan"):
		return "RF"
	case strings.HasPrefix(iface, "tun"):
		return "tunnel"
	case strings.HasPrefix(iface, "eth"):
		return "ethernet"
	case strings.HasPrefix(iface, "br-"):
		return "bridge"
	}
	return "unknown"
}

// Daemon pid files checked by auto-detection.
const (
	olsrdPidFile  = "/var/run/olsrd.pid"
	babeldPidFile = "/var/run/babeld.pid"
)

// Detect picks an adapter per configuration, falling back to pid-file
// detection for RoutingAuto. With no daemon present a Null adapter is
// returned so the monitor degrades instead of failing.
func Detect(choice config.RoutingDaemon, log *slog.Logger) Adapter {
	log = log.With("component", "routing")
	switch choice {
	case config.RoutingOLSR:
		return NewOLSR(log)
	case config.RoutingBabel:
		return NewBabel(log)
	}

	if _, err := os.Stat(olsrdPidFile); err == nil {
		log.Info("detected OLSR routing daemon")
		return NewOLSR(log)
	}
	if _, err := os.Stat(babeldPidFile); err == nil {
		log.Info("detected Babel routing daemon")
		return NewBabel(log)
	}
	log.Warn("no routing daemon detected, mesh monitoring degraded")
	return Null{}
}

// Null is the adapter used when no routing daemon is present.
type Null struct{}

func (Null) Name() string                                             { return "none" }
func (Null) Neighbors(context.Context) ([]Neighbor, error)            { return nil, nil }
func (Null) Route(context.Context, netip.Addr) (Route, error)         { return Route{}, ErrNoRoute }
func (Null) PathHops(context.Context, netip.Addr) ([]Neighbor, error) { return nil, nil }

// Cached wraps an adapter with a neighbour-list cache so repeated queries
// within routing_cache_s hit the daemon once.
type Cached struct {
	Adapter
	ttl time.Duration

	mu        sync.Mutex
	neighbors []Neighbor
	fetched   time.Time
}

// NewCached wraps inner with a ttl-second neighbour cache.
func NewCached(inner Adapter, ttl time.Duration) *Cached {
	return &Cached{Adapter: inner, ttl: ttl}
}

// Neighbors returns the cached list when fresh.
func (c *Cached) Neighbors(ctx context.Context) ([]Neighbor, error) {
	c.mu.Lock()
	if time.Since(c.fetched) < c.ttl && c.neighbors != nil {
		out := append([]Neighbor(nil), c.neighbors...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	fresh, err := c.Adapter.Neighbors(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.neighbors = fresh
	c.fetched = time.Now()
	c.mu.Unlock()
	return append([]Neighbor(nil), fresh...), nil
}
