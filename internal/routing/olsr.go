package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrNoRoute indicates the daemon holds no route to the destination.
var ErrNoRoute = errors.New("no route to destination")

// olsrJSONInfoURL is the jsoninfo plugin endpoint on the local node.
const olsrJSONInfoURL = "http://127.0.0.1:9090"

// maxDaemonResponse bounds how much daemon output is read.
const maxDaemonResponse = 256 * 1024

// OLSR queries the olsrd jsoninfo plugin over HTTP.
type OLSR struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewOLSR returns an adapter talking to the local jsoninfo plugin.
func NewOLSR(log *slog.Logger) *OLSR {
	return &OLSR{
		baseURL: olsrJSONInfoURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.With("daemon", "olsr"),
	}
}

func (o *OLSR) Name() string { return "olsr" }

// Neighbors parses the /links document; it carries the interface name and
// link quality figures the plain /neighbors endpoint lacks.
func (o *OLSR) Neighbors(ctx context.Context) ([]Neighbor, error) {
	body, err := o.get(ctx, "/links")
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	seen := map[netip.Addr]bool{}
	for _, obj := range ScanArrayObjects(body, "links", 0) {
		ipText, ok := obj.Get("remoteIP")
		if !ok {
			continue
		}
		ip, err := netip.ParseAddr(ipText)
		if err != nil || !ip.Is4() || seen[ip] {
			continue
		}
		seen[ip] = true

		n := Neighbor{IP: ip}
		n.Interface, _ = obj.Get("olsrInterface")
		if node, ok := obj.Get("remoteHostname"); ok {
			n.Node = node
		}
		n.LQ, _ = obj.GetFloat("linkQuality")
		n.NLQ, _ = obj.GetFloat("neighborLinkQuality")
		if lq, nlq := n.LQ, n.NLQ; lq > 0 && nlq > 0 {
			n.ETX = 1 / (lq * nlq)
		}
		out = append(out, n)
	}
	o.log.Debug("olsr neighbours", "count", len(out))
	return out, nil
}

// Route scans /routes for the destination's host route.
func (o *OLSR) Route(ctx context.Context, dst netip.Addr) (Route, error) {
	body, err := o.get(ctx, "/routes")
	if err != nil {
		return Route{}, err
	}

	want := dst.String()
	for _, obj := range ScanArrayObjects(body, "routes", 0) {
		dest, ok := obj.Get("destination")
		if !ok {
			continue
		}
		// jsoninfo reports destinations as "a.b.c.d/len".
		if host, _, found := strings.Cut(dest, "/"); found {
			dest = host
		}
		if dest != want {
			continue
		}
		r := Route{DstIP: dst}
		if gw, ok := obj.Get("gateway"); ok {
			if addr, err := netip.ParseAddr(gw); err == nil {
				r.NextHop = addr
			}
		}
		if metric, ok := obj.Get("metric"); ok {
			if v, err := strconv.Atoi(metric); err == nil {
				r.HopCount = v
			}
		}
		r.ETX, _ = obj.GetFloat("rtpMetricCost")
		if r.ETX == 0 {
			r.ETX, _ = obj.GetFloat("etx")
		}
		return r, nil
	}
	return Route{}, ErrNoRoute
}

// PathHops reports what the daemon knows about the path: the first hop,
// labelled with its interface, plus the hop count from the route table.
// olsrd does not expose full per-hop traces.
func (o *OLSR) PathHops(ctx context.Context, dst netip.Addr) ([]Neighbor, error) {
	route, err := o.Route(ctx, dst)
	if err != nil {
		if errors.Is(err, ErrNoRoute) {
			return nil, nil
		}
		return nil, err
	}
	if !route.NextHop.IsValid() {
		return nil, nil
	}
	neighbors, err := o.Neighbors(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range neighbors {
		if n.IP == route.NextHop {
			return []Neighbor{n}, nil
		}
	}
	return []Neighbor{{IP: route.NextHop}}, nil
}

func (o *OLSR) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying olsrd jsoninfo %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("olsrd jsoninfo %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDaemonResponse))
	if err != nil {
		return nil, fmt.Errorf("reading olsrd jsoninfo %s: %w", path, err)
	}
	return body, nil
}
