package routing

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"
)

// babelSocket is babeld's local read-only monitoring interface
// (`local-port 33123` in babeld.conf).
const babelSocket = "127.0.0.1:33123"

// Babel reads babeld's line-oriented monitoring protocol. The daemon
// dumps its tables on connect as `add neighbour ...` / `add route ...`
// lines; we read until `ok` or timeout.
type Babel struct {
	addr string
	log  *slog.Logger
}

// NewBabel returns an adapter for the local babeld monitor socket.
func NewBabel(log *slog.Logger) *Babel {
	return &Babel{addr: babelSocket, log: log.With("daemon", "babel")}
}

func (b *Babel) Name() string { return "babel" }

// Neighbors parses `add neighbour` lines from the table dump.
func (b *Babel) Neighbors(ctx context.Context) ([]Neighbor, error) {
	lines, err := b.dump(ctx)
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	seen := map[netip.Addr]bool{}
	for _, line := range lines {
		if !strings.HasPrefix(line, "add neighbour") {
			continue
		}
		fields := babelFields(line)
		ipText, ok := fields["address"]
		if !ok {
			continue
		}
		ip, err := netip.ParseAddr(ipText)
		if err != nil || !ip.Is4() || seen[ip] {
			continue
		}
		seen[ip] = true
		n := Neighbor{IP: ip, Interface: fields["if"]}
		if cost, ok := fields["cost"]; ok {
			fmt.Sscanf(cost, "%f", &n.ETX)
			// babeld costs are 256-scaled ETX.
			n.ETX /= 256
		}
		out = append(out, n)
	}
	b.log.Debug("babel neighbours", "count", len(out))
	return out, nil
}

// Route parses `add route` lines for an installed route to dst.
func (b *Babel) Route(ctx context.Context, dst netip.Addr) (Route, error) {
	lines, err := b.dump(ctx)
	if err != nil {
		return Route{}, err
	}
	want := dst.String() + "/32"
	for _, line := range lines {
		if !strings.HasPrefix(line, "add route") {
			continue
		}
		fields := babelFields(line)
		if fields["prefix"] != want || fields["installed"] == "no" {
			continue
		}
		r := Route{DstIP: dst}
		if via, ok := fields["via"]; ok {
			if addr, err := netip.ParseAddr(via); err == nil {
				r.NextHop = addr
			}
		}
		if metric, ok := fields["metric"]; ok {
			fmt.Sscanf(metric, "%d", &r.HopCount)
			// Babel metrics are additive link costs, not hop counts;
			// approximate one hop per 256 units.
			if r.HopCount > 256 {
				r.HopCount /= 256
			} else if r.HopCount > 0 {
				r.HopCount = 1
			}
		}
		return r, nil
	}
	return Route{}, ErrNoRoute
}

// PathHops reports the first hop towards dst; babeld exposes no full path.
func (b *Babel) PathHops(ctx context.Context, dst netip.Addr) ([]Neighbor, error) {
	route, err := b.Route(ctx, dst)
	if err != nil {
		if errors.Is(err, ErrNoRoute) {
			return nil, nil
		}
		return nil, err
	}
	if !route.NextHop.IsValid() {
		return nil, nil
	}
	return []Neighbor{{IP: route.NextHop}}, nil
}

// dump connects to the monitor socket and collects the initial table dump.
func (b *Babel) dump(ctx context.Context) ([]string, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to babeld monitor socket: %w", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "ok" || line == "done" {
			break
		}
		lines = append(lines, line)
		if len(lines) > 4096 {
			break
		}
	}
	if err := sc.Err(); err != nil && len(lines) == 0 {
		return nil, fmt.Errorf("reading babeld table dump: %w", err)
	}
	return lines, nil
}

// babelFields splits "add neighbour 8f... address 10.0.0.2 if wlan0 reach
// ffff cost 256" into its key-value tail.
func babelFields(line string) map[string]string {
	parts := strings.Fields(line)
	fields := make(map[string]string)
	// Skip the verb, table, and id ("add neighbour <id>").
	for i := 3; i+1 < len(parts); i += 2 {
		fields[parts[i]] = parts[i+1]
	}
	return fields
}
