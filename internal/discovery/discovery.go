// Package discovery finds other monitoring agents on the mesh. Every
// scan it enumerates candidate nodes from the routing topology, probes
// the ones it has not seen before, and persists the resulting agent
// list so a restart does not re-probe the whole mesh.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/fileutil"
	"github.com/meshphone/meshphone/internal/probe"
	"github.com/meshphone/meshphone/internal/routing"
	"github.com/meshphone/meshphone/internal/timeutil"
)

const (
	// maxAgents caps the cache.
	maxAgents = 100

	// probeWait is how long a candidate gets to echo the test probe.
	probeWait = 10 * time.Second

	// probeConcurrency bounds parallel reachability tests in a scan.
	probeConcurrency = 4

	// sysinfo host list of the local AREDN node.
	sysinfoURL = "http://localnode.local.mesh:8080/cgi-bin/sysinfo.json?hosts=1"

	maxSysinfoBody = 1 << 20
)

// Agent is one node known to run the monitoring agent.
type Agent struct {
	IP       netip.Addr
	Node     string
	LastSeen time.Time
}

// Scanner discovers and tracks agents.
type Scanner struct {
	cfg       config.MeshMonitor
	nodeName  string
	adapter   routing.Adapter
	cachePath string
	probePort int
	sysinfo   string
	client    *http.Client
	log       *slog.Logger

	mu     sync.Mutex
	agents []Agent
}

// NewScanner loads the agent cache and returns a scanner.
func NewScanner(cfg *config.Config, nodeName string, adapter routing.Adapter, log *slog.Logger) *Scanner {
	s := &Scanner{
		cfg:       cfg.Monitor,
		nodeName:  nodeName,
		adapter:   adapter,
		cachePath: cfg.AgentCachePath(),
		probePort: cfg.Monitor.ProbePort,
		sysinfo:   sysinfoURL,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log.With("component", "agent_discovery"),
	}
	if n := s.loadCache(); n > 0 {
		s.log.Info("loaded agent cache", "agents", n)
	}
	return s
}

// Agents returns a copy of the known-agent list.
func (s *Scanner) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Agent(nil), s.agents...)
}

// Run scans on the configured interval until ctx is cancelled. The
// first scan starts immediately.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info("agent discovery started",
		"interval_s", s.cfg.DiscoveryScanInterval, "source", s.cfg.TopologySource)
	interval := time.Duration(s.cfg.DiscoveryScanInterval) * time.Second

	for {
		if err := s.Scan(ctx); err != nil {
			s.log.Warn("discovery scan failed", "error", err)
		}
		if !timeutil.Sleep(ctx, interval) {
			s.log.Info("agent discovery stopped")
			return nil
		}
	}
}

// Scan enumerates candidates, refreshes cached agents, probes new
// ones, and persists the cache.
func (s *Scanner) Scan(ctx context.Context) error {
	start := time.Now()
	candidates, err := s.candidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.log.Warn("no candidate nodes found for discovery")
		return nil
	}

	refreshed := 0
	var untested []candidate
	for _, c := range candidates {
		if s.refresh(c.ip) {
			refreshed++
		} else {
			untested = append(untested, c)
		}
	}

	// Each reachability test waits up to probeWait, so new candidates
	// are probed with bounded concurrency.
	var newAgents atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, c := range untested {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s.log.Debug("testing candidate for agent", "ip", c.ip.String())
			addr := netip.AddrPortFrom(c.ip, uint16(s.probePort))
			if probe.TestReachability(gctx, s.nodeName, addr, probeWait) && s.add(c.ip, c.node) {
				newAgents.Add(1)
				s.log.Info("discovered new agent", "ip", c.ip.String(), "node", c.node)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.saveCache(); err != nil {
		s.log.Warn("saving agent cache failed", "error", err)
	}
	s.log.Info("discovery scan complete", "new", newAgents.Load(), "refreshed", refreshed,
		"total", len(s.Agents()), "elapsed", time.Since(start).Round(time.Second).String())
	return nil
}

type candidate struct {
	ip   netip.Addr
	node string
}

// candidates enumerates probe targets from the configured topology
// source.
func (s *Scanner) candidates(ctx context.Context) ([]candidate, error) {
	if s.cfg.TopologySource == "sysinfo" {
		return s.sysinfoCandidates(ctx)
	}
	return s.neighborCandidates(ctx)
}

// neighborCandidates takes the routing daemon's direct neighbours.
// Purely numeric names are telephones, not nodes; neighbours known only
// by IP stay in.
func (s *Scanner) neighborCandidates(ctx context.Context) ([]candidate, error) {
	neighbors, err := s.adapter.Neighbors(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying neighbours: %w", err)
	}
	seen := make(map[netip.Addr]bool)
	out := make([]candidate, 0, len(neighbors))
	for _, n := range neighbors {
		if seen[n.IP] {
			continue
		}
		if n.Node != "" && isNumericName(n.Node) {
			continue
		}
		seen[n.IP] = true
		out = append(out, candidate{ip: n.IP, node: nodeOrIP(n.Node, n.IP)})
	}
	return out, nil
}

// sysinfoCandidates reads the AREDN host list, which covers the whole
// mesh rather than just direct neighbours. Purely numeric names are
// DHCP artifacts, not nodes.
func (s *Scanner) sysinfoCandidates(ctx context.Context) ([]candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sysinfo, nil)
	if err != nil {
		return nil, err
	}
	req.Close = true

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sysinfo hosts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sysinfo returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSysinfoBody))
	if err != nil {
		return nil, fmt.Errorf("reading sysinfo body: %w", err)
	}

	seen := make(map[netip.Addr]bool)
	var out []candidate
	for _, obj := range routing.ScanArrayObjects(body, "hosts", maxAgents*4) {
		name, _ := obj.Get("name")
		ipText, ok := obj.Get("ip")
		if !ok {
			continue
		}
		ip, err := netip.ParseAddr(ipText)
		if err != nil || seen[ip] {
			continue
		}
		if isNumericName(name) {
			continue
		}
		seen[ip] = true
		out = append(out, candidate{ip: ip, node: nodeOrIP(name, ip)})
	}
	return out, nil
}

// refresh bumps last_seen for an already-cached agent.
func (s *Scanner) refresh(ip netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.agents {
		if s.agents[i].IP == ip {
			s.agents[i].LastSeen = time.Now()
			return true
		}
	}
	return false
}

func (s *Scanner) add(ip netip.Addr, node string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) >= maxAgents {
		s.log.Warn("agent cache full, dropping discovery", "ip", ip.String())
		return false
	}
	s.agents = append(s.agents, Agent{IP: ip, Node: node, LastSeen: time.Now()})
	return true
}

// Cache file: one `ip,node,unix_time` line per agent.

func (s *Scanner) loadCache() int {
	f, err := os.Open(s.cachePath)
	if err != nil {
		return 0
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = s.agents[:0]

	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(s.agents) < maxAgents {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), ",", 3)
		if len(parts) != 3 {
			continue
		}
		ip, err := netip.ParseAddr(parts[0])
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		s.agents = append(s.agents, Agent{IP: ip, Node: parts[1], LastSeen: time.Unix(ts, 0)})
	}
	return len(s.agents)
}

func (s *Scanner) saveCache() error {
	agents := s.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].IP.Less(agents[j].IP) })

	var buf bytes.Buffer
	for _, a := range agents {
		fmt.Fprintf(&buf, "%s,%s,%d\n", a.IP, a.Node, a.LastSeen.Unix())
	}
	return fileutil.WriteAtomic(s.cachePath, buf.Bytes(), 0o644)
}

func nodeOrIP(node string, ip netip.Addr) string {
	if node == "" {
		return ip.String()
	}
	return node
}

// isNumericName reports whether name is only digits and dots.
func isNumericName(name string) bool {
	if name == "" {
		return true
	}
	for _, r := range name {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
