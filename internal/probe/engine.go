package probe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/meshphone/meshphone/internal/meshdns"
	"github.com/meshphone/meshphone/internal/timeutil"
)

const (
	// maxPending caps the outstanding-probe list. New sends to a
	// destination are refused while it is full.
	maxPending = 100

	// maxRTT rejects echo samples with implausible embedded timestamps.
	maxRTT = 10 * time.Second

	// tosEF is the TOS byte carrying DSCP EF (46 << 2).
	tosEF = 0xB8

	// Metric collection polls the socket in short slices so a stalled
	// destination cannot wedge the engine.
	readSlice    = 100 * time.Millisecond
	readAttempts = 50
)

type pendingProbe struct {
	seq   uint32
	sent  time.Time
	dstIP netip.Addr
}

// Metrics is the outcome of one probe burst against a destination.
type Metrics struct {
	DstIP    netip.Addr
	Expected int
	Received int
	RTTAvgMs float64
	JitterMs float64
	LossPct  float64
}

// Engine owns the long-lived sender socket. Echoes return to this socket
// because its port is embedded in every outgoing packet.
type Engine struct {
	conn     *net.UDPConn
	nodeName string
	dstPort  int
	resolver meshdns.Resolver
	limiter  *rate.Limiter
	log      *slog.Logger

	mu      sync.Mutex
	seq     uint32
	pending []pendingProbe
}

// EngineOptions configures a probe engine.
type EngineOptions struct {
	NodeName     string
	DstPort      int  // responder port on remote nodes
	MaxProbeKbps int  // outbound budget; 0 disables pacing
	DSCPEF       bool // mark probes with the EF code point
	Resolver     meshdns.Resolver
}

// NewEngine binds the ephemeral sender socket.
func NewEngine(opts EngineOptions, log *slog.Logger) (*Engine, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("binding probe sender socket: %w", err)
	}

	log = log.With("component", "probe_engine")
	if opts.DSCPEF {
		if err := ipv4.NewConn(conn).SetTOS(tosEF); err != nil {
			log.Warn("cannot set DSCP EF on probe socket", "error", err)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, PacketSize)
	if opts.MaxProbeKbps > 0 {
		bytesPerSec := float64(opts.MaxProbeKbps) * 1000 / 8
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), PacketSize)
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = meshdns.NewSystemResolver()
	}

	return &Engine{
		conn:     conn,
		nodeName: opts.NodeName,
		dstPort:  opts.DstPort,
		resolver: resolver,
		limiter:  limiter,
		log:      log,
	}, nil
}

// Close releases the sender socket.
func (e *Engine) Close() error { return e.conn.Close() }

// LocalPort reports the sender socket's bound port.
func (e *Engine) LocalPort() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendProbes resolves dstHost on the mesh and sends count probes at
// interval spacing. It returns the resolved destination so the caller can
// collect metrics for it.
func (e *Engine) SendProbes(ctx context.Context, dstHost string, count int, interval time.Duration) (netip.Addr, error) {
	dstIP, err := e.resolver.LookupIPv4(ctx, dstHost)
	if err != nil {
		return netip.Addr{}, err
	}
	return dstIP, e.SendProbesTo(ctx, dstIP, count, interval)
}

// SendProbesTo sends count probes to an already-resolved destination.
// Send failures are logged and surface later as loss.
func (e *Engine) SendProbesTo(ctx context.Context, dstIP netip.Addr, count int, interval time.Duration) error {
	dst := netip.AddrPortFrom(dstIP, uint16(e.dstPort))
	returnIP, err := preferredSourceIP(dst)
	if err != nil {
		return err
	}
	returnPort := uint16(e.LocalPort())
	dstUDP := net.UDPAddrFromAddrPort(dst)

	for i := 0; i < count; i++ {
		if err := e.limiter.WaitN(ctx, PacketSize); err != nil {
			return err
		}

		e.mu.Lock()
		if len(e.pending) >= maxPending {
			e.mu.Unlock()
			e.log.Warn("pending probe list full, refusing send", "dst", dstIP.String())
			return fmt.Errorf("pending probe list full for %s", dstIP)
		}
		e.seq++
		seq := e.seq
		e.mu.Unlock()

		now := time.Now()
		pkt := Packet{
			Sequence:      seq,
			TimestampSec:  uint32(now.Unix()),
			TimestampUsec: uint32(now.Nanosecond() / 1000),
			SrcNode:       e.nodeName,
			ReturnIP:      returnIP,
			ReturnPort:    returnPort,
		}
		wire, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("encoding probe: %w", err)
		}

		if _, err := e.conn.WriteToUDP(wire, dstUDP); err != nil {
			e.log.Warn("probe send failed", "dst", dstIP.String(), "seq", seq, "error", err)
			continue
		}

		e.mu.Lock()
		e.pending = append(e.pending, pendingProbe{seq: seq, sent: now, dstIP: dstIP})
		e.mu.Unlock()

		if i < count-1 && !timeutil.Sleep(ctx, interval) {
			return ctx.Err()
		}
	}
	return nil
}

// CalculateMetrics drains echoes for dstIP from the sender socket and
// computes loss, average RTT, and jitter. Pending entries for dstIP are
// purged regardless of outcome; 100% loss is a valid result.
func (e *Engine) CalculateMetrics(ctx context.Context, dstIP netip.Addr) (Metrics, error) {
	e.mu.Lock()
	expected := 0
	for _, p := range e.pending {
		if p.dstIP == dstIP {
			expected++
		}
	}
	e.mu.Unlock()

	m := Metrics{DstIP: dstIP, Expected: expected}
	if expected == 0 {
		return m, fmt.Errorf("no pending probes for %s", dstIP)
	}

	var rtts []float64
	buf := make([]byte, 1024)
	for attempt := 0; attempt < readAttempts && len(rtts) < expected; attempt++ {
		if ctx.Err() != nil {
			break
		}
		e.conn.SetReadDeadline(time.Now().Add(readSlice))
		n, _, err := e.conn.ReadFromUDP(buf)
		recvTime := time.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.log.Warn("probe socket read failed", "error", err)
			break
		}
		if n != PacketSize {
			continue
		}

		var echo Packet
		if err := echo.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if !e.takePending(echo.Sequence, dstIP) {
			continue
		}

		sent := time.Unix(int64(echo.TimestampSec), int64(echo.TimestampUsec)*1000)
		rtt := recvTime.Sub(sent)
		if rtt < 0 || rtt >= maxRTT {
			e.log.Debug("discarding probe echo with implausible RTT",
				"dst", dstIP.String(), "seq", echo.Sequence, "rtt", rtt)
			continue
		}
		rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
	}

	e.purgePending(dstIP)

	m.Received = len(rtts)
	m.LossPct = 100 * (1 - float64(m.Received)/float64(expected))
	if len(rtts) > 0 {
		sum := 0.0
		for _, r := range rtts {
			sum += r
		}
		m.RTTAvgMs = sum / float64(len(rtts))
	}
	if len(rtts) > 1 {
		var deltaSum float64
		for i := 1; i < len(rtts); i++ {
			deltaSum += math.Abs(rtts[i] - rtts[i-1])
		}
		m.JitterMs = deltaSum / float64(len(rtts)-1)
	}

	e.log.Debug("probe metrics computed", "dst", dstIP.String(),
		"expected", expected, "received", m.Received,
		"rtt_avg_ms", m.RTTAvgMs, "jitter_ms", m.JitterMs, "loss_pct", m.LossPct)
	return m, nil
}

// takePending removes and reports the pending entry matching (seq, dstIP).
func (e *Engine) takePending(seq uint32, dstIP netip.Addr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p.seq == seq && p.dstIP == dstIP {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// purgePending drops every pending entry for dstIP, including stuck ones
// from earlier bursts.
func (e *Engine) purgePending(dstIP netip.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.pending[:0]
	for _, p := range e.pending {
		if p.dstIP != dstIP {
			kept = append(kept, p)
		}
	}
	e.pending = kept
}

// PendingCount reports outstanding probes, for health reporting.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
