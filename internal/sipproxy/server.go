// Package sipproxy implements the stateful transactional SIP/UDP proxy.
// It owns the port 5060 socket, tracks call sessions keyed by Call-ID,
// forwards requests towards callees resolved on the mesh, and routes
// responses back to the caller endpoint recorded in the session.
package sipproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/meshphone/meshphone/internal/meshdns"
	"github.com/meshphone/meshphone/internal/state"
)

// MaxDatagram is the largest SIP datagram accepted; oversize input is
// logged and dropped without a reply.
const MaxDatagram = 2048

// monitorSignature marks datagrams belonging to the phone quality
// monitor; the receive loop diverts them to its queue before SIP
// dispatch.
var monitorSignature = []byte("<sip:test@")

// MonitorSink receives quality-monitor datagrams from the receive loop.
// Offer must not block; a full queue drops its oldest entry instead.
type MonitorSink interface {
	Offer(data []byte, src netip.AddrPort) bool
}

// Stats counts proxy events for health and metrics exposition.
type Stats struct {
	Received      atomic.Uint64
	Dropped       atomic.Uint64 // oversize or unparseable
	Forwarded     atomic.Uint64
	Responses     atomic.Uint64 // responses routed back to callers
	Registers     atomic.Uint64
	Invites       atomic.Uint64
	MonitorOffers atomic.Uint64
}

// Accessors for the metrics collector.

func (s *Stats) ReceivedTotal() uint64  { return s.Received.Load() }
func (s *Stats) DroppedTotal() uint64   { return s.Dropped.Load() }
func (s *Stats) ForwardedTotal() uint64 { return s.Forwarded.Load() }
func (s *Stats) ResponsesTotal() uint64 { return s.Responses.Load() }
func (s *Stats) RegistersTotal() uint64 { return s.Registers.Load() }
func (s *Stats) InvitesTotal() uint64   { return s.Invites.Load() }

// Options configures a proxy server.
type Options struct {
	// BindPort is the local SIP port. PeerPort is the port every phone
	// and forwarded request is addressed at. Both are 5060 in
	// production; tests separate them.
	BindPort int
	PeerPort int
	Resolver meshdns.Resolver
	Monitor  MonitorSink // optional
}

// Server is the SIP proxy core.
type Server struct {
	conn     *net.UDPConn
	peerPort int
	users    *state.UserTable
	sessions *state.SessionTable
	resolver meshdns.Resolver
	monitor  MonitorSink
	stats    *Stats
	log      *slog.Logger
}

// NewServer binds the SIP socket. Failure to bind is fatal at startup.
func NewServer(opts Options, users *state.UserTable, sessions *state.SessionTable, log *slog.Logger) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: opts.BindPort})
	if err != nil {
		return nil, fmt.Errorf("binding SIP socket on :%d: %w", opts.BindPort, err)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = meshdns.NewSystemResolver()
	}
	return &Server{
		conn:     conn,
		peerPort: opts.PeerPort,
		users:    users,
		sessions: sessions,
		resolver: resolver,
		monitor:  opts.Monitor,
		stats:    &Stats{},
		log:      log.With("component", "sip_proxy"),
	}, nil
}

// Stats exposes the proxy counters.
func (s *Server) Stats() *Stats { return s.stats }

// LocalPort reports the bound SIP port.
func (s *Server) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Conn exposes the shared SIP socket for the quality monitor, which must
// emit from port 5060 for phones to answer.
func (s *Server) Conn() *net.UDPConn { return s.conn }

// Run services the SIP socket until ctx is cancelled. Each datagram is
// handled in isolation: a bad message is dropped, never fatal.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("SIP proxy listening", "addr", s.conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, MaxDatagram*2)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("SIP proxy stopped")
				return nil
			}
			s.log.Warn("SIP socket read failed", "error", err)
			continue
		}
		s.stats.Received.Add(1)

		if n > MaxDatagram {
			s.stats.Dropped.Add(1)
			s.log.Warn("dropping oversize SIP datagram", "bytes", n, "src", src.String())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, src)
	}
}

// handleDatagram demultiplexes and dispatches one datagram.
func (s *Server) handleDatagram(data []byte, src netip.AddrPort) {
	if s.monitor != nil && isMonitorTraffic(data) {
		s.stats.MonitorOffers.Add(1)
		s.monitor.Offer(data, src)
		return
	}

	msg, err := sip.ParseMessage(data)
	if err != nil {
		s.stats.Dropped.Add(1)
		s.log.Warn("dropping unparseable SIP datagram", "src", src.String(), "error", err)
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		s.handleRequest(m, data, src)
	case *sip.Response:
		s.handleResponse(m, data)
	}
}

// isMonitorTraffic reports whether the datagram's From header carries the
// quality monitor's signature.
func isMonitorTraffic(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\r\n")) {
		if len(line) == 0 {
			break // header section ended
		}
		if hasHeaderName(line, "From") || hasHeaderName(line, "f") {
			return bytes.Contains(line, monitorSignature)
		}
	}
	return false
}

func hasHeaderName(line []byte, name string) bool {
	if len(line) <= len(name) || line[len(name)] != ':' {
		return false
	}
	return bytes.EqualFold(line[:len(name)], []byte(name))
}

// send writes a raw message to dst.
func (s *Server) send(data []byte, dst netip.AddrPort) {
	if _, err := s.conn.WriteToUDPAddrPort(data, dst); err != nil {
		s.log.Warn("SIP send failed", "dst", dst.String(), "error", err)
	}
}

// reply builds a response to req and sends it to dst.
func (s *Server) reply(req *sip.Request, dst netip.AddrPort, code sip.StatusCode, reason string, extra ...sip.Header) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	for _, h := range extra {
		res.AppendHeader(h)
	}
	s.send([]byte(res.String()), dst)
}
