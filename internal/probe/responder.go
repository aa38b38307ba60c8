package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Responder echoes probe packets verbatim to the return endpoint embedded
// in the payload. It owns the fixed-port probe socket (default 40050).
type Responder struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// NewResponder binds the responder socket on port.
func NewResponder(port int, log *slog.Logger) (*Responder, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding probe responder on :%d: %w", port, err)
	}
	return &Responder{
		conn: conn,
		log:  log.With("component", "probe_responder"),
	}, nil
}

// Run services echo requests until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	r.log.Info("probe responder listening", "addr", r.conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.log.Info("probe responder stopped")
				return nil
			}
			r.log.Warn("probe responder read failed", "error", err)
			continue
		}
		// Anything that is not exactly one probe packet is discarded.
		if n != PacketSize {
			r.log.Debug("discarding datagram of unexpected size", "bytes", n, "src", src.String())
			continue
		}

		var pkt Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.log.Debug("discarding unparseable probe", "src", src.String(), "error", err)
			continue
		}

		dst := net.UDPAddrFromAddrPort(pkt.ReturnAddr())
		if _, err := r.conn.WriteToUDP(buf[:n], dst); err != nil {
			r.log.Warn("probe echo failed", "dst", dst.String(), "error", err)
		}
	}
}

// LocalPort reports the bound responder port.
func (r *Responder) LocalPort() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// TestReachability sends a single probe to addr and waits up to timeout
// for its echo on a throwaway socket. Used by agent discovery.
func TestReachability(ctx context.Context, nodeName string, addr netip.AddrPort, timeout time.Duration) bool {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return false
	}
	defer conn.Close()

	returnIP, err := preferredSourceIP(addr)
	if err != nil {
		return false
	}

	now := time.Now()
	pkt := Packet{
		Sequence:      1,
		TimestampSec:  uint32(now.Unix()),
		TimestampUsec: uint32(now.Nanosecond() / 1000),
		SrcNode:       nodeName,
		ReturnIP:      returnIP,
		ReturnPort:    uint16(conn.LocalAddr().(*net.UDPAddr).Port),
	}
	wire, err := pkt.Marshal()
	if err != nil {
		return false
	}
	if _, err := conn.WriteToUDP(wire, net.UDPAddrFromAddrPort(addr)); err != nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		if n != PacketSize {
			continue
		}
		var echo Packet
		if echo.Unmarshal(buf[:n]) == nil && echo.Sequence == pkt.Sequence {
			return true
		}
	}
}

// preferredSourceIP learns which local IPv4 the kernel would use to reach
// dst, via a connected throwaway socket.
func preferredSourceIP(dst netip.AddrPort) (netip.Addr, error) {
	c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("probing source address for %s: %w", dst, err)
	}
	defer c.Close()
	local := c.LocalAddr().(*net.UDPAddr)
	ip, ok := netip.AddrFromSlice(local.IP.To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("no IPv4 source address for %s", dst)
	}
	return ip, nil
}
