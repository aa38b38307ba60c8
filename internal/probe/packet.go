// Package probe implements the mesh UDP echo probe protocol: a fixed-size
// packet carrying its own return address, a responder that echoes packets
// verbatim to that address, and an engine that sends bursts and computes
// RTT, jitter, and loss.
//
// The explicit return address matters on mesh networks with asymmetric
// routing: the responder's kernel may pick a source address the sender
// cannot reach, so the sender embeds the endpoint it wants echoes sent to
// and the responder obeys the payload, not the datagram source.
package probe

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// PacketSize is the fixed wire size of a probe packet.
	PacketSize = 4 + 4 + 4 + nodeNameLen + returnIPLen + 2

	nodeNameLen = 64 // NUL-padded, max 63 usable bytes
	returnIPLen = 16 // dotted-quad text, NUL-padded
)

// Packet is the probe PDU. Integers travel in network byte order.
type Packet struct {
	Sequence      uint32
	TimestampSec  uint32
	TimestampUsec uint32
	SrcNode       string
	ReturnIP      netip.Addr
	ReturnPort    uint16
}

// Marshal encodes the packet into its fixed wire layout.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.SrcNode) >= nodeNameLen {
		return nil, fmt.Errorf("node name %q exceeds %d bytes", p.SrcNode, nodeNameLen-1)
	}
	if !p.ReturnIP.Is4() {
		return nil, fmt.Errorf("return address %s is not IPv4", p.ReturnIP)
	}
	ipText := p.ReturnIP.String()
	if len(ipText) >= returnIPLen {
		return nil, fmt.Errorf("return address %q exceeds %d bytes", ipText, returnIPLen-1)
	}

	buf := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.TimestampSec)
	binary.BigEndian.PutUint32(buf[8:12], p.TimestampUsec)
	copy(buf[12:12+nodeNameLen], p.SrcNode)
	copy(buf[12+nodeNameLen:12+nodeNameLen+returnIPLen], ipText)
	binary.BigEndian.PutUint16(buf[PacketSize-2:], p.ReturnPort)
	return buf, nil
}

// Unmarshal decodes a wire buffer of exactly PacketSize bytes.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) != PacketSize {
		return fmt.Errorf("probe packet is %d bytes, want %d", len(buf), PacketSize)
	}
	p.Sequence = binary.BigEndian.Uint32(buf[0:4])
	p.TimestampSec = binary.BigEndian.Uint32(buf[4:8])
	p.TimestampUsec = binary.BigEndian.Uint32(buf[8:12])
	p.SrcNode = cString(buf[12 : 12+nodeNameLen])

	ipText := cString(buf[12+nodeNameLen : 12+nodeNameLen+returnIPLen])
	addr, err := netip.ParseAddr(ipText)
	if err != nil {
		return fmt.Errorf("parsing return address %q: %w", ipText, err)
	}
	if !addr.Is4() {
		return fmt.Errorf("return address %s is not IPv4", addr)
	}
	p.ReturnIP = addr
	p.ReturnPort = binary.BigEndian.Uint16(buf[PacketSize-2:])
	return nil
}

// ReturnAddr is the endpoint echoes must be sent to.
func (p *Packet) ReturnAddr() netip.AddrPort {
	return netip.AddrPortFrom(p.ReturnIP, p.ReturnPort)
}

// cString interprets a NUL-padded field.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
