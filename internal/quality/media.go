package quality

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"
	"github.com/zaf/g711"

	"github.com/meshphone/meshphone/internal/state"
)

// Media test timing. The burst is long enough for the phone's RTCP
// receiver report to come back while staying far below a real call.
const (
	mediaBurst      = 1200 * time.Millisecond
	mediaPtime      = 40 * time.Millisecond
	mediaRTCPWait   = 2 * time.Second
	mediaSampleRate = 8000
	// PCMU samples per ptime frame.
	samplesPerFrame = mediaSampleRate / int(time.Second/mediaPtime)
)

// MediaResult carries the RTP leg measurements of one probe.
type MediaResult struct {
	RTTMs           float64 `json:"rtt_ms"`
	JitterMs        float64 `json:"jitter_ms"`
	LossPct         float64 `json:"loss_pct"`
	PacketsSent     int     `json:"packets_sent"`
	PacketsReceived int     `json:"packets_received"`
}

// runMediaTest places a short test call: INVITE with a PCMU offer, a
// 1.2 second tone burst, RTCP sender reports so the phone's receiver
// report yields a round-trip time, then BYE.
func (m *Monitor) runMediaTest(ctx context.Context, u state.User, addr netip.AddrPort) (*MediaResult, ProbeStatus) {
	rtpConn, rtcpConn, err := openRTPPair()
	if err != nil {
		m.log.Warn("media test socket setup failed", "phone", u.ID, "error", err)
		return nil, StatusSIPError
	}
	defer rtpConn.Close()
	defer rtcpConn.Close()
	rtpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port

	callID := uuid.NewString()
	fromTag := uuid.NewString()[:8]
	offer, err := m.buildOffer(rtpPort)
	if err != nil {
		m.log.Warn("building SDP offer failed", "phone", u.ID, "error", err)
		return nil, StatusSIPError
	}

	invite := m.buildInvite(u.ID, addr, callID, fromTag, offer)
	m.queue.Drain()
	if _, err := m.conn.WriteToUDPAddrPort([]byte(invite.String()), addr); err != nil {
		m.log.Warn("INVITE send failed", "phone", u.ID, "error", err)
		return nil, StatusSIPError
	}

	resp, sawProvisional, ok := m.awaitInviteFinal(ctx, callID)
	if !ok {
		if sawProvisional {
			return nil, StatusNoAnswer
		}
		return nil, StatusSIPTimeout
	}
	switch {
	case resp.StatusCode == 486:
		return nil, StatusBusy
	case resp.StatusCode >= 300:
		return nil, StatusSIPError
	}

	toTag := ""
	if to := resp.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	remote, err := remoteMediaAddr(resp.Body())
	if err != nil {
		m.log.Warn("unusable SDP answer", "phone", u.ID, "error", err)
		m.sendInDialog(sip.ACK, u.ID, addr, callID, fromTag, toTag, 1)
		m.sendInDialog(sip.BYE, u.ID, addr, callID, fromTag, toTag, 2)
		return nil, StatusSIPError
	}
	m.sendInDialog(sip.ACK, u.ID, addr, callID, fromTag, toTag, 1)

	res := m.exchangeMedia(ctx, rtpConn, rtcpConn, remote)

	m.sendInDialog(sip.BYE, u.ID, addr, callID, fromTag, toTag, 2)
	m.queue.Drain()

	if res.RTTMs == 0 && res.PacketsReceived == 0 {
		return res, StatusNoRTCP
	}
	return res, StatusSuccess
}

// exchangeMedia runs the tone burst while collecting the phone's RTP
// and RTCP, then reports jitter, loss and round-trip time.
func (m *Monitor) exchangeMedia(ctx context.Context, rtpConn, rtcpConn *net.UDPConn, remote netip.AddrPort) *MediaResult {
	ssrc := uuid.New().ID()
	rtcpRemote := netip.AddrPortFrom(remote.Addr(), remote.Port()+1)

	recv := newReceiverStats()
	rttCh := make(chan time.Duration, 1)

	go readRTPStream(rtpConn, recv)
	go readRTCPStream(rtcpConn, ssrc, rttCh)

	payload := g711.EncodeUlaw(toneFrame())
	frames := int(mediaBurst / mediaPtime)
	seq := uint16(uuid.New().ID())
	ts := uuid.New().ID()
	start := time.Now()
	sent := 0

	for i := 0; i < frames; i++ {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0, // PCMU
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err == nil {
			if _, err := rtpConn.WriteToUDPAddrPort(data, remote); err == nil {
				sent++
			}
		}
		seq++
		ts += uint32(samplesPerFrame)

		// Sender reports at the start and around the one second mark
		// give the phone an LSR to echo back.
		if i == 0 || time.Since(start) >= time.Second && i == frames-5 {
			m.sendSenderReport(rtcpConn, rtcpRemote, ssrc, ts, uint32(sent))
		}

		timer := time.NewTimer(mediaPtime)
		select {
		case <-ctx.Done():
			timer.Stop()
			i = frames
		case <-timer.C:
		}
	}

	// Give the receiver report time to arrive after the burst.
	var rtt time.Duration
	timer := time.NewTimer(mediaRTCPWait)
	select {
	case rtt = <-rttCh:
		timer.Stop()
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	rtpConn.SetReadDeadline(time.Now())
	rtcpConn.SetReadDeadline(time.Now())

	received, jitterMs, lossPct := recv.summary()
	return &MediaResult{
		RTTMs:           float64(rtt) / float64(time.Millisecond),
		JitterMs:        jitterMs,
		LossPct:         lossPct,
		PacketsSent:     sent,
		PacketsReceived: received,
	}
}

// sendSenderReport emits an RTCP SR carrying our NTP clock so the
// phone's receiver report can close the round-trip measurement.
func (m *Monitor) sendSenderReport(conn *net.UDPConn, dst netip.AddrPort, ssrc, rtpTime, packets uint32) {
	sr := rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntpTimestamp(time.Now()),
		RTPTime:     rtpTime,
		PacketCount: packets,
		OctetCount:  packets * uint32(samplesPerFrame),
	}
	data, err := sr.Marshal()
	if err != nil {
		return
	}
	conn.WriteToUDPAddrPort(data, dst)
}

// readRTPStream feeds incoming RTP into the interarrival statistics
// until the socket is closed or its deadline fires.
func readRTPStream(conn *net.UDPConn, stats *receiverStats) {
	buf := make([]byte, 1600)
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		stats.record(pkt.SequenceNumber, pkt.Timestamp, time.Now())
	}
}

// readRTCPStream waits for a reception report naming our SSRC and
// converts its LSR/DLSR fields into a round-trip time.
func readRTCPStream(conn *net.UDPConn, ssrc uint32, rttCh chan<- time.Duration) {
	buf := make([]byte, 1600)
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			var reports []rtcp.ReceptionReport
			switch p := pkt.(type) {
			case *rtcp.SenderReport:
				reports = p.Reports
			case *rtcp.ReceiverReport:
				reports = p.Reports
			}
			for _, rr := range reports {
				if rr.SSRC != ssrc || rr.LastSenderReport == 0 {
					continue
				}
				select {
				case rttCh <- lsrRTT(time.Now(), rr.LastSenderReport, rr.Delay):
				default:
				}
				return
			}
		}
	}
}

// receiverStats accumulates RFC 3550 interarrival jitter and the
// sequence range of the far stream.
type receiverStats struct {
	mu       sync.Mutex
	count    int
	minSeq   int
	maxSeq   int
	jitter   float64 // timestamp units
	transit  float64
	hasPrior bool
}

func newReceiverStats() *receiverStats {
	return &receiverStats{minSeq: -1}
}

func (s *receiverStats) record(seq uint16, ts uint32, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.minSeq == -1 || int(seq) < s.minSeq {
		s.minSeq = int(seq)
	}
	if int(seq) > s.maxSeq {
		s.maxSeq = int(seq)
	}

	// RFC 3550 section 6.4.1: transit in timestamp units, jitter
	// smoothed with gain 1/16.
	arrivalTS := float64(when.UnixNano()) * mediaSampleRate / float64(time.Second)
	transit := arrivalTS - float64(ts)
	if s.hasPrior {
		d := math.Abs(transit - s.transit)
		s.jitter += (d - s.jitter) / 16
	}
	s.transit = transit
	s.hasPrior = true
}

func (s *receiverStats) summary() (received int, jitterMs, lossPct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	received = s.count
	jitterMs = s.jitter / (mediaSampleRate / 1000)
	if s.count > 0 && s.maxSeq >= s.minSeq {
		expected := s.maxSeq - s.minSeq + 1
		lossPct = 100 * float64(expected-s.count) / float64(expected)
	}
	return received, jitterMs, lossPct
}

// buildOffer assembles the PCMU-only SDP offer pointing at our RTP
// socket.
func (m *Monitor) buildOffer(rtpPort int) ([]byte, error) {
	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       monitorUser,
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.opts.LocalIP,
		},
		SessionName: "quality probe",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: m.opts.LocalIP},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "ptime", Value: "40"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	data, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling SDP offer: %w", err)
	}
	return data, nil
}

// buildInvite assembles the test-call INVITE carrying the SDP offer.
func (m *Monitor) buildInvite(phoneID string, addr netip.AddrPort, callID, fromTag string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{
		User: phoneID,
		Host: addr.Addr().String(),
		Port: int(addr.Port()),
	})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            m.opts.LocalIP,
		Port:            m.opts.LocalPort,
		Params:          sip.NewParams().Add("branch", "z9hG4bK."+uuid.NewString()),
	}
	req.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: monitorUser, Host: m.opts.LocalIP},
		Params:  sip.NewParams().Add("tag", fromTag),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: phoneID, Host: addr.Addr().String()},
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: monitorUser, Host: m.opts.LocalIP, Port: m.opts.LocalPort},
	})

	// Auto-answer hints: without them the phone rings for a human
	// instead of picking up the test call.
	req.AppendHeader(sip.NewHeader("Call-Info", "answer-after=0"))
	req.AppendHeader(sip.NewHeader("Alert-Info", "info=alert-autoanswer"))

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)
	return req
}

// sendInDialog emits an ACK or BYE for the test dialog.
func (m *Monitor) sendInDialog(method sip.RequestMethod, phoneID string, addr netip.AddrPort, callID, fromTag, toTag string, cseq uint32) {
	req := sip.NewRequest(method, sip.Uri{
		User: phoneID,
		Host: addr.Addr().String(),
		Port: int(addr.Port()),
	})

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            m.opts.LocalIP,
		Port:            m.opts.LocalPort,
		Params:          sip.NewParams().Add("branch", "z9hG4bK."+uuid.NewString()),
	}
	req.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: monitorUser, Host: m.opts.LocalIP},
		Params:  sip.NewParams().Add("tag", fromTag),
	})
	toParams := sip.NewParams()
	if toTag != "" {
		toParams.Add("tag", toTag)
	}
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: phoneID, Host: addr.Addr().String()},
		Params:  toParams,
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	req.SetBody(nil)

	if _, err := m.conn.WriteToUDPAddrPort([]byte(req.String()), addr); err != nil {
		m.log.Warn("in-dialog send failed", "method", string(method), "error", err)
	}
}

// awaitInviteFinal waits for the final response to the test INVITE and
// reports whether any provisional arrived on the way, which separates
// "rang but nobody answered" from a dead endpoint.
func (m *Monitor) awaitInviteFinal(ctx context.Context, callID string) (resp *sip.Response, sawProvisional, ok bool) {
	deadline := time.Now().Add(time.Duration(m.cfg.InviteTimeout) * time.Millisecond)
	for {
		if ctx.Err() != nil {
			return nil, sawProvisional, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, sawProvisional, false
		}
		r, got := m.queue.Dequeue(remaining)
		if !got {
			return nil, sawProvisional, false
		}
		msg, err := sip.ParseMessage(r.Data)
		if err != nil {
			continue
		}
		res, isResp := msg.(*sip.Response)
		if !isResp {
			continue
		}
		if h := res.CallID(); h == nil || h.Value() != callID {
			continue
		}
		if res.StatusCode < 200 {
			sawProvisional = true
			continue
		}
		return res, sawProvisional, true
	}
}

// remoteMediaAddr extracts the far RTP endpoint from the SDP answer.
func remoteMediaAddr(body []byte) (netip.AddrPort, error) {
	if len(body) == 0 {
		return netip.AddrPort{}, fmt.Errorf("answer carries no SDP")
	}
	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing SDP answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return netip.AddrPort{}, fmt.Errorf("SDP answer has no media section")
	}

	media := desc.MediaDescriptions[0]
	port := media.MediaName.Port.Value

	host := ""
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		host = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("SDP answer address %q: %w", host, err)
	}
	if port < 1 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("SDP answer port %d out of range", port)
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// openRTPPair binds an even RTP port with RTCP on the next odd port.
func openRTPPair() (rtpConn, rtcpConn *net.UDPConn, err error) {
	for attempt := 0; attempt < 10; attempt++ {
		rtpConn, err = net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return nil, nil, fmt.Errorf("binding RTP socket: %w", err)
		}
		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 {
			rtpConn.Close()
			continue
		}
		rtcpConn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}
		return rtpConn, rtcpConn, nil
	}
	return nil, nil, fmt.Errorf("no even RTP port pair available")
}

// toneFrame returns one ptime worth of a 440 Hz sine as 16-bit LPCM
// bytes, ready for the PCMU encoder.
func toneFrame() []byte {
	pcm := make([]byte, samplesPerFrame*2)
	for i := 0; i < samplesPerFrame; i++ {
		sample := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/mediaSampleRate))
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// ntpTimestamp converts wall-clock time into the 64-bit NTP format
// RTCP sender reports carry.
func ntpTimestamp(t time.Time) uint64 {
	// 2208988800 seconds between the NTP epoch (1900) and Unix epoch.
	secs := uint64(t.Unix()) + 2208988800
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// lsrRTT computes the round-trip time from a reception report's LSR and
// DLSR fields, both middle-32 fixed point seconds.
func lsrRTT(now time.Time, lastSenderReport, delay uint32) time.Duration {
	now32 := uint32(ntpTimestamp(now) >> 16)
	rtt32 := now32 - lastSenderReport - delay
	if now32-delay < lastSenderReport {
		return 0
	}
	secs := rtt32 >> 16
	frac := float64(rtt32&0xFFFF) / 65536
	return time.Duration(secs)*time.Second + time.Duration(frac*float64(time.Second))
}
