package quality

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func addr(t *testing.T, conn *net.UDPConn) netip.AddrPort {
	t.Helper()
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ap.Port())
}

func TestQueueFIFO(t *testing.T) {
	q := NewResponseQueue(discard())
	src := netip.MustParseAddrPort("10.0.0.1:5060")

	require.True(t, q.Offer([]byte("one"), src))
	require.True(t, q.Offer([]byte("two"), src))

	r, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "one", string(r.Data))

	r, ok = q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "two", string(r.Data))
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	q := NewResponseQueue(discard())
	src := netip.MustParseAddrPort("10.0.0.1:5060")

	for i := 0; i < queueCapacity+2; i++ {
		require.True(t, q.Offer([]byte(fmt.Sprintf("msg-%d", i)), src))
	}
	assert.Equal(t, queueCapacity, q.Len())

	r, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "msg-2", string(r.Data), "two oldest entries evicted")
}

func TestQueueOversizeRefused(t *testing.T) {
	q := NewResponseQueue(discard())
	big := make([]byte, maxResponseBytes+1)
	assert.False(t, q.Offer(big, netip.MustParseAddrPort("10.0.0.1:5060")))
	assert.Equal(t, 0, q.Len())
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := NewResponseQueue(discard())
	start := time.Now()
	_, ok := q.Dequeue(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueDequeueWakesOnOffer(t *testing.T) {
	q := NewResponseQueue(discard())
	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Offer([]byte("late"), netip.MustParseAddrPort("10.0.0.1:5060"))
	}()
	r, ok := q.Dequeue(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", string(r.Data))
}

func TestQueueDrain(t *testing.T) {
	q := NewResponseQueue(discard())
	src := netip.MustParseAddrPort("10.0.0.1:5060")
	q.Offer([]byte("a"), src)
	q.Offer([]byte("b"), src)
	assert.Equal(t, 2, q.Drain())
	assert.Equal(t, 0, q.Len())
}

// fakePhone answers SIP requests arriving on its socket with the
// configured status code, or stays silent when code is zero.
type fakePhone struct {
	conn *net.UDPConn
	code int
}

func newFakePhone(t *testing.T, code int) *fakePhone {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &fakePhone{conn: conn, code: code}
	go p.serve()
	return p
}

func (p *fakePhone) serve() {
	buf := make([]byte, 4096)
	for {
		n, src, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if p.code == 0 {
			continue
		}
		msg, err := sip.ParseMessage(append([]byte(nil), buf[:n]...))
		if err != nil {
			continue
		}
		req, ok := msg.(*sip.Request)
		if !ok {
			continue
		}
		res := sip.NewResponseFromRequest(req, sip.StatusCode(p.code), "Test", nil)
		p.conn.WriteToUDPAddrPort([]byte(res.String()), src)
	}
}

// monitorFixture stands in for the proxy: a local SIP socket whose
// receive loop offers everything into the monitor's queue.
func monitorFixture(t *testing.T, cfg *config.Config, users *state.UserTable) *Monitor {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	queue := NewResponseQueue(discard())
	go func() {
		buf := make([]byte, 4096)
		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			queue.Offer(append([]byte(nil), buf[:n]...), src)
		}
	}()

	local := addr(t, conn)
	return NewMonitor(conn, queue, users, cfg, Options{
		LocalIP:   "127.0.0.1",
		LocalPort: int(local.Port()),
		PeerPort:  5060,
	}, discard())
}

func testUser(phone *fakePhone) state.User {
	ap := phone.conn.LocalAddr().(*net.UDPAddr)
	return state.User{
		ID:          "1001",
		DisplayName: "John Doe (K1ABC)",
		Active:      true,
		IP:          "127.0.0.1",
		Port:        ap.Port,
	}
}

func TestProbeSuccess(t *testing.T) {
	phone := newFakePhone(t, 200)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	m := monitorFixture(t, cfg, state.NewUserTable(discard()))

	res := m.ProbePhone(context.Background(), testUser(phone), addr(t, phone.conn))
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 200, res.SIPCode)
	assert.Greater(t, res.SIPRTTMs, 0.0)
}

func TestProbeBusy(t *testing.T) {
	phone := newFakePhone(t, 486)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	m := monitorFixture(t, cfg, state.NewUserTable(discard()))

	res := m.ProbePhone(context.Background(), testUser(phone), addr(t, phone.conn))
	assert.Equal(t, StatusBusy, res.Status)
	assert.Equal(t, 486, res.SIPCode)
}

func TestProbeSIPError(t *testing.T) {
	phone := newFakePhone(t, 503)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	m := monitorFixture(t, cfg, state.NewUserTable(discard()))

	res := m.ProbePhone(context.Background(), testUser(phone), addr(t, phone.conn))
	assert.Equal(t, StatusSIPError, res.Status)
}

func TestProbeTimeout(t *testing.T) {
	phone := newFakePhone(t, 0) // silent
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Quality.InviteTimeout = 200
	m := monitorFixture(t, cfg, state.NewUserTable(discard()))

	res := m.ProbePhone(context.Background(), testUser(phone), addr(t, phone.conn))
	assert.Equal(t, StatusSIPTimeout, res.Status)
}

func TestRunCyclePublishesReport(t *testing.T) {
	phone := newFakePhone(t, 200)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Quality.CycleDelay = 1

	users := state.NewUserTable(discard())
	ap := phone.conn.LocalAddr().(*net.UDPAddr)
	require.True(t, users.Register("1001", "John Doe (K1ABC)", "", "127.0.0.1", ap.Port, 3600))

	m := monitorFixture(t, cfg, users)
	m.RunCycle(context.Background())

	data, err := os.ReadFile(cfg.QualityJSONPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema": "meshmon.v1"`)
	assert.Contains(t, string(data), `"phone_id": "1001"`)
	assert.Contains(t, string(data), `"status": "success"`)
}

// staticResolver answers every lookup with a fixed address.
type staticResolver struct {
	ip netip.Addr
}

func (r staticResolver) LookupIPv4(context.Context, string) (netip.Addr, error) {
	return r.ip, nil
}

func TestRunCycleResolvesDirectoryPhone(t *testing.T) {
	phone := newFakePhone(t, 200)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	// Directory entry only: active but never registered, so no contact IP.
	users := state.NewUserTable(discard())
	require.True(t, users.UpsertDirectory("2002", "Jane Roe (K2XYZ)", true))

	m := monitorFixture(t, cfg, users)
	m.opts.PeerPort = phone.conn.LocalAddr().(*net.UDPAddr).Port
	m.resolver = staticResolver{ip: netip.MustParseAddr("127.0.0.1")}
	m.RunCycle(context.Background())

	data, err := os.ReadFile(cfg.QualityJSONPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phone_id": "2002"`)
	assert.Contains(t, string(data), `"status": "success"`)
}

func TestBuildInviteAutoAnswerHints(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	m := monitorFixture(t, cfg, state.NewUserTable(discard()))

	req := m.buildInvite("1001", netip.MustParseAddrPort("10.54.2.7:5060"),
		"call-1", "tag-1", []byte("v=0\r\n"))
	wire := req.String()
	assert.Contains(t, wire, "Call-Info: answer-after=0")
	assert.Contains(t, wire, "Alert-Info: info=alert-autoanswer")
	assert.Contains(t, wire, "Content-Type: application/sdp")
}

func TestRemoteMediaAddr(t *testing.T) {
	const answer = "v=0\r\n" +
		"o=phone 1 1 IN IP4 10.54.2.7\r\n" +
		"s=call\r\n" +
		"c=IN IP4 10.54.2.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 16384 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	ap, err := remoteMediaAddr([]byte(answer))
	require.NoError(t, err)
	assert.Equal(t, "10.54.2.7:16384", ap.String())

	_, err = remoteMediaAddr(nil)
	assert.Error(t, err)
	_, err = remoteMediaAddr([]byte("not sdp"))
	assert.Error(t, err)
}

func TestReceiverStatsJitter(t *testing.T) {
	s := newReceiverStats()
	base := time.Now()

	// Perfectly paced stream: constant transit, zero jitter.
	for i := 0; i < 10; i++ {
		s.record(uint16(i), uint32(i*320), base.Add(time.Duration(i)*40*time.Millisecond))
	}
	received, jitterMs, lossPct := s.summary()
	assert.Equal(t, 10, received)
	assert.InDelta(t, 0, jitterMs, 0.01)
	assert.Equal(t, 0.0, lossPct)
}

func TestReceiverStatsJitterAndLoss(t *testing.T) {
	s := newReceiverStats()
	base := time.Now()

	// Every other packet delayed 10ms, and sequence 5 never arrives.
	for i := 0; i < 10; i++ {
		if i == 5 {
			continue
		}
		when := base.Add(time.Duration(i) * 40 * time.Millisecond)
		if i%2 == 1 {
			when = when.Add(10 * time.Millisecond)
		}
		s.record(uint16(i), uint32(i*320), when)
	}
	received, jitterMs, lossPct := s.summary()
	assert.Equal(t, 9, received)
	assert.Greater(t, jitterMs, 1.0, "alternating delay must register as jitter")
	assert.InDelta(t, 10.0, lossPct, 0.01)
}

func TestOpenRTPPair(t *testing.T) {
	rtpConn, rtcpConn, err := openRTPPair()
	require.NoError(t, err)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	rtpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port
	rtcpPort := rtcpConn.LocalAddr().(*net.UDPAddr).Port
	assert.Equal(t, 0, rtpPort%2, "RTP port must be even")
	assert.Equal(t, rtpPort+1, rtcpPort)
}

func TestLSRRoundTrip(t *testing.T) {
	now := time.Now()
	// SR left 150ms ago, phone held it 50ms: RTT is about 100ms.
	lsr := uint32(ntpTimestamp(now.Add(-150*time.Millisecond)) >> 16)
	dlsr := uint32(50 * 65536 / 1000)

	rtt := lsrRTT(now, lsr, dlsr)
	assert.InDelta(t, 100, float64(rtt)/float64(time.Millisecond), 5)
}
