package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/fileutil"
	"github.com/meshphone/meshphone/internal/meshdns"
	"github.com/meshphone/meshphone/internal/state"
	"github.com/meshphone/meshphone/internal/timeutil"
)

// resolveTimeout bounds the mesh DNS lookup for phones without a live
// registration contact.
const resolveTimeout = 3 * time.Second

// ProbeStatus is the outcome of one phone probe.
type ProbeStatus string

const (
	StatusSuccess    ProbeStatus = "success"
	StatusBusy       ProbeStatus = "busy"
	StatusNoRTCP     ProbeStatus = "no_rtcp"
	StatusSIPTimeout ProbeStatus = "sip_timeout"
	StatusSIPError   ProbeStatus = "sip_error"
	StatusNoAnswer   ProbeStatus = "no_answer"
)

// monitorUser is the From user of every probe; the proxy's receive loop
// uses it to divert the responses here instead of the SIP dispatcher.
const monitorUser = "test"

// Result is the outcome of probing one phone.
type Result struct {
	PhoneID     string      `json:"phone_id"`
	DisplayName string      `json:"display_name,omitempty"`
	IP          string      `json:"ip"`
	Status      ProbeStatus `json:"status"`
	SIPCode     int         `json:"sip_code,omitempty"`
	SIPRTTMs    float64     `json:"sip_rtt_ms"`
	Timestamp   int64       `json:"timestamp"`

	// Media fields are populated only when the RTP test ran.
	Media *MediaResult `json:"media,omitempty"`
}

// Sender writes datagrams on the shared SIP socket. *net.UDPConn
// satisfies it.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Options configures a Monitor.
type Options struct {
	// LocalIP and LocalPort name the SIP socket the probes leave from;
	// they appear in Via, From and Contact so phones answer to 5060.
	LocalIP   string
	LocalPort int
	// PeerPort is the SIP port phones listen on.
	PeerPort int
	// Resolver locates phones that have no registration contact; nil
	// selects the system resolver.
	Resolver meshdns.Resolver
}

// Monitor probes registered phones and publishes phone_quality.json.
type Monitor struct {
	conn     Sender
	queue    *ResponseQueue
	users    *state.UserTable
	cfg      config.Quality
	opts     Options
	resolver meshdns.Resolver
	jsonPath string
	log      *slog.Logger
}

// NewMonitor wires a monitor onto the shared SIP socket.
func NewMonitor(conn Sender, queue *ResponseQueue, users *state.UserTable, cfg *config.Config, opts Options, log *slog.Logger) *Monitor {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = meshdns.NewSystemResolver()
	}
	return &Monitor{
		conn:     conn,
		queue:    queue,
		users:    users,
		cfg:      cfg.Quality,
		opts:     opts,
		resolver: resolver,
		jsonPath: cfg.QualityJSONPath(),
		log:      log.With("component", "quality_monitor"),
	}
}

// Queue exposes the response queue so the proxy can be pointed at it.
func (m *Monitor) Queue() *ResponseQueue { return m.queue }

// Run probes all active phones every test interval until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("phone quality monitor started",
		"interval_s", m.cfg.TestInterval, "media_test", m.cfg.MediaTest)
	interval := time.Duration(m.cfg.TestInterval) * time.Second

	for {
		m.RunCycle(ctx)
		if !timeutil.Sleep(ctx, interval) {
			m.log.Info("phone quality monitor stopped")
			return nil
		}
	}
}

// RunCycle probes every active registered phone once and publishes the
// report.
func (m *Monitor) RunCycle(ctx context.Context) {
	users := m.users.ActiveUsers()
	results := make([]Result, 0, len(users))

	for _, u := range users {
		addr, err := m.phoneAddr(ctx, u)
		if err != nil {
			m.log.Debug("phone not resolvable, skipping", "phone", u.ID, "error", err)
			continue
		}
		if len(results) > 0 {
			if !timeutil.Sleep(ctx, time.Duration(m.cfg.CycleDelay)*time.Second) {
				return
			}
		}
		res := m.ProbePhone(ctx, u, addr)
		results = append(results, res)
		m.log.Info("phone probed", "phone", u.ID, "status", string(res.Status),
			"sip_rtt_ms", res.SIPRTTMs)
	}

	if err := m.publish(results); err != nil {
		m.log.Warn("writing quality report failed", "error", err)
	}
}

// ProbePhone sends one OPTIONS to the phone and classifies the final
// response. With the media test enabled a successful OPTIONS is
// followed by a short INVITE/RTP exchange.
func (m *Monitor) ProbePhone(ctx context.Context, u state.User, addr netip.AddrPort) Result {
	res := Result{
		PhoneID:     u.ID,
		DisplayName: u.DisplayName,
		IP:          addr.Addr().String(),
		Timestamp:   time.Now().Unix(),
	}

	callID := uuid.NewString()
	req := m.buildOptions(u.ID, addr, callID)

	m.queue.Drain()
	start := time.Now()
	if _, err := m.conn.WriteToUDPAddrPort([]byte(req.String()), addr); err != nil {
		m.log.Warn("probe send failed", "phone", u.ID, "error", err)
		res.Status = StatusSIPError
		return res
	}

	code, ok := m.awaitFinal(ctx, callID)
	if !ok {
		res.Status = StatusSIPTimeout
		return res
	}
	res.SIPCode = code
	res.SIPRTTMs = float64(time.Since(start)) / float64(time.Millisecond)

	switch {
	case code >= 200 && code < 300:
		res.Status = StatusSuccess
	case code == 486:
		res.Status = StatusBusy
	default:
		res.Status = StatusSIPError
	}

	if res.Status == StatusSuccess && m.cfg.MediaTest {
		media, status := m.runMediaTest(ctx, u, addr)
		res.Media = media
		if status != StatusSuccess {
			res.Status = status
		}
	}
	return res
}

// awaitFinal consumes queued responses until the matching final
// response arrives or the invite timeout lapses. Provisional responses
// extend the wait; responses for other calls are discarded.
func (m *Monitor) awaitFinal(ctx context.Context, callID string) (int, bool) {
	deadline := time.Now().Add(time.Duration(m.cfg.InviteTimeout) * time.Millisecond)
	for {
		if ctx.Err() != nil {
			return 0, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		r, ok := m.queue.Dequeue(remaining)
		if !ok {
			return 0, false
		}
		msg, err := sip.ParseMessage(r.Data)
		if err != nil {
			m.log.Debug("unparseable monitor response", "src", r.Src.String(), "error", err)
			continue
		}
		resp, ok := msg.(*sip.Response)
		if !ok {
			continue
		}
		if h := resp.CallID(); h == nil || h.Value() != callID {
			continue
		}
		if resp.StatusCode < 200 {
			continue
		}
		return int(resp.StatusCode), true
	}
}

// buildOptions assembles the probe request. The From user is the
// monitor signature the proxy demultiplexes on.
func (m *Monitor) buildOptions(phoneID string, addr netip.AddrPort, callID string) *sip.Request {
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{
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
		Params:  sip.NewParams().Add("tag", uuid.NewString()[:8]),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: phoneID, Host: addr.Addr().String()},
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: monitorUser, Host: m.opts.LocalIP, Port: m.opts.LocalPort},
	})
	req.SetBody(nil)
	return req
}

// phoneAddr locates the phone's SIP endpoint: the registration contact
// when one exists, otherwise the mesh DNS A record for {user_id}.
func (m *Monitor) phoneAddr(ctx context.Context, u state.User) (netip.AddrPort, error) {
	if u.IP == "" {
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		ip, err := m.resolver.LookupIPv4(rctx, u.ID)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("resolving phone %s: %w", u.ID, err)
		}
		return netip.AddrPortFrom(ip, uint16(m.opts.PeerPort)), nil
	}
	ip, err := netip.ParseAddr(u.IP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("phone %s has unusable address %q: %w", u.ID, u.IP, err)
	}
	port := u.Port
	if port == 0 {
		port = m.opts.PeerPort
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// qualityReport is the published phone_quality.json document.
type qualityReport struct {
	Schema    string   `json:"schema"`
	Timestamp int64    `json:"timestamp"`
	Phones    []Result `json:"phones"`
}

func (m *Monitor) publish(results []Result) error {
	doc := qualityReport{
		Schema:    "meshmon.v1",
		Timestamp: time.Now().Unix(),
		Phones:    results,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding quality report: %w", err)
	}
	return fileutil.WriteAtomic(m.jsonPath, data, 0o644)
}
