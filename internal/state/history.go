package state

import (
	"sync"
	"time"
)

// HistorySize is the probe-history ring capacity; the oldest entry is
// overwritten once full. Writes never block.
const HistorySize = 20

// HopInfo describes one hop on the path to a probed destination.
type HopInfo struct {
	IP       string `json:"ip"`
	Name     string `json:"name,omitempty"`
	LinkType string `json:"link_type"`
}

// ProbeResult holds the computed metrics for one destination.
type ProbeResult struct {
	DstIP     string    `json:"dst_ip"`
	DstNode   string    `json:"dst_node"`
	Timestamp time.Time `json:"timestamp"`
	RTTAvgMs  float64   `json:"rtt_ms_avg"`
	JitterMs  float64   `json:"jitter_ms"`
	LossPct   float64   `json:"loss_pct"`
	HopCount  int       `json:"hop_count"`
	Hops      []HopInfo `json:"hops,omitempty"`
}

// ProbeHistory is a fixed-capacity ring of probe results.
type ProbeHistory struct {
	mu      sync.Mutex
	entries [HistorySize]ProbeResult
	next    int
	count   int
}

// NewProbeHistory returns an empty ring.
func NewProbeHistory() *ProbeHistory {
	return &ProbeHistory{}
}

// Append records a result, overwriting the oldest entry when full.
func (h *ProbeHistory) Append(r ProbeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = r
	h.next = (h.next + 1) % HistorySize
	if h.count < HistorySize {
		h.count++
	}
}

// Snapshot returns the ring contents oldest first.
func (h *ProbeHistory) Snapshot() []ProbeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ProbeResult, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += HistorySize
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.entries[(start+i)%HistorySize])
	}
	return out
}

// Len returns the number of stored results.
func (h *ProbeHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
