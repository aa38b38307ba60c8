// Package quality implements the VoIP phone quality monitor. It probes
// each registered phone with SIP OPTIONS (optionally INVITE plus a short
// RTP burst) emitted from the main SIP socket, because phones only talk
// to port 5060. Responses come back through a bounded queue fed by the
// proxy's receive loop, which diverts datagrams whose From header carries
// the monitor signature.
package quality

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

const (
	// queueCapacity bounds undelivered responses; overflow evicts the
	// oldest entry so the producer never blocks.
	queueCapacity = 10

	// maxResponseBytes bounds a single queued datagram.
	maxResponseBytes = 4096
)

// Response is one datagram diverted to the monitor.
type Response struct {
	Data []byte
	Src  netip.AddrPort
}

// ResponseQueue is the bounded FIFO between the SIP receive loop and the
// monitor. FIFO order holds except under overflow, when the oldest entry
// is dropped.
type ResponseQueue struct {
	mu      sync.Mutex
	entries []Response
	notify  chan struct{}
	log     *slog.Logger
}

// NewResponseQueue returns an empty queue.
func NewResponseQueue(log *slog.Logger) *ResponseQueue {
	return &ResponseQueue{
		notify: make(chan struct{}, 1),
		log:    log.With("component", "quality_queue"),
	}
}

// Offer enqueues a datagram. It never blocks: oversize input is refused
// and overflow evicts the oldest entry with a warning.
func (q *ResponseQueue) Offer(data []byte, src netip.AddrPort) bool {
	if len(data) > maxResponseBytes {
		q.log.Warn("refusing oversize monitor response", "bytes", len(data))
		return false
	}
	q.mu.Lock()
	if len(q.entries) >= queueCapacity {
		q.entries = q.entries[1:]
		q.log.Warn("response queue full, dropped oldest entry")
	}
	q.entries = append(q.entries, Response{Data: data, Src: src})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes the oldest entry, waiting up to timeout for one to
// arrive.
func (q *ResponseQueue) Dequeue(timeout time.Duration) (Response, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			r := q.entries[0]
			q.entries = q.entries[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Response{}, false
		}
		t := time.NewTimer(remaining)
		select {
		case <-q.notify:
			t.Stop()
		case <-t.C:
			return Response{}, false
		}
	}
}

// Drain discards queued entries, used between probe calls so stale
// responses cannot be attributed to the next phone.
func (q *ResponseQueue) Drain() int {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = q.entries[:0]
	q.mu.Unlock()
	return n
}

// Len reports queued entries.
func (q *ResponseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
