// Package health tracks the agent's own wellbeing: per-component
// heartbeats, panic recovery with bounded restarts, a persistent crash
// journal, and a periodically published health document.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/fileutil"
	"github.com/meshphone/meshphone/internal/timeutil"
)

const (
	// A component is hung after this much heartbeat silence.
	hungAfter = 30 * time.Second

	// restartDelay spaces automatic restarts of a crashed component.
	restartDelay = 5 * time.Second
)

// componentState tracks one supervised component.
type componentState struct {
	name      string
	started   time.Time
	lastBeat  time.Time
	restarts  int
	lastError string
}

// Crash is one journal entry.
type Crash struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Reason    string    `json:"reason"`
}

// Registry is the process health tracker.
type Registry struct {
	cfg       config.Health
	nodeName  string
	startTime time.Time
	jsonPath  string
	crashPath string
	log       *slog.Logger

	mu         sync.Mutex
	components map[string]*componentState
	crashes    []Crash
}

// NewRegistry loads the crash journal and returns a registry.
func NewRegistry(cfg *config.Config, nodeName string, log *slog.Logger) *Registry {
	r := &Registry{
		cfg:        cfg.Health,
		nodeName:   nodeName,
		startTime:  time.Now(),
		jsonPath:   cfg.HealthJSONPath(),
		crashPath:  cfg.CrashJSONPath(),
		log:        log.With("component", "health"),
		components: make(map[string]*componentState),
	}
	if r.cfg.CrashReporting {
		r.loadCrashes()
	}
	return r
}

// Heartbeat records liveness for a component. Components call it from
// their work loops.
func (r *Registry) Heartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[name]
	if !ok {
		c = &componentState{name: name, started: time.Now()}
		r.components[name] = c
	}
	c.lastBeat = time.Now()
}

// Go supervises fn in its own goroutine: a panic is journaled and the
// component restarted, up to the configured restart budget. A clean
// return ends supervision.
func (r *Registry) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.Heartbeat(name)
	go func() {
		for attempt := 0; ; attempt++ {
			err := r.runOnce(ctx, name, fn)
			if err == nil || ctx.Err() != nil {
				return
			}

			r.mu.Lock()
			c := r.components[name]
			c.restarts++
			c.lastError = err.Error()
			restarts := c.restarts
			r.mu.Unlock()

			if restarts > r.cfg.MaxRestarts {
				r.log.Error("component exceeded restart budget, giving up",
					"name", name, "restarts", restarts, "error", err)
				return
			}
			r.log.Warn("restarting crashed component",
				"name", name, "attempt", restarts, "error", err)
			if !timeutil.Sleep(ctx, restartDelay) {
				return
			}
		}
	}()
}

// runOnce invokes fn with panic recovery, heartbeating while the
// component goroutine is alive.
func (r *Registry) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(hungAfter / 3)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Heartbeat(name)
			case <-stop:
				return
			}
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("component panicked", "name", name,
				"panic", rec, "stack", string(debug.Stack()))
			r.RecordCrash(name, fmt.Sprintf("panic: %v", rec))
		}
	}()
	return fn(ctx)
}

// crashJournal is the on-disk shape of meshmon_crashes.json.
type crashJournal struct {
	Schema  string  `json:"schema"`
	Node    string  `json:"node"`
	Crashes []Crash `json:"crashes"`
}

// RecordCrash appends a journal entry and persists the journal.
func (r *Registry) RecordCrash(component, reason string) {
	if !r.cfg.CrashReporting {
		return
	}
	r.mu.Lock()
	r.crashes = append(r.pruneLocked(), Crash{
		Time:      time.Now(),
		Component: component,
		Reason:    reason,
	})
	doc := crashJournal{Schema: "meshmon.v1", Node: r.nodeName, Crashes: r.crashes}
	data, err := json.MarshalIndent(doc, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return
	}
	if err := fileutil.WriteAtomic(r.crashPath, data, 0o644); err != nil {
		r.log.Warn("writing crash journal failed", "error", err)
	}
}

// pruneLocked drops journal entries older than the retention window.
// Caller holds r.mu.
func (r *Registry) pruneLocked() []Crash {
	cutoff := time.Now().AddDate(0, 0, -r.cfg.CrashHistory)
	kept := r.crashes[:0]
	for _, c := range r.crashes {
		if c.Time.After(cutoff) {
			kept = append(kept, c)
		}
	}
	r.crashes = kept
	return kept
}

func (r *Registry) loadCrashes() {
	data, err := os.ReadFile(r.crashPath)
	if err != nil {
		return
	}
	var doc crashJournal
	if err := json.Unmarshal(data, &doc); err != nil {
		r.log.Warn("unreadable crash journal, starting fresh", "error", err)
		return
	}
	r.mu.Lock()
	r.crashes = doc.Crashes
	r.pruneLocked()
	r.mu.Unlock()
}

// Crashes returns a copy of the journal.
func (r *Registry) Crashes() []Crash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Crash(nil), r.crashes...)
}

// Run publishes the health document every check interval and warns
// about hung components.
func (r *Registry) Run(ctx context.Context) error {
	r.log.Info("health monitor started", "interval_s", r.cfg.CheckInterval)
	interval := time.Duration(r.cfg.CheckInterval) * time.Second

	for {
		r.checkComponents()
		if r.cfg.Endpoint {
			if doc, err := r.HealthJSON(); err == nil {
				if err := fileutil.WriteAtomic(r.jsonPath, doc, 0o644); err != nil {
					r.log.Warn("writing health document failed", "error", err)
				}
			}
		}
		if !timeutil.Sleep(ctx, interval) {
			r.log.Info("health monitor stopped")
			return nil
		}
	}
}

func (r *Registry) checkComponents() {
	if !r.cfg.ThreadMonitor {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.components {
		if time.Since(c.lastBeat) > hungAfter {
			r.log.Warn("component heartbeat silent",
				"name", name, "silent_for", time.Since(c.lastBeat).Round(time.Second).String())
		}
	}
}

// Document shapes for meshmon_health.json.
type componentDoc struct {
	Name       string `json:"name"`
	UptimeS    int64  `json:"uptime_s"`
	BeatAgeS   int64  `json:"heartbeat_age_s"`
	Responsive bool   `json:"responsive"`
	Restarts   int    `json:"restarts"`
	LastError  string `json:"last_error,omitempty"`
}

type memoryDoc struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

type healthDoc struct {
	Schema     string         `json:"schema"`
	Node       string         `json:"node"`
	Timestamp  int64          `json:"timestamp"`
	PID        int            `json:"pid"`
	UptimeS    int64          `json:"uptime_s"`
	Healthy    bool           `json:"healthy"`
	Score      float64        `json:"health_score"`
	Components []componentDoc `json:"components"`
	Memory     memoryDoc      `json:"memory"`
	Crashes24h int            `json:"crashes_24h"`
}

// HealthJSON builds the current health document. It also serves the
// remote reporter.
func (r *Registry) HealthJSON() ([]byte, error) {
	r.mu.Lock()
	comps := make([]componentDoc, 0, len(r.components))
	responsive := true
	for _, c := range r.components {
		age := time.Since(c.lastBeat)
		ok := age <= hungAfter
		if !ok {
			responsive = false
		}
		comps = append(comps, componentDoc{
			Name:       c.name,
			UptimeS:    int64(time.Since(c.started).Seconds()),
			BeatAgeS:   int64(age.Seconds()),
			Responsive: ok,
			Restarts:   c.restarts,
			LastError:  c.lastError,
		})
	}
	crashes24h := 0
	dayAgo := time.Now().Add(-24 * time.Hour)
	for _, c := range r.crashes {
		if c.Time.After(dayAgo) {
			crashes24h++
		}
	}
	r.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	score := 100.0
	if !responsive {
		score -= 40
	}
	score -= float64(crashes24h) * 10
	if score < 0 {
		score = 0
	}

	doc := healthDoc{
		Schema:     "meshmon.v1",
		Node:       r.nodeName,
		Timestamp:  time.Now().Unix(),
		PID:        os.Getpid(),
		UptimeS:    int64(time.Since(r.startTime).Seconds()),
		Healthy:    responsive && crashes24h == 0,
		Score:      score,
		Components: comps,
		Memory: memoryDoc{
			AllocBytes: mem.Alloc,
			SysBytes:   mem.Sys,
			NumGC:      mem.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		Crashes24h: crashes24h,
	}
	return json.MarshalIndent(doc, "", "  ")
}
