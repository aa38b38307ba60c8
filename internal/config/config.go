// Package config loads the meshphone key=value configuration file.
//
// The file format is line oriented: `KEY=value` pairs, `#` comments, and
// optional `[mesh_monitor]` / `[quality]` sections for the monitoring agent.
// Unknown keys are logged at WARN and ignored; malformed lines are skipped.
// A missing file is not an error: every key has a usable default.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MonitorMode selects how much mesh monitoring the agent performs.
type MonitorMode string

const (
	ModeDisabled    MonitorMode = "disabled"
	ModeLightweight MonitorMode = "lightweight"
	ModeFull        MonitorMode = "full"
)

// RoutingDaemon names the routing daemon the adapter should talk to.
type RoutingDaemon string

const (
	RoutingAuto  RoutingDaemon = "auto"
	RoutingOLSR  RoutingDaemon = "olsr"
	RoutingBabel RoutingDaemon = "babel"
)

// PhonebookServer is one `host,port,path` phonebook source.
type PhonebookServer struct {
	Host string
	Port int
	Path string
}

// URL returns the HTTP URL for this source.
func (s PhonebookServer) URL() string {
	return fmt.Sprintf("http://%s:%d%s", s.Host, s.Port, s.Path)
}

// MeshMonitor holds the `[mesh_monitor]` section.
type MeshMonitor struct {
	Enabled               bool
	Mode                  MonitorMode
	NetworkStatusInterval int // seconds between probe cycles
	ProbeWindow           int // seconds to wait for echoes after a burst
	NeighborTargets       int
	RotatingPeer          bool
	MaxProbeKbps          int
	ProbePort             int
	DSCPEF                bool
	RoutingDaemon         RoutingDaemon
	RoutingCache          int // seconds to cache neighbor lists
	NetworkStatusReport   int // seconds between network report POSTs
	CollectorURL          string
	TopologySource        string // "olsr" or "sysinfo"
	DiscoveryScanInterval int    // seconds between agent discovery scans
}

// Quality holds the `[quality]` section for the phone quality monitor.
type Quality struct {
	Enabled       bool
	TestInterval  int // seconds between test cycles
	CycleDelay    int // seconds between phones within a cycle
	InviteTimeout int // milliseconds to wait for a final SIP response
	MediaTest     bool
}

// Health holds the HEALTH_* keys.
type Health struct {
	Enabled        bool
	CrashReporting bool
	ThreadMonitor  bool
	CheckInterval  int // seconds
	CrashHistory   int // days
	MaxRestarts    int
	Endpoint       bool
}

// Config holds all runtime configuration for the meshphone agent.
type Config struct {
	SIPPort     int
	DataDir     string
	LogLevel    string // ERROR, WARNING, INFO, DEBUG, NONE
	LogFormat   string // "text" or "json"
	MetricsPort int    // 0 disables the prometheus listener

	PhonebookInterval    int // seconds between fetcher cycles
	StatusUpdateInterval int // seconds between reconciler wakes
	PhonebookServers     []PhonebookServer

	Health  Health
	Monitor MeshMonitor
	Quality Quality
}

// defaults
const (
	defaultSIPPort              = 5060
	defaultDataDir              = "/tmp"
	defaultLogLevel             = "INFO"
	defaultLogFormat            = "text"
	defaultPhonebookInterval    = 3600
	defaultStatusUpdateInterval = 600

	// maxPhonebookServers caps PHONEBOOK_SERVER repetitions.
	maxPhonebookServers = 5
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		SIPPort:              defaultSIPPort,
		DataDir:              defaultDataDir,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
		PhonebookInterval:    defaultPhonebookInterval,
		StatusUpdateInterval: defaultStatusUpdateInterval,
		Health: Health{
			Enabled:        true,
			CrashReporting: true,
			ThreadMonitor:  true,
			CheckInterval:  60,
			CrashHistory:   7,
			MaxRestarts:    3,
			Endpoint:       true,
		},
		Monitor: MeshMonitor{
			Enabled:               false,
			Mode:                  ModeLightweight,
			NetworkStatusInterval: 40,
			ProbeWindow:           5,
			NeighborTargets:       2,
			RotatingPeer:          true,
			MaxProbeKbps:          80,
			ProbePort:             40050,
			DSCPEF:                true,
			RoutingDaemon:         RoutingAuto,
			RoutingCache:          5,
			NetworkStatusReport:   40,
			TopologySource:        "olsr",
			DiscoveryScanInterval: 3600,
		},
		Quality: Quality{
			Enabled:       true,
			TestInterval:  300,
			CycleDelay:    10,
			InviteTimeout: 5000,
			MediaTest:     false,
		},
	}
}

// Load reads the configuration file at path. A missing file returns the
// defaults; any other read error is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("configuration file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	if err := cfg.Parse(f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse consumes key=value lines from r. Section headers switch the target
// of subsequent keys; keys before any section header are top level.
func (c *Config) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	section := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			slog.Warn("malformed config line, skipping", "line", line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "":
			c.applyTopLevel(key, value)
		case "mesh_monitor":
			c.applyMonitor(key, value)
		case "quality":
			c.applyQuality(key, value)
		default:
			slog.Warn("unknown config section, ignoring key", "section", section, "key", key)
		}
	}
	return scanner.Err()
}

func (c *Config) applyTopLevel(key, value string) {
	switch key {
	case "PB_INTERVAL_SECONDS":
		setPositiveInt(&c.PhonebookInterval, key, value)
	case "STATUS_UPDATE_INTERVAL_SECONDS":
		setPositiveInt(&c.StatusUpdateInterval, key, value)
	case "PHONEBOOK_SERVER":
		c.addPhonebookServer(value)
	case "LOG_LEVEL":
		switch strings.ToUpper(value) {
		case "ERROR", "WARNING", "INFO", "DEBUG", "NONE":
			c.LogLevel = strings.ToUpper(value)
		default:
			slog.Warn("invalid LOG_LEVEL, keeping default", "value", value, "default", c.LogLevel)
		}
	case "LOG_FORMAT":
		switch strings.ToLower(value) {
		case "text", "json":
			c.LogFormat = strings.ToLower(value)
		default:
			slog.Warn("invalid LOG_FORMAT, keeping default", "value", value)
		}
	case "SIP_PORT":
		setPositiveInt(&c.SIPPort, key, value)
	case "DATA_DIR":
		c.DataDir = value
	case "METRICS_PORT":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.MetricsPort = v
		} else {
			slog.Warn("invalid METRICS_PORT, keeping default", "value", value)
		}
	case "HEALTH_ENABLED":
		c.Health.Enabled = parseBool(value)
	case "HEALTH_CRASH_REPORTING":
		c.Health.CrashReporting = parseBool(value)
	case "HEALTH_THREAD_MONITORING":
		c.Health.ThreadMonitor = parseBool(value)
	case "HEALTH_CHECK_INTERVAL":
		setPositiveInt(&c.Health.CheckInterval, key, value)
	case "HEALTH_CRASH_HISTORY_DAYS":
		setPositiveInt(&c.Health.CrashHistory, key, value)
	case "HEALTH_MAX_RESTART_ATTEMPTS":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.Health.MaxRestarts = v
		} else {
			slog.Warn("invalid HEALTH_MAX_RESTART_ATTEMPTS, keeping default", "value", value)
		}
	case "HEALTH_ENDPOINT":
		c.Health.Endpoint = parseBool(value)
	default:
		slog.Warn("unknown configuration key, skipping", "key", key)
	}
}

func (c *Config) applyMonitor(key, value string) {
	m := &c.Monitor
	switch key {
	case "enabled":
		m.Enabled = parseBool(value)
	case "mode":
		switch MonitorMode(value) {
		case ModeDisabled, ModeLightweight, ModeFull:
			m.Mode = MonitorMode(value)
		default:
			slog.Warn("invalid mesh_monitor mode, keeping default", "value", value)
		}
	case "network_status_interval_s":
		setPositiveInt(&m.NetworkStatusInterval, key, value)
	case "probe_window_s":
		setPositiveInt(&m.ProbeWindow, key, value)
	case "neighbor_targets":
		setPositiveInt(&m.NeighborTargets, key, value)
	case "rotating_peer":
		m.RotatingPeer = parseBool(value)
	case "max_probe_kbps":
		setPositiveInt(&m.MaxProbeKbps, key, value)
	case "probe_port":
		setPositiveInt(&m.ProbePort, key, value)
	case "dscp_ef":
		m.DSCPEF = parseBool(value)
	case "routing_daemon":
		switch RoutingDaemon(value) {
		case RoutingAuto, RoutingOLSR, RoutingBabel:
			m.RoutingDaemon = RoutingDaemon(value)
		default:
			slog.Warn("invalid routing_daemon, keeping default", "value", value)
		}
	case "routing_cache_s":
		setPositiveInt(&m.RoutingCache, key, value)
	case "network_status_report_s":
		setPositiveInt(&m.NetworkStatusReport, key, value)
	case "collector_url":
		m.CollectorURL = value
	case "topology_source":
		switch value {
		case "olsr", "sysinfo":
			m.TopologySource = value
		default:
			slog.Warn("invalid topology_source, keeping default", "value", value)
		}
	case "discovery_scan_interval_s":
		setPositiveInt(&m.DiscoveryScanInterval, key, value)
	default:
		slog.Warn("unknown mesh_monitor key, skipping", "key", key)
	}
}

func (c *Config) applyQuality(key, value string) {
	q := &c.Quality
	switch key {
	case "enabled":
		q.Enabled = parseBool(value)
	case "test_interval_sec":
		setPositiveInt(&q.TestInterval, key, value)
	case "cycle_delay_sec":
		setPositiveInt(&q.CycleDelay, key, value)
	case "invite_timeout_ms":
		setPositiveInt(&q.InviteTimeout, key, value)
	case "media_test":
		q.MediaTest = parseBool(value)
	default:
		slog.Warn("unknown quality key, skipping", "key", key)
	}
}

func (c *Config) addPhonebookServer(value string) {
	if len(c.PhonebookServers) >= maxPhonebookServers {
		slog.Warn("max phonebook servers reached, ignoring entry",
			"max", maxPhonebookServers, "value", value)
		return
	}
	parts := strings.SplitN(value, ",", 3)
	if len(parts) != 3 {
		slog.Warn("malformed PHONEBOOK_SERVER, expected host,port,path", "value", value)
		return
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port < 1 || port > 65535 {
		slog.Warn("malformed PHONEBOOK_SERVER port", "value", value)
		return
	}
	srv := PhonebookServer{
		Host: strings.TrimSpace(parts[0]),
		Port: port,
		Path: strings.TrimSpace(parts[2]),
	}
	if !strings.HasPrefix(srv.Path, "/") {
		srv.Path = "/" + srv.Path
	}
	c.PhonebookServers = append(c.PhonebookServers, srv)
}

func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.Monitor.ProbePort < 1 || c.Monitor.ProbePort > 65535 {
		return fmt.Errorf("probe_port must be between 1 and 65535, got %d", c.Monitor.ProbePort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 0 and 65535, got %d", c.MetricsPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func setPositiveInt(dst *int, key, value string) {
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		slog.Warn("invalid config value, keeping default", "key", key, "value", value, "default", *dst)
		return
	}
	*dst = v
}

// Paths derived from DataDir. Tests point DataDir at a sandbox so every
// published artifact lands there.

// PhonebookXMLPath is the published directory artifact.
func (c *Config) PhonebookXMLPath() string { return filepath.Join(c.DataDir, "phonebook.xml") }

// FingerprintPath stores the last-good CSV fingerprint.
func (c *Config) FingerprintPath() string { return filepath.Join(c.DataDir, "phonebook.sum") }

// NetworkJSONPath is the exported network status document.
func (c *Config) NetworkJSONPath() string { return filepath.Join(c.DataDir, "meshmon_network.json") }

// HealthJSONPath is the exported agent health document.
func (c *Config) HealthJSONPath() string { return filepath.Join(c.DataDir, "meshmon_health.json") }

// CrashJSONPath is the crash journal.
func (c *Config) CrashJSONPath() string { return filepath.Join(c.DataDir, "meshmon_crashes.json") }

// QualityJSONPath is the phone quality report.
func (c *Config) QualityJSONPath() string { return filepath.Join(c.DataDir, "phone_quality.json") }

// AgentCachePath is the discovered-agent cache.
func (c *Config) AgentCachePath() string { return filepath.Join(c.DataDir, "aredn_agent_cache.txt") }

// SlogLevel maps the configured LOG_LEVEL onto a slog.Level. NONE maps to
// a level above Error so nothing is emitted.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "NONE":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// SlogHandler returns a handler in the configured format and level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
