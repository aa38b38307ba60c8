// Command meshphone is the mesh telephony agent: a SIP proxy for
// phones on an AREDN mesh network, a phonebook directory service, and
// an optional mesh link quality monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meshphone/meshphone/internal/config"
	"github.com/meshphone/meshphone/internal/directory"
	"github.com/meshphone/meshphone/internal/discovery"
	"github.com/meshphone/meshphone/internal/health"
	"github.com/meshphone/meshphone/internal/meshmon"
	"github.com/meshphone/meshphone/internal/metrics"
	"github.com/meshphone/meshphone/internal/probe"
	"github.com/meshphone/meshphone/internal/quality"
	"github.com/meshphone/meshphone/internal/reporter"
	"github.com/meshphone/meshphone/internal/routing"
	"github.com/meshphone/meshphone/internal/sipproxy"
	"github.com/meshphone/meshphone/internal/state"
)

const defaultConfigPath = "/etc/meshphone.conf"

func main() {
	fallback := defaultConfigPath
	if env := os.Getenv("MESHPHONE_CONFIG"); env != "" {
		fallback = env
	}
	configPath := flag.String("config", fallback, "configuration file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	nodeName, err := os.Hostname()
	if err != nil {
		nodeName = "unknown"
	}

	slog.Info("starting meshphone",
		"node", nodeName,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"monitor", cfg.Monitor.Enabled,
	)

	startTime := time.Now()
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	users := state.NewUserTable(logger)
	sessions := state.NewSessionTable(logger)
	history := state.NewProbeHistory()
	registry := health.NewRegistry(cfg, nodeName, logger)

	// Quality monitor queue is handed to the proxy's receive loop so
	// monitor responses bypass SIP dispatch.
	var queue *quality.ResponseQueue
	if cfg.Quality.Enabled {
		queue = quality.NewResponseQueue(logger)
	}

	var monitorSink sipproxy.MonitorSink
	if queue != nil {
		monitorSink = queue
	}
	proxy, err := sipproxy.NewServer(sipproxy.Options{
		BindPort: cfg.SIPPort,
		PeerPort: cfg.SIPPort,
		Monitor:  monitorSink,
	}, users, sessions, logger)
	if err != nil {
		slog.Error("failed to start SIP proxy", "error", err)
		os.Exit(1)
	}
	registry.Go(appCtx, "sip_proxy", proxy.Run)

	// Phonebook ingestion and reconciliation.
	ingestor := directory.NewIngestor(cfg, users, logger)
	reconciler := directory.NewReconciler(users, cfg.PhonebookXMLPath(),
		time.Duration(cfg.StatusUpdateInterval)*time.Second, ingestor.Signal(), logger)
	registry.Go(appCtx, "phonebook_ingestor", ingestor.Run)
	registry.Go(appCtx, "phonebook_reconciler", reconciler.Run)

	// Phone quality monitor shares the proxy socket.
	if queue != nil {
		qm := quality.NewMonitor(proxy.Conn(), queue, users, cfg, quality.Options{
			LocalIP:   localIPv4(),
			LocalPort: proxy.LocalPort(),
			PeerPort:  cfg.SIPPort,
		}, logger)
		registry.Go(appCtx, "quality_monitor", qm.Run)
	}

	// Mesh monitoring: probe responder always runs with the monitor so
	// this node answers other agents; engine, driver, discovery and
	// reporter follow configuration.
	var engine *probe.Engine
	if cfg.Monitor.Enabled && cfg.Monitor.Mode != config.ModeDisabled {
		responder, err := probe.NewResponder(cfg.Monitor.ProbePort, logger)
		if err != nil {
			slog.Error("failed to start probe responder", "error", err)
			os.Exit(1)
		}
		registry.Go(appCtx, "probe_responder", responder.Run)

		engine, err = probe.NewEngine(probe.EngineOptions{
			NodeName:     nodeName,
			DstPort:      cfg.Monitor.ProbePort,
			MaxProbeKbps: cfg.Monitor.MaxProbeKbps,
			DSCPEF:       cfg.Monitor.DSCPEF,
		}, logger)
		if err != nil {
			slog.Error("failed to start probe engine", "error", err)
			os.Exit(1)
		}
		defer engine.Close()

		adapter := routing.NewCached(
			routing.Detect(cfg.Monitor.RoutingDaemon, logger),
			time.Duration(cfg.Monitor.RoutingCache)*time.Second,
		)

		mon := meshmon.NewMonitor(cfg, nodeName, engine, adapter, history, logger)
		registry.Go(appCtx, "mesh_monitor", mon.Run)

		scanner := discovery.NewScanner(cfg, nodeName, adapter, logger)
		registry.Go(appCtx, "agent_discovery", scanner.Run)

		if rep := reporter.New(cfg, registry, logger); rep != nil {
			registry.Go(appCtx, "remote_reporter", rep.Run)
		}
	}

	if cfg.Health.Enabled {
		registry.Go(appCtx, "health_monitor", registry.Run)
	}

	if cfg.MetricsPort > 0 {
		var pending metrics.ProbePendingProvider
		if engine != nil {
			pending = engine
		}
		collector := metrics.NewCollector(proxy.Stats(), users, sessions, pending, history, startTime)
		registry.Go(appCtx, "metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsPort, collector, logger)
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	appCancel()
	// Give the component loops a moment to observe cancellation and
	// close their sockets.
	time.Sleep(500 * time.Millisecond)
	slog.Info("meshphone stopped")
}

// localIPv4 picks this node's primary IPv4 for the quality monitor's
// SIP headers, preferring mesh 10.x addresses over everything else.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	best := ""
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		if strings.HasPrefix(ip4.String(), "10.") {
			return ip4.String()
		}
		if best == "" {
			best = ip4.String()
		}
	}
	if best == "" {
		return "127.0.0.1"
	}
	return best
}
