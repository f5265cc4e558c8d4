// Command udp-relay runs the UDP ingest-and-forward pipeline: it binds a
// local socket, buffers inbound datagrams in a bounded drop-oldest ring, and
// retransmits them to a fixed destination with optional source whitelisting
// and JSON validation. Targets can be literal IPs or tailnet hostnames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/petrf99/grfp-tech-utils/internal/config"
	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/relay"
	"github.com/petrf99/grfp-tech-utils/internal/statsdb"
	"github.com/petrf99/grfp-tech-utils/internal/tailnet"
)

var (
	configPath    = flag.String("config", "", "YAML config file (flags override)")
	name          = flag.String("name", "", "Relay name used in logs and stats")
	listenHost    = flag.String("listen-host", "", "Bind address")
	listenPort    = flag.Int("listen-port", -1, "Bind port")
	targetHost    = flag.String("target-host", "", "Destination IP or tailnet hostname")
	targetPort    = flag.Int("target-port", 0, "Destination port")
	viaTailnet    = flag.Bool("target-via-tailnet", false, "Resolve target host through the tailnet")
	whitelist     = flag.String("whitelist", "", "Comma-separated allowed source IPs")
	parseJSON     = flag.Bool("parse-json", false, "Validate payloads as JSON before buffering")
	trackSource   = flag.Bool("track-source", false, "Record sender addresses (required for whitelist)")
	capacity      = flag.Int("capacity", 0, "Ring buffer capacity")
	metricsAddr   = flag.String("metrics", "", "Address for /metrics and /debug (disabled when empty)")
	statsDBPath   = flag.String("stats-db", "", "SQLite file for session stats (disabled when empty)")
	statsInterval = flag.Duration("stats-interval", 0, "Interval between persisted counter snapshots")
)

func buildConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Explicitly set flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "listen-host":
			cfg.ListenHost = *listenHost
		case "listen-port":
			cfg.ListenPort = *listenPort
		case "target-host":
			cfg.TargetHost = *targetHost
		case "target-port":
			cfg.TargetPort = *targetPort
		case "target-via-tailnet":
			cfg.TargetViaTailnet = *viaTailnet
		case "whitelist":
			cfg.Whitelist = nil
			for _, ip := range strings.Split(*whitelist, ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					cfg.Whitelist = append(cfg.Whitelist, ip)
				}
			}
		case "parse-json":
			cfg.ParseJSON = *parseJSON
		case "track-source":
			cfg.TrackSource = *trackSource
		case "capacity":
			cfg.Capacity = *capacity
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "stats-db":
			cfg.StatsDB = *statsDBPath
		case "stats-interval":
			cfg.StatsInterval = config.Duration(*statsInterval)
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveTarget(ctx context.Context, cfg *config.Config) (*net.UDPAddr, error) {
	host := cfg.TargetHost
	if cfg.TargetViaTailnet {
		client, err := tailnet.NewClient()
		if err != nil {
			return nil, err
		}
		ip, err := client.PeerIPv4(ctx, host)
		if err != nil {
			return nil, err
		}
		host = ip
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("target host %q is not an IP address (use -target-via-tailnet for hostnames)", host)
	}
	return &net.UDPAddr{IP: ip, Port: cfg.TargetPort}, nil
}

func main() {
	flag.Parse()

	cfg, err := buildConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	monitoring.Init(cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := resolveTarget(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to resolve target: %v", err)
	}

	metrics := relay.NewMetrics()
	stats := relay.NewPacketStatsWithMetrics(metrics)

	listener, err := relay.NewListener(relay.ListenerConfig{
		BindHost:    cfg.ListenHost,
		Port:        cfg.ListenPort,
		ParseJSON:   cfg.ParseJSON,
		TrackSource: cfg.TrackSource,
		Capacity:    cfg.Capacity,
		ReadTimeout: cfg.ReadTimeout.Std(),
		Stats:       stats,
	})
	if err != nil {
		log.Fatalf("failed to start listener: %v", err)
	}
	metrics.ObserveRing(listener.Ring())

	forwarder, err := relay.NewForwarder(relay.ForwarderConfig{
		Source:       listener,
		Target:       target,
		Whitelist:    cfg.Whitelist,
		LogInterval:  cfg.LogInterval.Std(),
		PollInterval: cfg.PollInterval.Std(),
		Name:         cfg.Name,
		Stats:        stats,
	})
	if err != nil {
		log.Fatalf("failed to create forwarder: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := forwarder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.StatsDB != "" {
		db, err := statsdb.Open(cfg.StatsDB)
		if err != nil {
			log.Fatalf("failed to open stats db: %v", err)
		}
		defer db.Close()

		sessionID, err := db.StartSession(cfg.Name, listener.LocalAddr().String(), target.String())
		if err != nil {
			log.Fatalf("failed to record session: %v", err)
		}
		g.Go(func() error {
			ticker := time.NewTicker(cfg.StatsInterval.Std())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					if err := db.RecordCounters(sessionID, stats.Snapshot()); err != nil {
						monitoring.Warnf("final counter snapshot failed: %v", err)
					}
					if err := db.EndSession(sessionID); err != nil {
						monitoring.Warnf("failed to close session: %v", err)
					}
					return nil
				case <-ticker.C:
					if err := db.RecordCounters(sessionID, stats.Snapshot()); err != nil {
						monitoring.Warnf("counter snapshot failed: %v", err)
					}
					stats.LogStats()
				}
			}
		})
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			log.Fatalf("failed to register metrics: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		tsweb.Debugger(mux)

		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			monitoring.Infof("metrics server listening on %s", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("relay terminated: %v", err)
	}
	log.Print("relay stopped")
}
