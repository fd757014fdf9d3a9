// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dhcp4d runs the standalone DHCPv4 server core: it loads a scope
// topology from an HCL config file, activates enabled scopes, and serves
// until interrupted.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flywall/internal/dhcp4"
	"grimm.is/flywall/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/flywall/dhcp4.hcl", "Path to HCL config file")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9167 (disabled if empty)")
	flag.Parse()

	logger := logging.WithComponent("dhcp4d")

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.WithError(err).Error("metrics server exited", "addr", *metricsAddr)
			}
		}()
	}

	var cfg dhcp4.DHCPServerConfig
	if err := hclsimple.DecodeFile(*configPath, nil, &cfg); err != nil {
		logger.WithError(err).Error("failed to load config", "path", *configPath)
		os.Exit(1)
	}
	if !cfg.Enabled {
		logger.Info("dhcp4 server disabled in config, exiting")
		return
	}

	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "/var/lib/flywall/dhcp4"
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = "dhcp4d"
	}

	metrics := dhcp4.NewPrometheusMetricsSink(prometheus.DefaultRegisterer)
	svc, err := dhcp4.NewService(cfg.ConfigDir, serverName, metrics)
	if err != nil {
		logger.WithError(err).Error("failed to construct service")
		os.Exit(1)
	}

	// Start first so any scopes already persisted under config_dir from a
	// prior run are loaded and activated; only scopes missing from disk
	// (first boot, or newly added to the HCL file) get seeded below.
	if err := svc.Start(); err != nil {
		logger.WithError(err).Error("failed to start service")
		os.Exit(1)
	}

	for _, scopeCfg := range cfg.Scopes {
		if _, exists := svc.GetScope(scopeCfg.Name); exists {
			continue
		}
		scope, err := dhcp4.BuildScope(scopeCfg)
		if err != nil {
			logger.WithError(err).Error("failed to build scope from config", "scope", scopeCfg.Name)
			os.Exit(1)
		}
		if err := svc.AddScope(scope); err != nil {
			logger.WithError(err).Error("failed to register scope", "scope", scopeCfg.Name)
			os.Exit(1)
		}
	}
	logger.Info("dhcp4d started", "config_dir", cfg.ConfigDir, "scopes", len(cfg.Scopes))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("dhcp4d shutting down")
	if err := svc.Stop(); err != nil {
		logger.WithError(err).Error("failed to stop service cleanly")
	}
}
