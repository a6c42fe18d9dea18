// Command controller runs the Agency's scheduler and per-node client
// proxies: the process that places registered batches onto docker hosts
// and drives them to completion.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cc-agency/agency/internal/clientproxy"
	"github.com/cc-agency/agency/internal/clock"
	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/docker"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/scheduler"
	"github.com/cc-agency/agency/internal/signalbus"
	"github.com/cc-agency/agency/internal/store"
	"github.com/cc-agency/agency/internal/trustee"
)

func main() {
	configPath := flag.String("config", "/etc/agency/config.yml", "path to the Agency config file")
	agentBinaryPath := flag.String("agent-binary", "/usr/local/libexec/agency/blue_agent", "path to the in-container Blue agent executable")
	trusteeSocketPath := flag.String("trustee-socket", "", "path to the trustee's unix socket (defaults to trustee.bind_socket_path)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(false).Error("load config failed", "error", err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logging.New(false).Error("invalid config", "error", err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	agentBin, err := os.ReadFile(*agentBinaryPath)
	if err != nil {
		log.Error("read agent binary failed", "path", *agentBinaryPath, "error", err.Error())
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("open store failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	trusteePath := *trusteeSocketPath
	if trusteePath == "" {
		trusteePath = cfg.Trustee.BindSocketPath
	}
	trust := trustee.NewClient(trusteePath, clock.Real{})
	defer trust.Close()

	clk := clock.Real{}

	nodeNames := make([]string, 0, len(cfg.Controller.Docker.Nodes))
	for name := range cfg.Controller.Docker.Nodes {
		nodeNames = append(nodeNames, name)
	}
	if err := db.ResetNodes(nodeNames); err != nil {
		log.Error("reset node mirrors failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxies := make(map[string]*clientproxy.Proxy, len(cfg.Controller.Docker.Nodes))
	for name, nodeCfg := range cfg.Controller.Docker.Nodes {
		var tlsCfg *docker.TLSConfig
		if nodeCfg.TLS != nil {
			tlsCfg = &docker.TLSConfig{
				CACert:     nodeCfg.TLS.CACert,
				ClientCert: nodeCfg.TLS.ClientCert,
				ClientKey:  nodeCfg.TLS.ClientKey,
			}
		}
		driver, err := docker.NewClient(nodeCfg.BaseURL, tlsCfg)
		if err != nil {
			log.Error("create docker client failed", "node", name, "error", err.Error())
			os.Exit(1)
		}
		defer driver.Close()

		proxy := clientproxy.New(name, nodeCfg, cfg.Broker.ExternalURL, driver, db, trust, clk, log, agentBin)
		proxies[name] = proxy
		go proxy.Start(ctx)
	}

	sched := scheduler.New(db, trust, clk, log, cfg, proxies)

	bus, err := signalbus.Listen(cfg.Controller.BindSocketPath, log, sched.Schedule)
	if err != nil {
		log.Error("signalbus listen failed", "error", err.Error())
		os.Exit(1)
	}
	defer bus.Close()
	go func() {
		if err := bus.Serve(); err != nil {
			log.Error("signalbus serve failed", "error", err.Error())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}()

	log.Info("controller started", "nodes", len(proxies), "metrics_addr", *metricsAddr)
	sched.Schedule()
	sched.Run(ctx)
	log.Info("controller shutdown complete")
}
