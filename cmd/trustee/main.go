// Command trustee runs the Agency's secret vault: an in-memory store
// exposed over a unix socket to the controller and its client proxies.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cc-agency/agency/internal/config"
	"github.com/cc-agency/agency/internal/logging"
	"github.com/cc-agency/agency/internal/trustee"
)

func main() {
	configPath := flag.String("config", "/etc/agency/config.yml", "path to the Agency config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(false).Error("load config failed", "error", err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	vault := trustee.NewVault()
	srv, err := trustee.Listen(cfg.Trustee.BindSocketPath, vault, log)
	if err != nil {
		log.Error("trustee listen failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	log.Info("trustee listening", "socket", cfg.Trustee.BindSocketPath)
	select {
	case <-ctx.Done():
		log.Info("trustee shutting down")
		srv.Close()
	case err := <-errCh:
		if err != nil {
			log.Error("trustee serve failed", "error", err.Error())
			os.Exit(1)
		}
	}
}
