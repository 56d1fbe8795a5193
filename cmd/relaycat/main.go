package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/relaycat/internal/ledger"
	"github.com/matst80/relaycat/internal/obs"
	"github.com/matst80/relaycat/internal/server"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "relaycat: %v\n", err)
		return 1
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Debug("relaycat.start", obs.Fields{"host": cfg.Host, "port": cfg.Port, "keep_open": cfg.KeepOpen, "detach": cfg.Detach, "timeout": cfg.Timeout.String(), "interval": cfg.Interval.String()})

	store, err := ledger.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.History)
	if err != nil {
		obs.Error("ledger.init", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
		return 1
	}
	srv := server.New(cfg.serverConfig(), store)
	defer srv.Close()

	// The first signal stops accepting new connections and lets a running
	// session finish; default handling is restored so a second one kills us.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if cfg.MetricsAddr != "" {
		go startStatusServer(cfg.MetricsAddr, srv, store)
	}

	if err := srv.Serve(ctx); err != nil {
		event := "serve.failed"
		if server.IsSetupError(err) {
			event = "listener.fatal"
		}
		obs.Error(event, obs.Fields{"err": err.Error()})
		return 1
	}
	return 0
}
