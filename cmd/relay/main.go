package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cipherwire/cipherwire/internal/api"
	"github.com/cipherwire/cipherwire/internal/discovery"
	"github.com/cipherwire/cipherwire/internal/keydir"
	"github.com/cipherwire/cipherwire/internal/metrics"
	"github.com/cipherwire/cipherwire/internal/queue"
	"github.com/cipherwire/cipherwire/internal/relay"
	"github.com/cipherwire/cipherwire/internal/transport"
)

func main() {
	addr := flag.String("addr", ":6121", "QUIC listen address")
	httpAddr := flag.String("http", ":8080", "HTTP API listen address")
	queueCap := flag.Int("queue-cap", queue.DefaultMaxPerAddress, "max queued messages per address")
	retention := flag.Duration("retention", queue.DefaultRetention, "queued message retention window")
	sweepEvery := flag.Duration("sweep-interval", queue.DefaultSweepInterval, "queue cleanup interval")
	heartbeat := flag.Duration("heartbeat", relay.DefaultHeartbeatInterval, "heartbeat sweep interval")
	idleTimeout := flag.Duration("idle-timeout", relay.DefaultIdleTimeout, "idle connection timeout")
	mdns := flag.Bool("mdns", false, "advertise the relay over mDNS on the local network")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	m := metrics.New()
	q := queue.New(queue.Options{
		MaxPerAddress: *queueCap,
		Retention:     *retention,
		SweepInterval: *sweepEvery,
		Metrics:       m,
	})
	keys := keydir.New()
	manager := relay.NewManager(relay.Config{
		Queue:             q,
		Metrics:           m,
		HeartbeatInterval: *heartbeat,
		IdleTimeout:       *idleTimeout,
	})

	srv, err := transport.ListenQUIC(ctx, *addr, func(c *transport.Conn) {
		manager.HandleConn(c)
	})
	if err != nil {
		slog.Error("failed to start relay", "err", err)
		os.Exit(1)
	}
	slog.Info("relay listening", "addr", srv.LocalAddr())

	go manager.Run(ctx)
	go q.Run(ctx)

	apiServer := api.NewServer(api.Config{
		Queue:    q,
		Keys:     keys,
		Presence: manager,
		Metrics:  m,
	})
	shutdownAPI, err := apiServer.Start(*httpAddr)
	if err != nil {
		slog.Error("failed to start api", "err", err)
		os.Exit(1)
	}

	if *mdns {
		port, err := discovery.ParsePort(srv.LocalAddr())
		if err != nil {
			slog.Error("cannot advertise relay", "err", err)
		} else {
			disc, err := discovery.Advertise("cipherwire-relay", port)
			if err != nil {
				slog.Error("mdns advertise failed", "err", err)
			} else {
				defer disc.Close()
				slog.Info("relay advertised over mdns", "port", port)
			}
		}
	}

	<-ctx.Done()
	slog.Info("relay shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = shutdownAPI(shutdownCtx)
	_ = srv.Listener.Close()
}
