// Command mcsecondaryd runs the secondary side of a micro-checkpoint
// replication pair: it accepts one control connection from mcprimaryd
// and replays each incoming checkpoint into a guest (pkg/mcloop.Receiver).
// As with mcprimaryd, no real hypervisor binding exists in this module's
// dependency surface, so this binary replays into a hypervisor.Fake.
package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcreplica/mccore/internal/config"
	"github.com/mcreplica/mccore/internal/daemon"
	"github.com/mcreplica/mccore/pkg/hypervisor"
	"github.com/mcreplica/mccore/pkg/mcloop"
	"github.com/mcreplica/mccore/pkg/metrics"
	"github.com/mcreplica/mccore/pkg/slabring"
)

func main() {
	var (
		configPath  string
		metricsAddr string
	)
	cfg := config.Defaults()

	root := &cobra.Command{
		Use:   "mcsecondaryd",
		Short: "Run the secondary side of a micro-checkpoint replication pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr, cmd.Flags())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "TOML config file (optional; flags override it)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9401", "Prometheus /metrics listen address")
	config.BindFlags(&cfg, root.Flags())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, configPath, metricsAddr string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("mcsecondaryd: %w", err)
	}

	log := daemon.NewLogger(cfg.LogLevel)
	log.WithField("listen-port", cfg.ListenPort).Info("starting secondary")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hv := hypervisor.NewFake(nil, []hypervisor.RAMBlock{{Offset: 0, Length: 256 << 20, IsRAM: true}})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("mcsecondaryd: listen: %w", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mcsecondaryd: accept: %w", err)
	}
	defer conn.Close()
	log.WithField("from", conn.RemoteAddr()).Info("primary connected")

	ring := slabring.New(cfg.SlabBytes, cfg.MaxStrikes())
	defer ring.Close()

	collector := metrics.NewCollector(prometheus.Labels{"role": "secondary"})
	collector.SetSlabGaugeFuncs(
		func() float64 { return float64(ring.NumSlabs()) },
		func() float64 { return float64(ring.Total()) },
	)
	prometheus.MustRegister(collector)
	daemon.ServeMetrics(metricsAddr, log)

	receiver := mcloop.NewReceiver(hv, conn, ring, log)
	if err := receiver.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcsecondaryd: receiver: %w", err)
	}
	log.Info("secondary stopped")
	return nil
}
