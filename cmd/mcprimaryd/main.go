// Command mcprimaryd runs the primary side of a micro-checkpoint
// replication pair: it drives a guest through repeated pause/save/resume/
// send/commit cycles and ships each checkpoint to mcsecondaryd over a
// plain TCP control connection (pkg/wireproto). No real hypervisor or
// RDMA binding exists in this module's dependency surface, so this
// binary drives a synthetic hypervisor.Fake guest — wiring a real one in
// is a matter of satisfying hypervisor.Hypervisor.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcreplica/mccore/internal/config"
	"github.com/mcreplica/mccore/internal/daemon"
	"github.com/mcreplica/mccore/pkg/hypervisor"
	"github.com/mcreplica/mccore/pkg/mcloop"
	"github.com/mcreplica/mccore/pkg/metrics"
	"github.com/mcreplica/mccore/pkg/trafficbuffer"
)

func main() {
	var (
		configPath  string
		metricsAddr string
	)
	cfg := config.Defaults()

	root := &cobra.Command{
		Use:   "mcprimaryd",
		Short: "Run the primary side of a micro-checkpoint replication pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr, cmd.Flags())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "TOML config file (optional; flags override it)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9400", "Prometheus /metrics listen address")
	config.BindFlags(&cfg, root.Flags())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, configPath, metricsAddr string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("mcprimaryd: %w", err)
	}

	log := daemon.NewLogger(cfg.LogLevel)
	log.WithField("peer", fmt.Sprintf("%s:%d", cfg.PeerHost, cfg.PeerPort)).Info("starting primary")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hv := newDemoHypervisor()
	go simulateDirtyMemory(ctx, hv)

	var buffer *trafficbuffer.Controller
	if cfg.TrafficBufferEnabled {
		buffer = trafficbuffer.New(&trafficbuffer.TCPlug{}, trafficbuffer.Options{
			TapPrefix:  cfg.TapDevicePrefix,
			IFBPrefix:  cfg.IFBDevicePrefix,
			LimitBytes: cfg.InitialBufferBytes,
		}, log)
		if err := buffer.Enable(hv); err != nil {
			return fmt.Errorf("mcprimaryd: enable traffic buffer: %w", err)
		}
	}

	conn, err := dialSecondary(ctx, cfg.PeerHost, cfg.PeerPort)
	if err != nil {
		return fmt.Errorf("mcprimaryd: dial secondary: %w", err)
	}
	defer conn.Close()

	collector := metrics.NewCollector(prometheus.Labels{"role": "primary", "peer": cfg.PeerHost})
	prometheus.MustRegister(collector)
	daemon.ServeMetrics(metricsAddr, log)

	loop := mcloop.New(hv, conn, mcloop.Options{
		Period:     cfg.CheckpointPeriod,
		SlabSize:   cfg.SlabBytes,
		MaxStrikes: cfg.MaxStrikes(),
		Buffer:     buffer,
		OnTick: func(m mcloop.Metrics) {
			collector.ObserveCheckpoint(time.Duration(m.DowntimeMS)*time.Millisecond, time.Duration(m.AckLatencyMS)*time.Millisecond)
		},
	}, log)
	collector.SetSlabGaugeFuncs(
		func() float64 { return float64(loop.Ring().NumSlabs()) },
		func() float64 { return float64(loop.Ring().Total()) },
	)

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcprimaryd: loop: %w", err)
	}
	log.Info("primary stopped")
	return nil
}

func dialSecondary(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{}
	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s:%d: %w (last attempt: %v)", host, port, ctx.Err(), lastErr)
		case <-time.After(time.Second):
		}
	}
}

func newDemoHypervisor() *hypervisor.Fake {
	hv := hypervisor.NewFake(
		[]hypervisor.NIC{{Name: "eth0", PeerDevice: "tap0"}},
		[]hypervisor.RAMBlock{{Offset: 0, Length: 256 << 20, IsRAM: true}},
	)
	hv.DirtyPages = make([]byte, 4096)
	return hv
}

// simulateDirtyMemory stands in for a real hypervisor's dirty-bitmap
// producer: every 50ms it rewrites a pseudo-random slice of
// the demo guest's "dirty pages" buffer, so each tick has something new
// to save and send.
func simulateDirtyMemory(ctx context.Context, hv *hypervisor.Fake) {
	rng := rand.New(rand.NewSource(1))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buf := make([]byte, 4096)
			rng.Read(buf)
			hv.Lock()
			hv.DirtyPages = buf
			hv.Unlock()
		}
	}
}

