// Package config loads mccore's daemon configuration from a TOML file
// (BurntSushi/toml), with every knob also bindable as a CLI flag
// (spf13/pflag) that overrides the file when set — the same two-layer
// convention the rest of this stack uses for its tunables.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// CheckpointPeriod is the MC loop's tick cadence.
	CheckpointPeriod time.Duration `toml:"checkpoint_period_ms"`
	// ShrinkWindow is how long the slab ring waits, at the checkpoint
	// cadence, before shrinking an underused ring by half of its
	// non-head slabs (at least one) (max_strikes is derived
	// as ShrinkWindow / CheckpointPeriod).
	ShrinkWindow time.Duration `toml:"shrink_window_secs"`
	// InitialBufferBytes sizes the traffic buffer controller's initial
	// reservation.
	InitialBufferBytes int `toml:"initial_buffer_bytes"`
	// SlabBytes is one slab ring slab's fixed capacity.
	SlabBytes int `toml:"slab_bytes"`
	// ChunkBytes is the RDMA registration/write granularity.
	ChunkBytes int `toml:"chunk_bytes"`
	// SendQueueDepth bounds outstanding RDMA WRITEs (derived from the
	// merge cap divided by page size unless overridden).
	SendQueueDepth int `toml:"send_queue_depth"`

	// ListenPort is the port the secondary listens on for the primary's
	// TCP control connection.
	ListenPort int `toml:"listen_port"`
	// PeerHost/PeerPort locate the secondary from the primary.
	PeerHost string `toml:"peer_host"`
	PeerPort int    `toml:"peer_port"`

	PinAll    bool `toml:"pin_all"`
	Keepalive bool `toml:"keepalive"`

	TrafficBufferEnabled bool   `toml:"traffic_buffer_enabled"`
	TapDevicePrefix      string `toml:"tap_device_prefix"`
	IFBDevicePrefix      string `toml:"ifb_device_prefix"`

	SchedStrategy string `toml:"sched_strategy"` // "blocking" | "yield-on-fd-readable"

	LogLevel string `toml:"log_level"`
}

// Defaults returns the configuration spec.md §6 names as defaults.
func Defaults() Config {
	return Config{
		CheckpointPeriod:     100 * time.Millisecond,
		ShrinkWindow:         10 * time.Second,
		InitialBufferBytes:   125 * 1000 * 1000,
		SlabBytes:            5 * 1024 * 1024,
		ChunkBytes:           1 << 20,
		SendQueueDepth:       512,
		ListenPort:           49152,
		PeerPort:             49152,
		PinAll:               false,
		Keepalive:            true,
		TrafficBufferEnabled: true,
		TapDevicePrefix:      "tap",
		IFBDevicePrefix:      "ifb",
		SchedStrategy:        "blocking",
		LogLevel:             "info",
	}
}

// tomlConfig mirrors Config's durations as plain integers, since
// BurntSushi/toml decodes durations as numeric fields rather than via
// time.ParseDuration.
type tomlConfig struct {
	CheckpointPeriodMS   int64  `toml:"checkpoint_period_ms"`
	ShrinkWindowSecs     int64  `toml:"shrink_window_secs"`
	InitialBufferBytes   int    `toml:"initial_buffer_bytes"`
	SlabBytes            int    `toml:"slab_bytes"`
	ChunkBytes           int    `toml:"chunk_bytes"`
	SendQueueDepth       int    `toml:"send_queue_depth"`
	ListenPort           int    `toml:"listen_port"`
	PeerHost             string `toml:"peer_host"`
	PeerPort             int    `toml:"peer_port"`
	PinAll               bool   `toml:"pin_all"`
	Keepalive            bool   `toml:"keepalive"`
	TrafficBufferEnabled bool   `toml:"traffic_buffer_enabled"`
	TapDevicePrefix      string `toml:"tap_device_prefix"`
	IFBDevicePrefix      string `toml:"ifb_device_prefix"`
	SchedStrategy        string `toml:"sched_strategy"`
	LogLevel             string `toml:"log_level"`
}

// Load reads path (if non-empty) over Defaults(), then lets any pflag
// in fs that was explicitly set on the command line override the
// result — file first, flags win.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Defaults()
	if path != "" {
		var t tomlConfig
		t.fromConfig(cfg)
		if _, err := toml.DecodeFile(path, &t); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		cfg = t.toConfig()
	}
	if fs != nil {
		applyFlagOverrides(&cfg, fs)
	}
	return cfg, cfg.Validate()
}

func (t *tomlConfig) fromConfig(c Config) {
	*t = tomlConfig{
		CheckpointPeriodMS:   c.CheckpointPeriod.Milliseconds(),
		ShrinkWindowSecs:     int64(c.ShrinkWindow / time.Second),
		InitialBufferBytes:   c.InitialBufferBytes,
		SlabBytes:            c.SlabBytes,
		ChunkBytes:           c.ChunkBytes,
		SendQueueDepth:       c.SendQueueDepth,
		ListenPort:           c.ListenPort,
		PeerHost:             c.PeerHost,
		PeerPort:             c.PeerPort,
		PinAll:               c.PinAll,
		Keepalive:            c.Keepalive,
		TrafficBufferEnabled: c.TrafficBufferEnabled,
		TapDevicePrefix:      c.TapDevicePrefix,
		IFBDevicePrefix:      c.IFBDevicePrefix,
		SchedStrategy:        c.SchedStrategy,
		LogLevel:             c.LogLevel,
	}
}

func (t tomlConfig) toConfig() Config {
	return Config{
		CheckpointPeriod:     time.Duration(t.CheckpointPeriodMS) * time.Millisecond,
		ShrinkWindow:         time.Duration(t.ShrinkWindowSecs) * time.Second,
		InitialBufferBytes:   t.InitialBufferBytes,
		SlabBytes:            t.SlabBytes,
		ChunkBytes:           t.ChunkBytes,
		SendQueueDepth:       t.SendQueueDepth,
		ListenPort:           t.ListenPort,
		PeerHost:             t.PeerHost,
		PeerPort:             t.PeerPort,
		PinAll:               t.PinAll,
		Keepalive:            t.Keepalive,
		TrafficBufferEnabled: t.TrafficBufferEnabled,
		TapDevicePrefix:      t.TapDevicePrefix,
		IFBDevicePrefix:      t.IFBDevicePrefix,
		SchedStrategy:        t.SchedStrategy,
		LogLevel:             t.LogLevel,
	}
}

// BindFlags registers every knob onto fs, defaulted from cfg, so a
// daemon's main can do `cfg := config.Defaults(); config.BindFlags(&cfg,
// root.Flags())` before cobra parses argv.
func BindFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.DurationVar(&cfg.CheckpointPeriod, "checkpoint-period", cfg.CheckpointPeriod, "micro-checkpoint tick period")
	fs.DurationVar(&cfg.ShrinkWindow, "shrink-window", cfg.ShrinkWindow, "slab ring shrink evaluation window")
	fs.IntVar(&cfg.InitialBufferBytes, "initial-buffer-bytes", cfg.InitialBufferBytes, "initial traffic buffer reservation in bytes")
	fs.IntVar(&cfg.SlabBytes, "slab-bytes", cfg.SlabBytes, "slab ring slab size in bytes")
	fs.IntVar(&cfg.ChunkBytes, "chunk-bytes", cfg.ChunkBytes, "RDMA registration/write chunk size in bytes")
	fs.IntVar(&cfg.SendQueueDepth, "send-queue-depth", cfg.SendQueueDepth, "outstanding RDMA WRITE depth")
	fs.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "control connection listen port (secondary)")
	fs.StringVar(&cfg.PeerHost, "peer-host", cfg.PeerHost, "secondary host (primary only)")
	fs.IntVar(&cfg.PeerPort, "peer-port", cfg.PeerPort, "secondary control connection port (primary only)")
	fs.BoolVar(&cfg.PinAll, "pin-all", cfg.PinAll, "advertise upfront whole-block registration support")
	fs.BoolVar(&cfg.Keepalive, "keepalive", cfg.Keepalive, "advertise keepalive support")
	fs.BoolVar(&cfg.TrafficBufferEnabled, "traffic-buffer", cfg.TrafficBufferEnabled, "enable the tc plug traffic buffer")
	fs.StringVar(&cfg.TapDevicePrefix, "tap-prefix", cfg.TapDevicePrefix, "tap device name prefix to match against NIC peers")
	fs.StringVar(&cfg.IFBDevicePrefix, "ifb-prefix", cfg.IFBDevicePrefix, "ifb device name prefix to create")
	fs.StringVar(&cfg.SchedStrategy, "sched-strategy", cfg.SchedStrategy, "\"blocking\" or \"yield-on-fd-readable\"")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level")
}

// applyFlagOverrides re-applies any flag the caller explicitly set,
// since BindFlags already wrote file-or-default values into cfg as the
// flags' own defaults and pflag.Parse has already run against fs by the
// time Load is called from a cobra RunE.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) {
	visit := func(name string, set func()) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			set()
		}
	}
	visit("checkpoint-period", func() { cfg.CheckpointPeriod, _ = fs.GetDuration("checkpoint-period") })
	visit("shrink-window", func() { cfg.ShrinkWindow, _ = fs.GetDuration("shrink-window") })
	visit("initial-buffer-bytes", func() { cfg.InitialBufferBytes, _ = fs.GetInt("initial-buffer-bytes") })
	visit("slab-bytes", func() { cfg.SlabBytes, _ = fs.GetInt("slab-bytes") })
	visit("chunk-bytes", func() { cfg.ChunkBytes, _ = fs.GetInt("chunk-bytes") })
	visit("send-queue-depth", func() { cfg.SendQueueDepth, _ = fs.GetInt("send-queue-depth") })
	visit("listen-port", func() { cfg.ListenPort, _ = fs.GetInt("listen-port") })
	visit("peer-host", func() { cfg.PeerHost, _ = fs.GetString("peer-host") })
	visit("peer-port", func() { cfg.PeerPort, _ = fs.GetInt("peer-port") })
	visit("pin-all", func() { cfg.PinAll, _ = fs.GetBool("pin-all") })
	visit("keepalive", func() { cfg.Keepalive, _ = fs.GetBool("keepalive") })
	visit("traffic-buffer", func() { cfg.TrafficBufferEnabled, _ = fs.GetBool("traffic-buffer") })
	visit("tap-prefix", func() { cfg.TapDevicePrefix, _ = fs.GetString("tap-prefix") })
	visit("ifb-prefix", func() { cfg.IFBDevicePrefix, _ = fs.GetString("ifb-prefix") })
	visit("sched-strategy", func() { cfg.SchedStrategy, _ = fs.GetString("sched-strategy") })
	visit("log-level", func() { cfg.LogLevel, _ = fs.GetString("log-level") })
}

// MaxStrikes derives the slab ring's shrink-evaluation tick count from
// ShrinkWindow/CheckpointPeriod, per spec.md §6's worked example
// (freq_ms=100, max_strikes_delay_secs=10 → max_strikes=100).
func (c Config) MaxStrikes() int {
	if c.CheckpointPeriod <= 0 {
		return 1
	}
	n := int(c.ShrinkWindow / c.CheckpointPeriod)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate rejects configurations that would violate an invariant
// elsewhere in the stack (e.g. slab ring or write engine assumptions).
func (c Config) Validate() error {
	if c.CheckpointPeriod <= 0 {
		return fmt.Errorf("config: checkpoint_period_ms must be > 0")
	}
	if c.SlabBytes <= 0 {
		return fmt.Errorf("config: slab_bytes must be > 0")
	}
	if c.ChunkBytes <= 0 {
		return fmt.Errorf("config: chunk_bytes must be > 0")
	}
	if c.SendQueueDepth <= 0 {
		return fmt.Errorf("config: send_queue_depth must be > 0")
	}
	switch c.SchedStrategy {
	case "blocking", "yield-on-fd-readable":
	default:
		return fmt.Errorf("config: sched_strategy must be \"blocking\" or \"yield-on-fd-readable\", got %q", c.SchedStrategy)
	}
	return nil
}
