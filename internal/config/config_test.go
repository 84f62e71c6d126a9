package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaults_Validates(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults() should validate: %v", err)
	}
}

func TestMaxStrikes_MatchesWorkedExample(t *testing.T) {
	c := Defaults()
	c.CheckpointPeriod = 100 * time.Millisecond
	c.ShrinkWindow = 10 * time.Second
	if got := c.MaxStrikes(); got != 100 {
		t.Fatalf("MaxStrikes() = %d, want 100", got)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mccore.toml")
	contents := `
checkpoint_period_ms = 250
slab_bytes = 1048576
peer_host = "10.0.0.5"
peer_port = 5555
sched_strategy = "yield-on-fd-readable"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CheckpointPeriod != 250*time.Millisecond {
		t.Errorf("CheckpointPeriod = %v, want 250ms", cfg.CheckpointPeriod)
	}
	if cfg.SlabBytes != 1048576 {
		t.Errorf("SlabBytes = %d, want 1048576", cfg.SlabBytes)
	}
	if cfg.PeerHost != "10.0.0.5" || cfg.PeerPort != 5555 {
		t.Errorf("unexpected peer: %s:%d", cfg.PeerHost, cfg.PeerPort)
	}
	if cfg.SchedStrategy != "yield-on-fd-readable" {
		t.Errorf("SchedStrategy = %q", cfg.SchedStrategy)
	}
	// Untouched knobs keep their defaults.
	if cfg.ChunkBytes != Defaults().ChunkBytes {
		t.Errorf("ChunkBytes = %d, want default %d", cfg.ChunkBytes, Defaults().ChunkBytes)
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mccore.toml")
	if err := os.WriteFile(path, []byte(`listen_port = 1111`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := Defaults()
	BindFlags(&cfg, fs)
	if err := fs.Parse([]string{"--listen-port=2222"}); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path, fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenPort != 2222 {
		t.Fatalf("ListenPort = %d, want 2222 (flag should win over file's 1111)", got.ListenPort)
	}
}

func TestValidate_RejectsBadSchedStrategy(t *testing.T) {
	c := Defaults()
	c.SchedStrategy = "nonsense"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid sched_strategy")
	}
}
