// Package trafficbuffer implements the traffic-buffer controller (C3): it
// wraps the external kernel plug qdisc (PlugQdisc) with NIC selection,
// enable/disable lifecycle, and the runtime-failure-downgrades-to-off
// policy from spec.md §4.2.
package trafficbuffer

import (
	"fmt"
	"strings"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/sirupsen/logrus"

	"github.com/mcreplica/mccore/pkg/hypervisor"
)

// DefaultTapPrefix and DefaultIFBPrefix are the device-name conventions
// this module expects: the guest's peer device is named "tapN" and the
// buffer device is the corresponding "ifbN".
const (
	DefaultTapPrefix = "tap"
	DefaultIFBPrefix = "ifb"
)

// minPlugKernel is the oldest kernel release known to carry the plug
// qdisc (it landed well before this), used only to produce a clearer
// enable-time error than an opaque `tc` failure on ancient kernels.
var minPlugKernel = kernel.VersionInfo{Kernel: 3, Major: 10, Minor: 0}

// Controller is the single-NIC traffic-buffer controller (C3).
type Controller struct {
	qdisc      PlugQdisc
	tapPrefix  string
	ifbPrefix  string
	limitBytes int
	log        *logrus.Entry

	device  string
	enabled bool
}

// Options configures a Controller; zero values fall back to the spec
// defaults (tap/ifb prefixes, 125 MB limit).
type Options struct {
	TapPrefix  string
	IFBPrefix  string
	LimitBytes int
}

// New creates a disabled Controller. Call Enable to bring it up.
func New(qdisc PlugQdisc, opts Options, log *logrus.Entry) *Controller {
	if opts.TapPrefix == "" {
		opts.TapPrefix = DefaultTapPrefix
	}
	if opts.IFBPrefix == "" {
		opts.IFBPrefix = DefaultIFBPrefix
	}
	if opts.LimitBytes <= 0 {
		opts.LimitBytes = 125 * 1000 * 1000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		qdisc:      qdisc,
		tapPrefix:  opts.TapPrefix,
		ifbPrefix:  opts.IFBPrefix,
		limitBytes: opts.LimitBytes,
		log:        log,
	}
}

// Enable scans the hypervisor's NICs for the first peer device matching
// the configured tap prefix, derives the ifb buffer device name, creates
// the plug qdisc, and suspends it (release-indefinite). Failure here is
// fatal (spec.md §4.2, §7 "Transport setup"). If no matching NIC exists,
// per the resolved open question in spec.md §9 this logs a warning and
// leaves buffering disabled rather than refusing to start.
func (c *Controller) Enable(hv hypervisor.Hypervisor) error {
	// Best-effort diagnostic only: a failure to read the kernel version
	// is not itself fatal, since tc's own error will still surface below.
	if v, err := kernel.GetKernelVersion(); err == nil && kernel.CompareKernelVersion(*v, minPlugKernel) < 0 {
		return fmt.Errorf("trafficbuffer: kernel %v predates plug qdisc support (need >= %v)", v, minPlugKernel)
	}

	var peer string
	err := hv.ForEachNIC(func(n hypervisor.NIC) error {
		if peer == "" && strings.HasPrefix(n.PeerDevice, c.tapPrefix) {
			peer = n.PeerDevice
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("trafficbuffer: enumerate NICs: %w", err)
	}
	if peer == "" {
		c.log.Warnf("no NIC with peer device prefix %q found; buffering disabled", c.tapPrefix)
		c.enabled = false
		return nil
	}

	device := c.ifbPrefix + strings.TrimPrefix(peer, c.tapPrefix)
	if err := c.qdisc.Create(device, c.limitBytes); err != nil {
		return fmt.Errorf("trafficbuffer: create plug on %s: %w", device, err)
	}
	if err := c.qdisc.ReleaseIndefinite(device); err != nil {
		return fmt.Errorf("trafficbuffer: suspend plug on %s: %w", device, err)
	}
	c.device = device
	c.enabled = true
	return nil
}

// InsertBarrier records a cut point for the next checkpoint. A runtime
// failure downgrades buffering to off rather than propagating an error.
func (c *Controller) InsertBarrier() {
	if !c.enabled {
		return
	}
	if err := c.qdisc.InsertBarrier(c.device); err != nil {
		c.downgrade("insert-barrier", err)
	}
}

// ReleaseOne releases exactly one checkpoint's worth of buffered packets.
func (c *Controller) ReleaseOne() {
	if !c.enabled {
		return
	}
	if err := c.qdisc.ReleaseOne(c.device); err != nil {
		c.downgrade("release-one", err)
	}
}

// ReleaseIndefinite drains all buffered packets and suspends plugging.
func (c *Controller) ReleaseIndefinite() {
	if !c.enabled {
		return
	}
	if err := c.qdisc.ReleaseIndefinite(c.device); err != nil {
		c.downgrade("release-indefinite", err)
	}
}

// Disable tears down the qdisc. Safe to call when already disabled.
func (c *Controller) Disable() {
	if !c.enabled {
		return
	}
	if err := c.qdisc.Destroy(c.device); err != nil {
		c.log.WithError(err).Warn("trafficbuffer: disable: destroy failed")
	}
	c.enabled = false
	c.device = ""
}

// Enabled reports whether buffering is currently active.
func (c *Controller) Enabled() bool { return c.enabled }

// Size returns the configured byte limit.
func (c *Controller) Size() int { return c.limitBytes }

// Device returns the buffer device name, or "" if disabled.
func (c *Controller) Device() string { return c.device }

func (c *Controller) downgrade(op string, err error) {
	c.log.WithError(err).Warnf("trafficbuffer: %s failed at runtime; disabling buffering (network-consistency guarantee lost)", op)
	c.enabled = false
}
