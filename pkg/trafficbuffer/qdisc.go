package trafficbuffer

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// PlugQdisc is the external kernel traffic-shaping facility (spec.md §1):
// insert-barrier, release-one and release-indefinite are provided by the
// kernel's plug qdisc, out of scope for this module beyond this interface.
// Controller (C3) only adds enable/disable/size bookkeeping on top of it.
type PlugQdisc interface {
	Create(device string, limitBytes int) error
	InsertBarrier(device string) error
	ReleaseOne(device string) error
	ReleaseIndefinite(device string) error
	Destroy(device string) error
}

// TCPlug drives the Linux "tc" plug qdisc via os/exec, the concrete
// implementation of PlugQdisc for a real host. It shells out rather than
// speaking netlink directly, in the same spirit as the teacher's
// pkg/kernel treating OS facilities as a thin external shim rather than
// reimplementing them.
type TCPlug struct {
	Timeout time.Duration
}

var _ PlugQdisc = (*TCPlug)(nil)

func (t *TCPlug) run(args ...string) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tc", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tc %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (t *TCPlug) Create(device string, limitBytes int) error {
	return t.run("qdisc", "add", "dev", device, "root", "handle", "1:", "plug", "limit", strconv.Itoa(limitBytes))
}

func (t *TCPlug) InsertBarrier(device string) error {
	return t.run("qdisc", "change", "dev", device, "root", "handle", "1:", "plug", "buffer")
}

func (t *TCPlug) ReleaseOne(device string) error {
	return t.run("qdisc", "change", "dev", device, "root", "handle", "1:", "plug", "release_one")
}

func (t *TCPlug) ReleaseIndefinite(device string) error {
	return t.run("qdisc", "change", "dev", device, "root", "handle", "1:", "plug", "release_indefinite")
}

func (t *TCPlug) Destroy(device string) error {
	return t.run("qdisc", "del", "dev", device, "root")
}
