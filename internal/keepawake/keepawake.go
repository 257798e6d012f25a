// Package keepawake holds the host awake while a measurement runs.
package keepawake

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/banshee-data/ecg.report/internal/monitoring"
)

var logf = monitoring.Component("keepawake")

// Inhibitor blocks host sleep between Inhibit and the returned release func.
type Inhibitor interface {
	Inhibit(reason string) (release func() error, err error)
}

// Guard is an idempotent keep-awake resource. Acquire while held and
// Release while not held are no-ops.
type Guard struct {
	inhibitor Inhibitor
	reason    string

	mu       sync.Mutex
	held     bool
	release  func() error
	acquires int
	releases int
}

// NewGuard returns a Guard over inhibitor. A nil inhibitor uses Noop.
func NewGuard(inhibitor Inhibitor, reason string) *Guard {
	if inhibitor == nil {
		inhibitor = Noop{}
	}
	return &Guard{inhibitor: inhibitor, reason: reason}
}

// Acquire takes the inhibitor. Failures are logged; the guard still counts
// as held so Release stays balanced.
func (g *Guard) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return
	}
	g.held = true
	g.acquires++

	release, err := g.inhibitor.Inhibit(g.reason)
	if err != nil {
		logf("failed to inhibit sleep: %v", err)
		return
	}
	g.release = release
}

// Release drops the inhibitor. It never fails.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false
	g.releases++

	release := g.release
	g.release = nil
	if release == nil {
		return
	}
	if err := release(); err != nil {
		logf("failed to release sleep inhibitor: %v", err)
	}
}

// Held reports whether the guard is acquired.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Counts returns how many real acquire and release transitions happened.
func (g *Guard) Counts() (acquires, releases int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquires, g.releases
}

// Noop inhibits nothing.
type Noop struct{}

func (Noop) Inhibit(string) (func() error, error) {
	return func() error { return nil }, nil
}

// SystemdInhibitor holds a systemd-inhibit child process for as long as
// sleep must be blocked.
type SystemdInhibitor struct {
	// Command is the inhibit binary; empty means "systemd-inhibit".
	Command string
	// Hold is the command kept running under the lock; empty means
	// "sleep infinity".
	Hold []string
}

func (s SystemdInhibitor) Inhibit(reason string) (func() error, error) {
	bin := s.Command
	if bin == "" {
		bin = "systemd-inhibit"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%s not available: %w", bin, err)
	}
	hold := s.Hold
	if len(hold) == 0 {
		hold = []string{"sleep", "infinity"}
	}

	args := append([]string{
		"--what=sleep:idle",
		"--who=ecg-report",
		"--why=" + reason,
		"--mode=block",
	}, hold...)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	logf("sleep inhibited (pid %d)", cmd.Process.Pid)

	return func() error {
		cancel()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
			// killed by cancel
			return nil
		}
		return err
	}, nil
}
