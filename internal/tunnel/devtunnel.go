// Package tunnel exposes the local daemon through a Microsoft dev
// tunnel. Deployed apps post error reports and deploy webhooks over the
// public internet; a tunnel lets a daemon on a workstation receive them
// without a routable address.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
)

const devtunnelBin = "devtunnel"

// ErrNotInstalled means the devtunnel CLI is not in PATH.
var ErrNotInstalled = errors.New("devtunnel binary not found in PATH")

var urlPattern = regexp.MustCompile(`https://[^\s]*\.devtunnels\.ms[^\s]*`)

// Manager supervises one devtunnel host process. The public URL is not
// known at start; devtunnel prints it once the tunnel is up, and the
// Manager captures it from the process output.
type Manager struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	url      string
	running  bool
	onChange func(url string)
}

// NewManager returns an idle Manager.
func NewManager() *Manager {
	return &Manager{}
}

// OnChange registers fn, called with the public URL once discovered and
// with "" when the tunnel process exits.
func (m *Manager) OnChange(fn func(url string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start hosts an anonymous tunnel to the given local port. It returns
// once the process is launched; the URL arrives asynchronously through
// OnChange and URL. Starting an already running Manager is a no-op.
func (m *Manager) Start(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	if _, err := exec.LookPath(devtunnelBin); err != nil {
		return ErrNotInstalled
	}
	if err := exec.Command(devtunnelBin, "user", "show").Run(); err != nil {
		return fmt.Errorf("devtunnel login check failed (run 'devtunnel user login'): %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, devtunnelBin, "host", "-p", fmt.Sprintf("%d", port), "--allow-anonymous")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting devtunnel: %w", err)
	}

	done := make(chan struct{})
	m.cmd = cmd
	m.cancel = cancel
	m.done = done
	m.running = true
	m.url = ""

	slog.Info("tunnel process started", "port", port, "pid", cmd.Process.Pid)
	go m.watch(cmd, stdout, port, done)
	return nil
}

// watch scans process output for the tunnel URL and resets state when
// the process exits. It closes done once the reset is finished.
func (m *Manager) watch(cmd *exec.Cmd, stdout io.Reader, port int, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("devtunnel output", "line", line)

		match := urlPattern.FindString(line)
		if match == "" {
			continue
		}

		m.mu.Lock()
		m.url = match
		cb := m.onChange
		m.mu.Unlock()

		slog.Info("tunnel URL ready", "url", match)
		if cb != nil {
			cb(match)
		}
	}

	_ = cmd.Wait()

	m.mu.Lock()
	m.running = false
	m.url = ""
	m.cmd = nil
	cb := m.onChange
	m.mu.Unlock()

	slog.Info("tunnel process exited", "port", port)
	if cb != nil {
		cb("")
	}
}

// Stop terminates the tunnel process and waits for the watch goroutine
// to reset state and fire the change handler.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// URL returns the public tunnel URL, or "" while starting or stopped.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Running reports whether the tunnel process is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
