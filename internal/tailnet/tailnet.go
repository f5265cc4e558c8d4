// Package tailnet resolves peer addresses on the tailnet by querying the
// local Tailscale CLI. Daemon lifecycle (up/down, tailscaled) is out of
// scope; the relay only needs to turn hostnames into reachable IPs.
package tailnet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
	"github.com/petrf99/grfp-tech-utils/internal/runner"
)

// macGUIBinary is where the macOS GUI app keeps its bundled CLI.
const macGUIBinary = "/Applications/Tailscale.app/Contents/MacOS/Tailscale"

// FindBinary locates the tailscale CLI. The TAILSCALE_PATH environment
// variable wins, then $PATH, then the macOS GUI bundle.
func FindBinary() (string, error) {
	if p := os.Getenv("TAILSCALE_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("tailscale"); err == nil {
		return p, nil
	}
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat(macGUIBinary); err == nil {
			return macGUIBinary, nil
		}
	}
	return "", fmt.Errorf("tailscale binary not found on this system")
}

// Client queries Tailscale status through the CLI.
type Client struct {
	bin     string
	builder runner.CommandBuilder
	timeout time.Duration
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithBuilder injects a command builder, used by tests.
func WithBuilder(b runner.CommandBuilder) ClientOption {
	return func(c *Client) { c.builder = b }
}

// WithBinary overrides CLI discovery.
func WithBinary(path string) ClientOption {
	return func(c *Client) { c.bin = path }
}

// NewClient locates the CLI and returns a Client.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	if c.bin == "" {
		bin, err := FindBinary()
		if err != nil {
			return nil, err
		}
		c.bin = bin
	}
	return c, nil
}

// Status runs `tailscale status --json` and decodes the result.
func (c *Client) Status(ctx context.Context) (*ipnstate.Status, error) {
	out, err := runner.Run(ctx, runner.Options{
		Retries:        1,
		AttemptTimeout: c.timeout,
		Builder:        c.builder,
	}, c.bin, "status", "--json")
	if err != nil {
		return nil, fmt.Errorf("tailscale status: %w", err)
	}

	var st ipnstate.Status
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("parse tailscale status output: %w", err)
	}
	return &st, nil
}

// PeerIPv4 returns the tailnet IPv4 address of the peer whose hostname
// (first DNS label) matches.
func (c *Client) PeerIPv4(ctx context.Context, hostname string) (string, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	for _, peer := range st.Peer {
		if ip := matchIPv4(peer, hostname); ip != "" {
			monitoring.Infof("resolved tailnet peer %s to %s", hostname, ip)
			return ip, nil
		}
	}
	return "", fmt.Errorf("no tailnet peer named %q", hostname)
}

// SelfIPv4 returns this node's tailnet IPv4 address if its hostname matches.
func (c *Client) SelfIPv4(ctx context.Context, hostname string) (string, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	if ip := matchIPv4(st.Self, hostname); ip != "" {
		monitoring.Infof("resolved tailnet self %s to %s", hostname, ip)
		return ip, nil
	}
	return "", fmt.Errorf("self node is not named %q", hostname)
}

func matchIPv4(ps *ipnstate.PeerStatus, hostname string) string {
	if ps == nil {
		return ""
	}
	if strings.Split(ps.HostName, ".")[0] != hostname {
		return ""
	}
	for _, addr := range ps.TailscaleIPs {
		if addr.Is4() {
			return addr.String()
		}
	}
	return ""
}
