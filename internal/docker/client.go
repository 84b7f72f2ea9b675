package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"
)

// defaultPingTimeout bounds Ping. Docker Desktop on macOS can take a few
// seconds to answer.
const defaultPingTimeout = 5 * time.Second

// ErrUnavailable is returned when no Docker daemon can be reached.
var ErrUnavailable = errors.New("docker daemon unavailable")

// Client wraps the Docker Engine SDK client.
type Client struct {
	inner *client.Client
}

// NewClient creates a client. DOCKER_HOST wins when set; otherwise the
// platform's default socket locations are probed:
//   - Linux: /var/run/docker.sock
//   - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//   - Windows: npipe:////./pipe/docker_engine
func NewClient() (*Client, error) {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return newClientWithHost(host)
	}
	host, err := detectDockerHost()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return newClientWithHost(host)
}

// newClientWithHost builds an SDK client for a connection string such as
// "unix:///var/run/docker.sock". Creating the client does not contact the
// daemon; the first request or Ping does.
func newClientWithHost(host string) (*Client, error) {
	// API version negotiation lets one binary talk to older and newer
	// daemons; the SDK otherwise pins the version it was built against.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create client for %q: %v", ErrUnavailable, host, err)
	}
	return &Client{inner: c}, nil
}

// detectDockerHost returns the first Docker socket found for this
// platform. It only checks that the socket exists; Ping verifies the
// daemon answers.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return detectUnixSocket([]string{"/var/run/docker.sock"})

	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
		return detectUnixSocket(paths)

	case "windows":
		// os.Stat does not work on named pipes, so dial briefly instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, time.Second)
		if err != nil {
			return "", fmt.Errorf("docker named pipe not found at %s: %w", pipePath, err)
		}
		_ = conn.Close()
		return "npipe://" + pipePath, nil

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the first existing path as a unix:// host. Paths
// are tried in order, so system sockets take precedence over per-user ones.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("docker socket not found at any of %v", paths)
}

// Ping checks that the daemon answers within defaultPingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the client. It is safe to call more than once.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PublishedPorts lists the host ports published by running containers.
// Containers that are created but not running hold no host port and are
// left out, even though compose will bind their ports once started.
func (c *Client) PublishedPorts(ctx context.Context) (*Snapshot, error) {
	return ListPublished(ctx, c.inner)
}
