package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Prober reports whether the service host can be reached right now.
type Prober func(ctx context.Context) bool

// TCPProber returns a Prober that opens a TCP connection to the host of
// rawURL. A refused connection counts as reachable since the host answered;
// timeouts, DNS failures and missing routes do not.
func TCPProber(rawURL string, timeout time.Duration) (Prober, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid probe URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("probe URL %q has no host", rawURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	addr := net.JoinHostPort(host, port)
	dialer := &net.Dialer{Timeout: timeout}

	return func(ctx context.Context) bool {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return errors.Is(err, syscall.ECONNREFUSED)
	}, nil
}

// WatchReachability runs probe every interval and feeds the result to
// SetReachable. It returns when ctx is done or the manager is closed.
func (m *Manager) WatchReachability(ctx context.Context, probe Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SetReachable(probe(ctx))
		}
	}
}
