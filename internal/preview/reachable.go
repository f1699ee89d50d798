package preview

import (
	"context"
	"fmt"
	"net"
	"time"
)

// probeInterval is the retry cadence of WaitReachable.
const probeInterval = 250 * time.Millisecond

// WaitReachable probes the port on both loopback address families until one
// accepts a TCP connection or the timeout elapses. It returns the host that
// answered ("127.0.0.1" or "::1") so the proxy target matches the family
// the server actually bound.
func WaitReachable(ctx context.Context, port int, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hosts := []string{"127.0.0.1", "::1"}
	dialer := net.Dialer{Timeout: probeInterval}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		for _, host := range hosts {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
			if err == nil {
				conn.Close()
				return host, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("port %d not reachable within %s: %w", port, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
