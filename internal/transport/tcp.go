package transport

import (
	"context"
	"net"
	"time"

	"ttybridge/util"
)

// TCP keepalive on client connections, matching the bridge's OTA port.
const (
	KeepAliveIdle     = 5 * time.Second
	KeepAliveInterval = 5 * time.Second
	KeepAliveCount    = 3
)

// TCPDialer establishes plain TCP connections with keepalive, so
// a bridge that reboots mid-session is noticed.
type TCPDialer struct {
	Timeout time.Duration
	Logger  *util.Logger
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: -1}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if err := util.SetKeepAlive(conn, KeepAliveIdle, KeepAliveInterval, KeepAliveCount); err != nil && d.Logger != nil {
		d.Logger.Verbose("keepalive on %s: %v", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
