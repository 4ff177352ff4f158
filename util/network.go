package util

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// FormatAddr returns "host:port".  An empty host yields ":port", which
// binds every interface.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// SetKeepAlive enables TCP keepalive on conn when it is a TCP
// connection, so a peer that vanishes mid-transfer does not pin the
// session forever.
func SetKeepAlive(conn net.Conn, idle, interval time.Duration, count int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     idle,
		Interval: interval,
		Count:    count,
	})
}

// AcceptOne accepts a single connection and always closes ln, so
// further connection attempts are refused until the caller listens
// again.  Cancelling ctx unblocks the accept.
func AcceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}
