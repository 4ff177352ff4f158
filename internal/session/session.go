// Package session represents a single control connection's lifecycle.
//
// A Session is created when the supervisor accepts a connection and is
// discarded at teardown.  It is passed explicitly to every component that
// needs per-connection state, so the one-session-at-a-time rule is a
// property of the supervisor loop rather than of hidden globals.
package session

import (
	"net"

	"ttybridge/util"
)

// Session encapsulates the state of one control connection.
type Session struct {
	ID     uint64
	Conn   net.Conn
	Logger *util.Logger

	// Authenticated flips to true once per session, on the first line
	// that matches the shared secret.
	Authenticated bool

	// EchoSuppressionOwed is set once the server has sent WILL ECHO and
	// therefore treats an incoming DO ECHO as already agreed.
	EchoSuppressionOwed bool

	// WantsConsole and WantsOTA record the directive the command
	// interpreter ended with.
	WantsConsole bool
	WantsOTA     bool
}

// New creates a Session bound to the given connection.  The session's
// logger carries the session id and remote address on every line.
func New(id uint64, conn net.Conn, logger *util.Logger) *Session {
	return &Session{
		ID:     id,
		Conn:   conn,
		Logger: logger.With("session", id).With("remote", RemoteAddr(conn)),
	}
}

// RemoteAddr returns the peer address of conn, or "unknown".
func RemoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}
