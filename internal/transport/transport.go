// Package transport opens the outbound connections the client modes
// use to reach a bridge.  What is spoken over the connection (login,
// console, image push) is the core package's business.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}
