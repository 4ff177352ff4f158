// Package capability defines what an authenticated session turns into
// once the command interpreter hands it off: a serial console or a
// firmware update.  Each Capability operates on a Session rather than a
// raw net.Conn, which keeps them testable and decoupled from the
// supervisor loop.
package capability

import (
	"context"

	"ttybridge/internal/session"
)

// Capability takes over a session's connection.  Handle blocks until
// the capability is done or ctx is cancelled; the caller closes the
// connection afterwards.
type Capability interface {
	Handle(ctx context.Context, sess *session.Session) error
}
