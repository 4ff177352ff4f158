package telnet

import (
	"io"

	"ttybridge/internal/session"
	"ttybridge/util"
)

// Reply returns the server's answer to a client negotiation.  The server
// never supports a client-offered option: WILL is refused with DONT and
// DO with WONT, except DO ECHO while the server already owes echo
// suppression, which is the agreed state.  WONT and DONT never need an
// answer, and anything else is invalid.
func Reply(n Negotiation, echoOwed bool) (Negotiation, bool) {
	switch n.Command {
	case WILL:
		return Negotiation{Command: DONT, Option: n.Option}, true
	case DO:
		if n.Option == Echo && echoOwed {
			return Negotiation{}, false
		}
		return Negotiation{Command: WONT, Option: n.Option}, true
	}
	return Negotiation{}, false
}

// Filter answers negotiations seen inline in the command stream.
type Filter struct {
	Logger *util.Logger
}

// Handle writes the reply for n, if any, to w.  Write failures are logged
// and otherwise ignored; the next read on the connection will surface a
// dead peer.
func (f *Filter) Handle(w io.Writer, sess *session.Session, n Negotiation) {
	reply, ok := Reply(n, sess.EchoSuppressionOwed)
	if !ok {
		f.Logger.Debug("telnet: ignoring %s", n)
		return
	}
	f.Logger.Debug("telnet: %s -> %s", n, reply)
	if _, err := w.Write(reply.Bytes()); err != nil {
		f.Logger.Verbose("telnet: reply %s: %v", reply, err)
	}
}
