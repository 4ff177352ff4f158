package telnet

import (
	"fmt"
	"io"
	"net"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/session"
)

// DefaultHandshakeTimeout bounds the wait for each acknowledgment.
const DefaultHandshakeTimeout = 5 * time.Second

// step is one offer of the handshake and the acknowledgment it requires.
type step struct {
	offer Negotiation
	want  Negotiation
}

var handshakeSteps = [HandshakeRounds]step{
	{Negotiation{WILL, SGA}, Negotiation{DONT, SGA}},
	{Negotiation{WILL, Echo}, Negotiation{DONT, Echo}},
	{Negotiation{DO, Linemode}, Negotiation{WILL, Linemode}},
}

// Handshake runs the fixed console negotiation on conn: WILL SGA, WILL
// ECHO, then DO LINEMODE, each answered before the next is sent.  A
// refusal or an acknowledgment out of order fails the handshake at
// once; silence fails it after timeout.  Anything else the peer sends meanwhile (typed
// keys, unrelated negotiations) is handed back to sess unchanged, so
// the console receives it.  The read deadline is cleared on return.
func Handshake(conn net.Conn, sess *session.Session, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	var (
		sc      Scanner
		token   []byte // raw bytes of the sequence being scanned
		rest    []byte // peer input that is not part of the handshake
		pending []byte // read but not yet scanned
		buf     = make([]byte, 64)
	)
	defer func() { sess.Unread(append(rest, pending...)) }()

	for step, st := range handshakeSteps {
		if _, err := conn.Write(st.offer.Bytes()); err != nil {
			return errors.Wrap("write", session.RemoteAddr(conn), err)
		}
		if st.offer.Command == WILL && st.offer.Option == Echo {
			sess.EchoSuppressionOwed = true
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return errors.Wrap("read", session.RemoteAddr(conn), err)
		}

		for acked := false; !acked; {
			if len(pending) == 0 {
				n, err := conn.Read(buf)
				if n == 0 && err != nil {
					if errors.IsTimeout(err) {
						err = errors.ErrTimeout
					}
					return errors.Protocol("handshake",
						fmt.Errorf("%w: awaiting %s: %w", errors.ErrHandshake, st.want, err))
				}
				pending = buf[:n]
			}
			for len(pending) > 0 && !acked {
				b := pending[0]
				pending = pending[1:]
				token = append(token, b)
				kind, _, neg := sc.Scan(b)
				if kind == KindNone {
					continue
				}
				if kind == KindNegotiation {
					if neg == st.want {
						acked = true
						token = token[:0]
						continue
					}
					if deviates(neg, step) {
						return errors.Protocol("handshake",
							fmt.Errorf("%w: expected %s after %s, got %s", errors.ErrHandshake, st.want, st.offer, neg))
					}
				}
				rest = append(rest, token...)
				token = token[:0]
			}
		}
		sess.Logger.Debug("telnet: %s acknowledged", st.offer)
	}
	return nil
}

// deviates reports whether n answers a handshake offer other than the
// one at step, or refuses the one at step.
func deviates(n Negotiation, step int) bool {
	for i, st := range handshakeSteps {
		if n.Option != st.offer.Option {
			continue
		}
		return i != step || n != st.want
	}
	return false
}

// Answer is the client side of the console handshake: it refuses every
// server WILL and every DO except LINEMODE, which it accepts.
func Answer(n Negotiation) (Negotiation, bool) {
	switch n.Command {
	case WILL:
		return Negotiation{Command: DONT, Option: n.Option}, true
	case DO:
		if n.Option == Linemode {
			return Negotiation{Command: WILL, Option: Linemode}, true
		}
		return Negotiation{Command: WONT, Option: n.Option}, true
	}
	return Negotiation{}, false
}

// Respond reads from rw until want negotiations have been answered,
// copying any data bytes seen meanwhile to out.  It is what the client
// console runs right after requesting console mode.
func Respond(rw io.ReadWriter, out io.Writer, want int) error {
	var sc Scanner
	buf := make([]byte, 256)
	answered := 0
	for answered < want {
		n, err := rw.Read(buf)
		for _, b := range buf[:n] {
			kind, data, neg := sc.Scan(b)
			switch kind {
			case KindData:
				if _, werr := out.Write([]byte{data}); werr != nil {
					return werr
				}
			case KindNegotiation:
				reply, ok := Answer(neg)
				if !ok {
					continue
				}
				if _, werr := rw.Write(reply.Bytes()); werr != nil {
					return werr
				}
				answered++
			}
		}
		if err != nil {
			if err == io.EOF && answered >= want {
				return nil
			}
			return fmt.Errorf("telnet negotiation: %w", err)
		}
	}
	return nil
}

// HandshakeRounds is the number of negotiations the server sends before
// console passthrough starts.
const HandshakeRounds = 3
