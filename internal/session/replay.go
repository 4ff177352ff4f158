package session

import "net"

// replayConn serves bytes that were read ahead of the current consumer
// before reading from the underlying connection again.
type replayConn struct {
	net.Conn
	pending []byte
	// skipLF drops a LF or NUL arriving as the next byte, the second
	// half of a CR LF or CR NUL line ending.
	skipLF bool
}

func (c *replayConn) Read(b []byte) (int, error) {
	for {
		var (
			n   int
			err error
		)
		if len(c.pending) > 0 {
			n = copy(b, c.pending)
			c.pending = c.pending[n:]
		} else {
			n, err = c.Conn.Read(b)
		}
		if c.skipLF && n > 0 {
			c.skipLF = false
			if b[0] == '\n' || b[0] == 0 {
				n = copy(b, b[1:n])
				if n == 0 && err == nil {
					continue
				}
			}
		}
		return n, err
	}
}

// Unread puts b back in front of the session's input, so the next
// component reading Conn sees it first.  Components take over the
// connection from one another mid-stream (command reader, handshake,
// pump, firmware receiver), and none of them may lose what another one
// already read.
func (s *Session) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	rc := s.replay()
	rc.pending = append(append([]byte(nil), b...), rc.pending...)
}

// SkipLineFeed drops the next input byte if it is LF or NUL.  The
// command reader calls it when a line ended on CR and the rest of the
// line ending has not been seen yet.
func (s *Session) SkipLineFeed() {
	s.replay().skipLF = true
}

func (s *Session) replay() *replayConn {
	if rc, ok := s.Conn.(*replayConn); ok {
		return rc
	}
	rc := &replayConn{Conn: s.Conn}
	s.Conn = rc
	return rc
}
