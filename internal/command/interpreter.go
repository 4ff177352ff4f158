package command

import (
	"context"
	"fmt"
	"io"
	"strings"

	"ttybridge/internal/errors"
	"ttybridge/internal/session"
	"ttybridge/internal/telnet"
)

// Prompt is sent after accept and after every rejected password.
const Prompt = "pass? "

// BaudKey is the settings key the baud rate is stored under.
const BaudKey = "baudrate"

// Serial is the part of the serial device the interpreter drives.
type Serial interface {
	SetBaudRate(baud uint32) error
	BaudRate() uint32
}

// Settings is the persistent configuration store.
type Settings interface {
	Set(key string, value uint32) error
	Commit() error
}

// Interpreter reads the command stream of one session and returns the
// directive it ends with.
type Interpreter struct {
	Secret   Secret
	Filter   *telnet.Filter
	Serial   Serial
	Settings Settings

	// Status returns extra lines for the status command (firmware
	// state); nil omits them.
	Status func() []string

	// HidePassword asks the client to stop echoing locally while the
	// password is typed and to resume once it has been accepted.
	HidePassword bool

	// OnAuthFailure and OnAuthSuccess observe password attempts.
	OnAuthFailure func()
	OnAuthSuccess func()
}

// Greet sends the optional echo preamble and the first prompt.
func (in *Interpreter) Greet(sess *session.Session) {
	if in.HidePassword {
		in.write(sess, string(telnet.Negotiation{Command: telnet.WILL, Option: telnet.Echo}.Bytes()))
		sess.EchoSuppressionOwed = true
	}
	in.write(sess, Prompt)
}

// lineBuffer assembles lines out of data bytes.
type lineBuffer struct {
	buf      []byte
	overflow bool
}

// add appends b and reports whether a line ended.
func (lb *lineBuffer) add(b byte) bool {
	switch b {
	case '\r', '\n':
		return len(lb.buf) > 0 || lb.overflow
	case 0:
		return false
	}
	if len(lb.buf) >= MaxLineLength {
		lb.overflow = true
		return false
	}
	lb.buf = append(lb.buf, b)
	return false
}

func (lb *lineBuffer) take() (line []byte, overflow bool) {
	line = append([]byte(nil), lb.buf...)
	overflow = lb.overflow
	lb.buf = lb.buf[:0]
	lb.overflow = false
	return line, overflow
}

// Run interprets bytes from sess.Conn until a terminal directive is
// produced or the input ends.  Telnet negotiations embedded in the
// stream are answered inline and never reach line assembly.  Bytes read
// past the line that ends the loop stay readable on sess.Conn.  Read
// errors other than EOF are returned as I/O errors.
func (in *Interpreter) Run(ctx context.Context, sess *session.Session) (Directive, error) {
	var (
		sc    telnet.Scanner
		lines lineBuffer
		buf   = make([]byte, 256)
	)

	for {
		if err := ctx.Err(); err != nil {
			return Disconnected, err
		}

		n, rerr := sess.Conn.Read(buf)
		for i, b := range buf[:n] {
			kind, data, neg := sc.Scan(b)
			switch kind {
			case telnet.KindNegotiation:
				in.Filter.Handle(sess.Conn, sess, neg)
				continue
			case telnet.KindData:
			default:
				continue
			}

			if !lines.add(data) {
				continue
			}
			line, overflow := lines.take()
			if d, done := in.handleLine(sess, line, overflow); done {
				in.handOver(sess, data, buf[i+1:n])
				return d, nil
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				return Disconnected, nil
			}
			if ctx.Err() != nil {
				return Disconnected, ctx.Err()
			}
			return Disconnected, errors.Wrap("read", session.RemoteAddr(sess.Conn), rerr)
		}
	}
}

// handOver leaves the input that followed the final line for whoever
// reads the connection next.  A CR terminator may still be followed by
// the LF or NUL that completes it.
func (in *Interpreter) handOver(sess *session.Session, term byte, rest []byte) {
	if term == '\r' {
		if len(rest) > 0 && (rest[0] == '\n' || rest[0] == 0) {
			rest = rest[1:]
		} else if len(rest) == 0 {
			sess.SkipLineFeed()
		}
	}
	sess.Unread(rest)
}

// handleLine applies one line and reports a terminal directive, if any.
func (in *Interpreter) handleLine(sess *session.Session, line []byte, overflow bool) (Directive, bool) {
	if !sess.Authenticated {
		cmd := Command{Kind: Authenticate, Password: line}
		if !overflow && in.Secret.Verify(cmd.Password) {
			sess.Authenticated = true
			sess.Logger.Info("authenticated")
			if in.HidePassword && sess.EchoSuppressionOwed {
				in.write(sess, string(telnet.Negotiation{Command: telnet.WONT, Option: telnet.Echo}.Bytes()))
				sess.EchoSuppressionOwed = false
			}
			if in.OnAuthSuccess != nil {
				in.OnAuthSuccess()
			}
			return Disconnected, false
		}
		sess.Logger.Warn("authentication failed")
		if in.OnAuthFailure != nil {
			in.OnAuthFailure()
		}
		in.write(sess, Prompt)
		return Disconnected, false
	}

	cmd := Command{Kind: Malformed}
	if !overflow {
		cmd = Parse(string(line))
	}
	sess.Logger.Verbose("command: %s", cmd.Kind)

	switch cmd.Kind {
	case SetBaudRate:
		in.setBaud(sess, cmd.Baud)
	case SaveConfig:
		if err := in.Settings.Commit(); err != nil {
			sess.Logger.Error("save settings: %v", err)
		} else {
			sess.Logger.Info("settings saved")
		}
	case Status:
		in.write(sess, in.statusText())
	case Help:
		in.write(sess, HelpText)
	case EnterConsole:
		sess.WantsConsole = true
		return Console, true
	case EnterOTA:
		sess.WantsOTA = true
		return OTA, true
	case Quit:
		return Exit, true
	default:
		sess.Logger.Debug("ignoring malformed input %q", truncate(line, 32))
	}
	return Disconnected, false
}

func (in *Interpreter) setBaud(sess *session.Session, baud uint32) {
	if err := in.Serial.SetBaudRate(baud); err != nil {
		sess.Logger.Error("set baud rate %d: %v", baud, err)
		return
	}
	if err := in.Settings.Set(BaudKey, baud); err != nil {
		sess.Logger.Error("store baud rate %d: %v", baud, err)
		return
	}
	sess.Logger.Info("baud rate set to %d", baud)
}

func (in *Interpreter) statusText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "baud %d\r\n", in.Serial.BaudRate())
	if in.Status != nil {
		for _, l := range in.Status() {
			sb.WriteString(l)
			sb.WriteString("\r\n")
		}
	}
	return sb.String()
}

func (in *Interpreter) write(sess *session.Session, s string) {
	if _, err := io.WriteString(sess.Conn, s); err != nil {
		sess.Logger.Verbose("write: %v", err)
	}
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
