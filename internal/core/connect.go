package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/term"

	"ttybridge/internal/command"
	"ttybridge/internal/errors"
	"ttybridge/internal/telnet"
	"ttybridge/internal/transport"
	"ttybridge/util"
)

// EscapeByte (Ctrl-]) ends a console session from the client side.
const EscapeByte = 0x1d

// DefaultLoginTimeout bounds each read while logging in.
const DefaultLoginTimeout = 5 * time.Second

// ConsoleClient logs into a bridge and attaches the local terminal to
// its serial console.
type ConsoleClient struct {
	Dialer   transport.Dialer
	Address  string
	Password string // prompted for when empty and stdin is a terminal
	Timeout  time.Duration
	Logger   *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConsoleClient) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConsoleClient) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run dials the control port, authenticates, requests the console and
// copies bytes between the terminal and the connection until either
// side finishes or the escape byte is typed.
func (m *ConsoleClient) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	password, err := resolvePassword(m.Password, m.stdin(), m.stdout())
	if err != nil {
		return err
	}

	m.Logger.Verbose("connecting to %s", m.Address)
	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	if err := login(conn, password, timeout); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, "console\r\n"); err != nil {
		return errors.Wrap("write", conn.RemoteAddr().String(), err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	if err := telnet.Respond(conn, m.stdout(), telnet.HandshakeRounds); err != nil {
		return errors.Protocol("handshake", fmt.Errorf("%w: %w", errors.ErrHandshake, err))
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	m.Logger.Info("console attached to %s (escape character is ^])", m.Address)

	in := m.stdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(int(f.Fd()), state) //nolint:errcheck
	}

	return util.Attach(ctx, conn, &escapeReader{r: in}, m.stdout())
}

// escapeReader reports EOF once EscapeByte has been read and drops it
// and anything after it in the same read.
type escapeReader struct {
	r    io.Reader
	done bool
}

func (e *escapeReader) Read(b []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}
	n, err := e.r.Read(b)
	if i := bytes.IndexByte(b[:n], EscapeByte); i >= 0 {
		e.done = true
		if i == 0 {
			return 0, io.EOF
		}
		return i, nil
	}
	return n, err
}

// resolvePassword returns password, or reads one from the terminal
// without echo.
func resolvePassword(password string, in io.Reader, out io.Writer) (string, error) {
	if password != "" {
		return password, nil
	}
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", &errors.ConfigError{Field: "password", Message: "required when stdin is not a terminal"}
	}
	fmt.Fprint(out, "Password: ")
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// login waits for the password prompt, sends the password and confirms
// it was accepted by asking for help: an accepted session answers with
// the command list, a rejected one prompts again.
func login(conn net.Conn, password string, timeout time.Duration) error {
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	if _, err := readUntil(conn, timeout, command.Prompt); err != nil {
		return fmt.Errorf("waiting for prompt: %w", err)
	}
	if _, err := io.WriteString(conn, password+"\r\nhelp\r\n"); err != nil {
		return errors.Wrap("write", conn.RemoteAddr().String(), err)
	}
	got, err := readUntil(conn, timeout, command.HelpText, command.Prompt)
	if err != nil {
		return fmt.Errorf("waiting for login: %w", err)
	}
	if got == command.Prompt {
		return errors.Protocol("login", errWrongPassword)
	}
	return nil
}

// readUntil reads data bytes from conn until they end with one of the
// markers and returns the marker seen.  Negotiations are answered: echo
// suppression is accepted and everything else follows telnet.Answer.
func readUntil(conn net.Conn, timeout time.Duration, markers ...string) (string, error) {
	var (
		sc   telnet.Scanner
		data []byte
		buf  = make([]byte, 256)
	)
	for {
		conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			kind, c, neg := sc.Scan(b)
			switch kind {
			case telnet.KindNegotiation:
				reply, ok := telnet.Answer(neg)
				if neg.Command == telnet.WILL && neg.Option == telnet.Echo {
					reply, ok = telnet.Negotiation{Command: telnet.DO, Option: telnet.Echo}, true
				}
				if ok {
					if _, werr := conn.Write(reply.Bytes()); werr != nil {
						return "", werr
					}
				}
			case telnet.KindData:
				data = append(data, c)
				for _, m := range markers {
					if bytes.HasSuffix(data, []byte(m)) {
						return m, nil
					}
				}
			}
		}
		if err != nil {
			return "", err
		}
	}
}
