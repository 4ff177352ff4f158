package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"ttybridge/internal/errors"
	"ttybridge/internal/retry"
	"ttybridge/internal/transport"
	"ttybridge/util"
)

// PushClient sends a firmware image to a bridge.
//
// Without Login the image is posted straight to the OTA port, which
// needs the bridge's push listener.  With Login the client first
// authenticates on the control port and issues the ota command; the
// image then travels on the control connection itself when Inline is
// set, or to the one-shot listener the command opens otherwise.
type PushClient struct {
	Dialer  transport.Dialer
	Address string // OTA port
	Image   string
	Timeout time.Duration
	Logger  *util.Logger

	Login    bool
	Inline   bool
	Control  string // control port, with Login
	Password string

	Stdout io.Writer
}

func (m *PushClient) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run posts the image and prints the bridge's answer.  A non-200
// answer is returned as an error carrying the reported reason.
func (m *PushClient) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	f, err := os.Open(m.Image)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}
	if info.Size() == 0 {
		return &errors.ConfigError{Field: "image", Value: m.Image, Message: "image is empty"}
	}

	dial, err := m.dialFunc(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+m.Address+"/", f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	m.Logger.Info("pushing %s (%d bytes) to %s", m.Image, info.Size(), m.Address)
	body, err := roundTrip(req, dial, http.StatusOK)
	if err != nil {
		return err
	}
	fmt.Fprint(m.stdout(), body)
	return nil
}

// dialFunc returns how the HTTP request reaches the bridge.
func (m *PushClient) dialFunc(ctx context.Context) (dialContext, error) {
	if !m.Login {
		return m.Dialer.Dial, nil
	}

	conn, err := m.Dialer.Dial(ctx, "tcp", m.Control)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", m.Control, err)
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	if err := login(conn, m.Password, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := io.WriteString(conn, "ota\r\n"); err != nil {
		conn.Close()
		return nil, errors.Wrap("write", m.Control, err)
	}

	if m.Inline {
		used := false
		return func(context.Context, string, string) (net.Conn, error) {
			if used {
				return nil, fmt.Errorf("control connection already used")
			}
			used = true
			return conn, nil
		}, nil
	}

	// The control connection stays open until the transfer is over;
	// the one-shot listener takes a moment to appear.
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		b := retry.DefaultBackoff()
		b.MaxAttempts = 10
		b.MaxDelay = 500 * time.Millisecond
		var c net.Conn
		err := b.Do(ctx, func(int) error {
			var derr error
			c, derr = m.Dialer.Dial(ctx, network, addr)
			// Only a refusal means the listener is not up yet.
			if derr != nil && !errors.Is(derr, syscall.ECONNREFUSED) {
				return retry.Permanent(derr)
			}
			return derr
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &pairedConn{Conn: c, control: conn}, nil
	}, nil
}

// pairedConn closes the control connection along with the transfer
// connection.
type pairedConn struct {
	net.Conn
	control net.Conn
}

func (p *pairedConn) Close() error {
	p.control.Close()
	return p.Conn.Close()
}

// AbortClient cancels a pending update on the OTA port.
type AbortClient struct {
	Dialer  transport.Dialer
	Address string
	Logger  *util.Logger
}

// Run sends the DELETE request and expects 204.
func (m *AbortClient) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://"+m.Address+"/", nil)
	if err != nil {
		return err
	}
	if _, err := roundTrip(req, m.Dialer.Dial, http.StatusNoContent); err != nil {
		return err
	}
	m.Logger.Info("update on %s cancelled", m.Address)
	return nil
}

type dialContext func(ctx context.Context, network, addr string) (net.Conn, error)

// roundTrip performs req over a single fresh connection and returns
// the response body when the status matches want.
func roundTrip(req *http.Request, dial dialContext, want int) (string, error) {
	tr := &http.Transport{
		DialContext:        dial,
		DisableKeepAlives:  true,
		DisableCompression: true,
	}
	defer tr.CloseIdleConnections()

	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		return "", errors.Wrap(strings.ToLower(req.Method), req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil && !util.IsHarmless(err) {
		return "", errors.Wrap("read response", req.URL.Host, err)
	}
	if resp.StatusCode != want {
		return "", fmt.Errorf("bridge answered %q: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
