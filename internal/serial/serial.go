// Package serial opens the bridged UART.
//
// The baud rate is a property of the Device rather than of an open
// port: SetBaudRate takes effect the next time the port is opened,
// which happens at the start of every console session.
package serial

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"ttybridge/internal/retry"
	"ttybridge/util"
)

// DefaultBaud is used when no rate has been configured or stored.
const DefaultBaud = 115200

// Baud rate bounds accepted by SetBaudRate.
const (
	MinBaud = 1
	MaxBaud = 4000000
)

// pollInterval bounds how long a blocked Read takes to notice Close.
const pollInterval = 100 * time.Millisecond

// OpenFunc opens the underlying port.  Tests replace it.
type OpenFunc func(cfg *serial.Config) (io.ReadWriteCloser, error)

func openTarm(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(cfg)
}

// Device is a serial line identified by its tty path.
type Device struct {
	Path    string
	Backoff *retry.Backoff
	Logger  *util.Logger
	OpenFn  OpenFunc

	mu   sync.Mutex
	baud uint32
}

// New returns a Device for path at the given initial baud rate.
func New(path string, baud uint32, logger *util.Logger) *Device {
	if baud < MinBaud || baud > MaxBaud {
		baud = DefaultBaud
	}
	return &Device{Path: path, Logger: logger, baud: baud}
}

// BaudRate returns the rate used for the next open.
func (d *Device) BaudRate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// SetBaudRate changes the rate used for the next open.
func (d *Device) SetBaudRate(baud uint32) error {
	if baud < MinBaud || baud > MaxBaud {
		return fmt.Errorf("baud rate %d outside %d..%d", baud, MinBaud, MaxBaud)
	}
	d.mu.Lock()
	d.baud = baud
	d.mu.Unlock()
	return nil
}

// Open opens the port at the current baud rate, retrying transient
// failures.  The returned handle's Read blocks until data arrives or
// the handle is closed.
func (d *Device) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	open := d.OpenFn
	if open == nil {
		open = openTarm
	}
	bo := d.Backoff
	if bo == nil {
		bo = retry.DefaultBackoff()
	}
	cfg := &serial.Config{
		Name:        d.Path,
		Baud:        int(d.BaudRate()),
		ReadTimeout: pollInterval,
	}

	attempts := *bo
	attempts.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.Logger.Warn("serial: open %s (attempt %d): %v; retrying in %s", d.Path, attempt, err, wait.Truncate(time.Millisecond))
	}

	var rwc io.ReadWriteCloser
	err := attempts.Do(ctx, func(int) error {
		var err error
		rwc, err = open(cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", d.Path, err)
	}
	d.Logger.Verbose("serial: opened %s at %d baud", d.Path, cfg.Baud)
	return &port{rwc: rwc}, nil
}

// port hides the read timeout of the underlying handle: an empty read
// is retried until data arrives or the port is closed.
type port struct {
	rwc    io.ReadWriteCloser
	closed atomic.Bool
	once   sync.Once
}

func (p *port) Read(b []byte) (int, error) {
	for {
		if p.closed.Load() {
			return 0, io.EOF
		}
		n, err := p.rwc.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			if p.closed.Load() {
				return 0, io.EOF
			}
			return 0, err
		}
	}
}

func (p *port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return p.rwc.Write(b)
}

func (p *port) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		err = p.rwc.Close()
	})
	return err
}
