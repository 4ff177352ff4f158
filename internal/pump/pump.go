// Package pump joins an authenticated control connection to the serial
// line.  Bytes are copied verbatim in both directions until either side
// hangs up or the session goes idle.
package pump

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	ierrors "ttybridge/internal/errors"
	"ttybridge/internal/metrics"
	"ttybridge/util"
)

// DefaultIdleTimeout ends a console session after this long without
// traffic in either direction.
const DefaultIdleTimeout = 120 * time.Second

// Pump copies bytes between a network connection and a serial handle.
type Pump struct {
	IdleTimeout time.Duration
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

type chunk struct {
	buf *[]byte
	n   int
	err error
}

func (p *Pump) idle() time.Duration {
	if p.IdleTimeout > 0 {
		return p.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Run copies between conn and port until EOF on either side, a read or
// write failure, idle expiry or ctx cancellation.  Idle expiry and EOF
// are normal ends and return nil.
//
// Run always closes port.  It never closes conn; the caller owns it.
func (p *Pump) Run(ctx context.Context, conn net.Conn, port io.ReadWriteCloser) error {
	done := make(chan struct{})
	fromNet := make(chan chunk)
	fromSerial := make(chan chunk)

	readersDone := make(chan struct{}, 2)
	go reader(conn, fromNet, done, readersDone)
	go reader(port, fromSerial, done, readersDone)

	defer func() {
		close(done)
		port.Close()
		// Release the socket reader without closing the socket.
		conn.SetReadDeadline(time.Unix(1, 0)) //nolint:errcheck
		<-readersDone
		<-readersDone
		conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}()

	idle := time.NewTimer(p.idle())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Logger.Verbose("console: cancelled")
			return nil

		case <-idle.C:
			p.Logger.Info("console: idle for %s, closing", p.idle())
			return nil

		case c := <-fromNet:
			if c.err != nil {
				return p.end("socket", c.err)
			}
			if err := p.forward(port, c, "serial"); err != nil {
				return stopped(err)
			}
			p.Metrics.BytesToSerial(int64(c.n))
			idle.Reset(p.idle())

		case c := <-fromSerial:
			if c.err != nil {
				return p.end("serial", c.err)
			}
			if err := p.forward(conn, c, "socket"); err != nil {
				return stopped(err)
			}
			p.Metrics.BytesFromSerial(int64(c.n))
			idle.Reset(p.idle())
		}
	}
}

// forward writes one chunk and recycles its buffer.
func (p *Pump) forward(w io.Writer, c chunk, to string) error {
	defer util.PutChunk(c.buf)
	n, err := w.Write((*c.buf)[:c.n])
	if err == nil && n < c.n {
		err = io.ErrShortWrite
	}
	if err != nil {
		if util.IsHarmless(err) {
			p.Logger.Verbose("console: %s closed", to)
			return errHungUp
		}
		return ierrors.Wrap("write "+to, "", err)
	}
	return nil
}

var errHungUp = errors.New("hung up")

func stopped(err error) error {
	if err == errHungUp {
		return nil
	}
	return err
}

func (p *Pump) end(from string, err error) error {
	if util.IsHarmless(err) {
		p.Logger.Verbose("console: %s hung up", from)
		return nil
	}
	return ierrors.Wrap("read "+from, "", err)
}

// reader feeds chunks from r into out until a read fails.  Each chunk's
// buffer belongs to the receiver.  An empty read counts as end of input.
func reader(r io.Reader, out chan<- chunk, done <-chan struct{}, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()
	for {
		buf := util.GetChunk()
		n, err := r.Read(*buf)
		if n > 0 {
			select {
			case out <- chunk{buf: buf, n: n}:
			case <-done:
				util.PutChunk(buf)
				return
			}
		} else {
			util.PutChunk(buf)
			if err == nil {
				err = io.EOF
			}
		}
		if err != nil {
			select {
			case out <- chunk{err: err}:
			case <-done:
			}
			return
		}
	}
}
