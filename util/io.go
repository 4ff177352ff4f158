package util

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// DetachLinger bounds how long Attach keeps printing console output
// after the local side has ended.
const DetachLinger = 500 * time.Millisecond

// Attach joins an operator's terminal to a console connection: bytes
// read from local go to conn, bytes from conn go to out.
//
// It returns when the remote side closes, when ctx is cancelled, or
// shortly after local reaches EOF.  On local EOF the write half of conn
// is shut first so the bridge sees a clean end of input, and output
// already in flight is drained for up to DetachLinger.  conn is always
// closed on return.  A goroutine blocked reading local is left behind
// when the remote side ends first; local readers are expected to be
// stdin or something the caller closes.
func Attach(ctx context.Context, conn net.Conn, local io.Reader, out io.Writer) error {
	remoteDone := make(chan error, 1)
	localDone := make(chan error, 1)

	go func() {
		_, err := io.Copy(out, conn)
		remoteDone <- err
	}()
	go func() {
		_, err := io.Copy(conn, local)
		localDone <- err
	}()

	defer conn.Close()
	select {
	case err := <-remoteDone:
		return quiet(err)
	case err := <-localDone:
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite() //nolint:errcheck
		}
		linger := time.NewTimer(DetachLinger)
		defer linger.Stop()
		select {
		case <-remoteDone:
		case <-linger.C:
		case <-ctx.Done():
		}
		return quiet(err)
	case <-ctx.Done():
		return nil
	}
}

func quiet(err error) error {
	if IsHarmless(err) {
		return nil
	}
	return err
}

// IsHarmless reports whether err is the normal end of a connection:
// nil, EOF, or use of a connection that has already been closed.
func IsHarmless(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return true
	}
	return false
}
